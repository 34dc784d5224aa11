// Package gateway serves a connector over JSON-RPC on HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/jsonrpc"
	"github.com/ava-labs/devnode/pkg/metrics"
	"github.com/ava-labs/devnode/pkg/queue"
)

const (
	DefaultMaxRequestBytes = 5 * 1024 * 1024
	DefaultConcurrency     = 16
	DefaultWriteTimeout    = 10 * time.Second
)

// Options configures a Gateway.
type Options struct {
	RPCEndpoint     string        // path for both HTTP and WebSocket traffic
	MaxRequestBytes int64         // largest accepted HTTP body or WebSocket message
	Concurrency     int64         // dispatches in flight per WebSocket connection or batch
	WriteTimeout    time.Duration // deadline for each WebSocket write
	CloseCode       CloseCode     // sent to every WebSocket connection on Close

	Metrics *metrics.Metrics // nil if metrics disabled
}

func (o Options) withDefaults() Options {
	if o.RPCEndpoint == "" {
		o.RPCEndpoint = connector.DefaultRPCEndpoint
	}
	if o.MaxRequestBytes == 0 {
		o.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CloseCode == 0 {
		o.CloseCode = CloseNormal
	}
	return o
}

func (o Options) validate() error {
	var errs []error
	if !strings.HasPrefix(o.RPCEndpoint, "/") {
		errs = append(errs, fmt.Errorf("rpc endpoint %q must start with /", o.RPCEndpoint))
	}
	if o.MaxRequestBytes < 0 {
		errs = append(errs, fmt.Errorf("max request bytes %d must not be negative", o.MaxRequestBytes))
	}
	if o.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency %d must not be negative", o.Concurrency))
	}
	if !o.CloseCode.Sendable() {
		errs = append(errs, fmt.Errorf("close code %d (%s) cannot be sent", int(o.CloseCode), o.CloseCode))
	}
	return errors.Join(errs...)
}

// Gateway accepts client traffic and dispatches it to a connector. It owns the
// connector and closes it on Close.
type Gateway struct {
	log       *zap.SugaredLogger
	connector connector.Connector
	opts      Options
	metrics   *metrics.Metrics
	router    chi.Router
	server    *http.Server
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	closing bool
	addr    net.Addr
	conns   map[string]*wsConn
	wg      sync.WaitGroup // WebSocket read loops

	closeOnce sync.Once
	closeErr  error
}

// New creates a Gateway for conn. It does not listen until Serve is called.
func New(log *zap.SugaredLogger, conn connector.Connector, opts Options) (*Gateway, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if conn == nil {
		return nil, errors.New("invalid connector: must not be nil")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", connector.ErrConfiguration, err)
	}

	g := &Gateway{
		log:       log,
		connector: conn,
		opts:      opts,
		metrics:   opts.Metrics,
		conns:     make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			// Development node: any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Post(opts.RPCEndpoint, g.serveHTTP)
	r.Get(opts.RPCEndpoint, g.serveWebSocket)
	r.Options(opts.RPCEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	g.router = r

	g.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Handler returns the HTTP handler of the gateway.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Serve starts accepting connections on ln. This is non-blocking.
// Returns a channel that receives an error if serving fails.
func (g *Gateway) Serve(ln net.Listener) <-chan error {
	g.mu.Lock()
	g.addr = ln.Addr()
	g.mu.Unlock()

	g.log.Infow("serving JSON-RPC",
		"addr", ln.Addr().String(),
		"endpoint", g.opts.RPCEndpoint,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Addr returns the address passed to Serve, or nil.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Close sends the configured close code to every open WebSocket connection, stops
// accepting traffic, releases the listener and closes the connector. Dispatches
// still running complete but their results are dropped. Close is idempotent.
func (g *Gateway) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closing = true
		conns := make([]*wsConn, 0, len(g.conns))
		for _, c := range g.conns {
			conns = append(conns, c)
		}
		g.mu.Unlock()

		g.log.Infow("closing gateway", "connections", len(conns), "code", g.opts.CloseCode.String())
		for _, c := range conns {
			if err := c.shutdown(g.opts.CloseCode, "server shutting down"); err != nil {
				g.log.Debugw("failed to send close frame", "connection", c.id, "error", err)
			}
		}

		var err error
		err = multierr.Append(err, g.server.Shutdown(ctx))
		err = multierr.Append(err, g.waitConnections(ctx))
		err = multierr.Append(err, g.connector.Close(ctx))
		g.closeErr = err
	})
	return g.closeErr
}

func (g *Gateway) waitConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for connections: %w", ctx.Err())
	}
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// track registers c. It reports false once the gateway is closing.
func (g *Gateway) track(c *wsConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

func (g *Gateway) forget(c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.id)
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	g.metrics.IncConnections(metrics.TransportHTTP)
	defer g.metrics.DecConnections(metrics.TransportHTTP)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.writeJSON(w, http.StatusRequestEntityTooLarge, g.encode(jsonrpc.Failure(nil,
				jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "request exceeds %d bytes", tooLarge.Limit))))
			return
		}
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	// The client going away does not cancel its dispatch.
	resp := g.process(context.WithoutCancel(r.Context()), nil, metrics.TransportHTTP, body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		g.metrics.IncError(metrics.ErrTypeWrite)
		g.log.Debugw("failed to write HTTP response", "error", err)
	}
}

func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		g.log.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := newWSConn(g, ws)
	if err != nil {
		g.log.Errorw("failed to set up websocket connection", "error", err)
		_ = ws.Close()
		return
	}
	g.serveConn(context.WithoutCancel(r.Context()), c, r.RemoteAddr)
}

// serveConn runs c until it closes. A connection that completed its upgrade while
// Close was running gets the same close code as every other client.
func (g *Gateway) serveConn(ctx context.Context, c *wsConn, remote string) {
	g.metrics.IncConnections(metrics.TransportWebSocket)
	if !g.track(c) {
		_ = c.shutdown(g.opts.CloseCode, "server shutting down")
		c.finish()
		return
	}
	defer g.wg.Done()

	g.log.Debugw("websocket connection opened", "connection", c.id, "remote", remote)
	c.readLoop(ctx)
}

// process parses payload and dispatches every request in it. It returns the
// encoded reply, or nil when nothing must be sent back.
func (g *Gateway) process(ctx context.Context, n connector.Notifier, transport string, payload []byte) []byte {
	reqs, batch, err := jsonrpc.Parse(payload)
	if err != nil {
		g.metrics.IncError(metrics.ErrTypeParse)
		g.log.Debugw("rejecting malformed payload", "transport", transport, "error", err)
		return g.encode(jsonrpc.Failure(nil, err))
	}

	if !batch {
		resp := g.dispatch(ctx, n, transport, reqs[0])
		if resp == nil {
			return nil
		}
		return g.encode(resp)
	}

	resps, err := g.dispatchBatch(ctx, n, transport, reqs)
	if err != nil {
		return g.encode(jsonrpc.Failure(nil, err))
	}
	if len(resps) == 0 {
		return nil
	}
	return g.encode(resps)
}

// dispatchBatch runs the requests of a batch concurrently and returns their
// responses in request order.
func (g *Gateway) dispatchBatch(
	ctx context.Context,
	n connector.Notifier,
	transport string,
	reqs []*jsonrpc.Request,
) ([]*jsonrpc.Response, error) {
	var resps []*jsonrpc.Response
	q, err := queue.New(g.log, func(e *queue.Entry[*jsonrpc.Response]) {
		if resp, _ := e.Result(); resp != nil {
			resps = append(resps, resp)
		}
	}, queue.WithConcurrency(g.opts.Concurrency))
	if err != nil {
		return nil, fmt.Errorf("create batch queue: %w", err)
	}

	var last *queue.Entry[*jsonrpc.Response]
	for _, req := range reqs {
		last = q.Go(ctx, func(ctx context.Context) (*jsonrpc.Response, error) {
			return g.dispatch(ctx, n, transport, req), nil
		})
	}
	// Notifications are in order, so the last one settling means all did.
	if _, err := last.Wait(ctx); err != nil {
		return nil, err
	}
	return resps, nil
}

// dispatch serves one request. It returns nil for notifications.
func (g *Gateway) dispatch(ctx context.Context, n connector.Notifier, transport string, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	if err := req.Validate(); err != nil {
		g.metrics.RecordRequest(transport, err, time.Since(start).Seconds())
		return jsonrpc.Failure(req, err)
	}

	result, err := g.connector.Handle(ctx, n, req)
	g.metrics.RecordRequest(transport, err, time.Since(start).Seconds())
	if err != nil {
		g.log.Debugw("request failed",
			"method", req.Method,
			"transport", transport,
			"error", err,
		)
	}
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		return jsonrpc.Failure(req, err)
	}
	return jsonrpc.Result(req, result)
}

func (g *Gateway) encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		g.log.Errorw("failed to encode response", "error", err)
		data, _ = json.Marshal(jsonrpc.Failure(nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "encode response: %v", err)))
	}
	return data
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}
