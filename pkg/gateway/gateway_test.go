package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/jsonrpc"
	"github.com/ava-labs/devnode/pkg/metrics"
	"github.com/ava-labs/devnode/pkg/slidingwindow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// stubConnector answers a handful of test methods.
type stubConnector struct {
	mu        sync.Mutex
	closed    int
	notifiers []connector.Notifier
	release   chan struct{}
}

func newStubConnector() *stubConnector {
	return &stubConnector{release: make(chan struct{})}
}

func (s *stubConnector) Handle(_ context.Context, n connector.Notifier, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case "echo":
		return req.Params, nil
	case "sleep":
		var ms int
		if err := req.DecodeParams(&ms); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms, nil
	case "block":
		<-s.release
		return "released", nil
	case "throttled":
		return nil, &slidingwindow.RateLimitError{Limit: 1, Estimate: 1, RetryAfter: time.Second}
	case "subscribe":
		if n == nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "notifications not supported")
		}
		s.mu.Lock()
		s.notifiers = append(s.notifiers, n)
		s.mu.Unlock()
		return "0x1", nil
	case "subscribeAndEmit":
		// An event fires before the subscription id has been returned.
		if err := n.Notify(&jsonrpc.Notification{
			JSONRPC: jsonrpc.Version,
			Method:  "eth_subscription",
			Params:  jsonrpc.SubscriptionResult{Subscription: "0x2", Result: "head"},
		}); err != nil {
			return nil, err
		}
		return "0x2", nil
	}
	return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %s not found", req.Method)
}

func (s *stubConnector) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubConnector) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubConnector) subscribers() []connector.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]connector.Notifier(nil), s.notifiers...)
}

func startGateway(t *testing.T, conn connector.Connector, opts Options) *Gateway {
	t.Helper()
	g, err := New(zap.NewNop().Sugar(), conn, opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := g.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, g.Close(ctx))
		require.NoError(t, <-errCh)
	})
	return g
}

func httpURL(g *Gateway, path string) string {
	return "http://" + g.Addr().String() + path
}

func wsURL(g *Gateway, path string) string {
	return "ws://" + g.Addr().String() + path
}

var client = &http.Client{
	Transport: &http.Transport{DisableKeepAlives: true},
	Timeout:   10 * time.Second,
}

func post(t *testing.T, url, body string) (int, http.Header, string) {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, string(data)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestNew_Validation(t *testing.T) {
	conn := newStubConnector()

	_, err := New(nil, conn, Options{})
	require.ErrorContains(t, err, "invalid logger")

	_, err = New(zap.NewNop().Sugar(), nil, Options{})
	require.ErrorContains(t, err, "invalid connector")

	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{name: "relative endpoint", opts: Options{RPCEndpoint: "rpc"}, wantErr: "must start with /"},
		{name: "negative body limit", opts: Options{MaxRequestBytes: -1}, wantErr: "max request bytes"},
		{name: "negative concurrency", opts: Options{Concurrency: -2}, wantErr: "concurrency -2"},
		{name: "reserved close code", opts: Options{CloseCode: CloseNoStatus}, wantErr: "no status received"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(zap.NewNop().Sugar(), conn, tt.opts)
			require.ErrorIs(t, err, connector.ErrConfiguration)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestCloseCode_String(t *testing.T) {
	tests := []struct {
		code     CloseCode
		want     string
		sendable bool
	}{
		{CloseNormal, "normal closure", true},
		{CloseGoingAway, "going away", true},
		{CloseReserved, "reserved", false},
		{CloseNoStatus, "no status received", false},
		{CloseAbnormal, "abnormal closure", false},
		{CloseMessageTooBig, "message too big", true},
		{CloseTryAgainLater, "try again later", true},
		{CloseTLSHandshake, "TLS handshake", false},
		{CloseCode(4000), "close code 4000", true},
		{CloseCode(999), "close code 999", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.code.String())
		require.Equal(t, tt.sendable, tt.code.Sendable(), tt.code.String())
	}
	require.Equal(t, CloseCode(1000), CloseNormal)
	require.Equal(t, CloseCode(1015), CloseTLSHandshake)
}

func TestHTTP_Requests(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{RPCEndpoint: "/rpc"})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		want       string
	}{
		{
			name:       "single request",
			body:       `{"jsonrpc":"2.0","id":1,"method":"echo","params":["a"]}`,
			wantStatus: http.StatusOK,
			want:       `{"jsonrpc":"2.0","id":1,"result":["a"]}`,
		},
		{
			name:       "unknown method",
			body:       `{"jsonrpc":"2.0","id":"x","method":"nope"}`,
			wantStatus: http.StatusOK,
			want:       `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"method nope not found"}}`,
		},
		{
			name:       "malformed json",
			body:       `{"jsonrpc":`,
			wantStatus: http.StatusOK,
			want:       `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`,
		},
		{
			name:       "empty batch",
			body:       `[]`,
			wantStatus: http.StatusOK,
			want:       `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"empty batch"}}`,
		},
		{
			name:       "wrong version",
			body:       `{"jsonrpc":"1.0","id":2,"method":"echo"}`,
			wantStatus: http.StatusOK,
			want:       `{"jsonrpc":"2.0","id":2,"error":{"code":-32600,"message":"invalid jsonrpc version \"1.0\""}}`,
		},
		{
			name:       "batch keeps request order",
			body:       `[{"jsonrpc":"2.0","id":1,"method":"sleep","params":[60]},{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","id":3,"method":"sleep","params":[1]}]`,
			wantStatus: http.StatusOK,
			want:       `[{"jsonrpc":"2.0","id":1,"result":60},{"jsonrpc":"2.0","id":3,"result":1}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, header, body := post(t, httpURL(g, "/rpc"), tt.body)
			require.Equal(t, tt.wantStatus, status)
			require.Equal(t, "application/json", header.Get("Content-Type"))
			require.Equal(t, "*", header.Get("Access-Control-Allow-Origin"))
			require.JSONEq(t, tt.want, body)
		})
	}
}

func TestHTTP_BatchWithMalformedItem(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})

	status, _, body := post(t, httpURL(g, "/"), `[1,{"jsonrpc":"2.0","id":2,"method":"echo","params":["b"]}]`)
	require.Equal(t, http.StatusOK, status)

	var resps []jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(body), &resps))
	require.Len(t, resps, 2)
	require.JSONEq(t, "null", string(resps[0].ID))
	require.NotNil(t, resps[0].Error)
	require.Equal(t, jsonrpc.CodeInvalidRequest, resps[0].Error.Code)
	require.JSONEq(t, "2", string(resps[1].ID))
	require.Nil(t, resps[1].Error)
	require.Equal(t, []any{"b"}, resps[1].Result)
}

func TestHTTP_LimitExceededCode(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})

	_, _, body := post(t, httpURL(g, "/"), `{"jsonrpc":"2.0","id":1,"method":"throttled"}`)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeLimitExceeded, resp.Error.Code)
}

func TestHTTP_NotificationsOnly(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})

	status, _, body := post(t, httpURL(g, "/"), `[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","method":"echo"}]`)
	require.Equal(t, http.StatusNoContent, status)
	require.Empty(t, body)
}

func TestHTTP_SubscribeNeedsWebSocket(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})

	_, _, body := post(t, httpURL(g, "/"), `{"jsonrpc":"2.0","id":1,"method":"subscribe"}`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"notifications not supported"}}`, body)
}

func TestHTTP_BodyLimit(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{MaxRequestBytes: 64})

	big := `{"jsonrpc":"2.0","id":1,"method":"echo","params":["` + strings.Repeat("a", 128) + `"]}`
	status, _, body := post(t, httpURL(g, "/"), big)
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"request exceeds 64 bytes"}}`, body)
}

func TestHTTP_Preflight(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})

	req, err := http.NewRequest(http.MethodOptions, httpURL(g, "/"), nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestHTTP_WrongPath(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{RPCEndpoint: "/rpc"})

	status, _, _ := post(t, httpURL(g, "/other"), `{"jsonrpc":"2.0","id":1,"method":"echo"}`)
	require.Equal(t, http.StatusNotFound, status)
}

func TestHTTP_RejectedWhileClosing(t *testing.T) {
	conn := newStubConnector()
	g, err := New(zap.NewNop().Sugar(), conn, Options{})
	require.NoError(t, err)
	require.NoError(t, g.Close(context.Background()))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"echo"}`))
	g.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestWebSocket_ResponsesInRequestOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	g := startGateway(t, newStubConnector(), Options{Metrics: m})
	ws := dial(t, wsURL(g, "/"))

	// The first request takes longest, yet its response comes first.
	for i, ms := range []int{80, 40, 1} {
		req := map[string]any{"jsonrpc": "2.0", "id": i + 1, "method": "sleep", "params": []int{ms}}
		require.NoError(t, ws.WriteJSON(req))
	}
	for want := 1; want <= 3; want++ {
		msg := readJSON(t, ws)
		require.EqualValues(t, want, msg["id"])
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readJSON(t, ws)
	require.Nil(t, msg["id"])
	require.EqualValues(t, jsonrpc.CodeParseError, msg["error"].(map[string]any)["code"])

	count, err := testutil.GatherAndCount(reg, "devnode_gateway_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWebSocket_Batch(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})
	ws := dial(t, wsURL(g, "/"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(
		`[{"jsonrpc":"2.0","id":1,"method":"sleep","params":[30]},{"jsonrpc":"2.0","id":2,"method":"echo","params":[true]}]`)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `[{"jsonrpc":"2.0","id":1,"result":30},{"jsonrpc":"2.0","id":2,"result":[true]}]`, string(data))
}

func TestWebSocket_Notifications(t *testing.T) {
	conn := newStubConnector()
	g := startGateway(t, conn, Options{})
	ws := dial(t, wsURL(g, "/"))

	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "subscribe"}))
	require.Equal(t, "0x1", readJSON(t, ws)["result"])

	subs := conn.subscribers()
	require.Len(t, subs, 1)
	n := subs[0]
	require.NotEmpty(t, n.ID())

	require.NoError(t, n.Notify(&jsonrpc.Notification{
		JSONRPC: jsonrpc.Version,
		Method:  "eth_subscription",
		Params:  jsonrpc.SubscriptionResult{Subscription: "0x1", Result: "head"},
	}))
	msg := readJSON(t, ws)
	require.Equal(t, "eth_subscription", msg["method"])
	require.Equal(t, map[string]any{"subscription": "0x1", "result": "head"}, msg["params"])

	// The client leaving closes Done and later notifications are dropped.
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	select {
	case <-n.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not closed")
	}
	require.NoError(t, n.Notify(&jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "eth_subscription"}))
}

func TestWebSocket_NotificationFollowsSubscribeResponse(t *testing.T) {
	g := startGateway(t, newStubConnector(), Options{})
	ws := dial(t, wsURL(g, "/"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":9,"method":"subscribeAndEmit"}`)))

	first := readJSON(t, ws)
	require.Equal(t, float64(9), first["id"])
	require.Equal(t, "0x2", first["result"])

	second := readJSON(t, ws)
	require.Equal(t, "eth_subscription", second["method"])
	require.Equal(t, map[string]any{"subscription": "0x2", "result": "head"}, second["params"])
}

func TestServeConn_LateUpgradeGetsConfiguredCode(t *testing.T) {
	g, err := New(zap.NewNop().Sugar(), newStubConnector(), Options{CloseCode: CloseServiceRestart})
	require.NoError(t, err)

	// The upgrade completes, then Close starts before the connection is tracked.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := newWSConn(g, ws)
		if err != nil {
			_ = ws.Close()
			return
		}
		g.mu.Lock()
		g.closing = true
		g.mu.Unlock()
		g.serveConn(context.Background(), c, r.RemoteAddr)
	}))
	defer srv.Close()

	ws := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, int(CloseServiceRestart), closeErr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Close(ctx))
}

// Two open WebSocket clients both receive 1000 exactly once, the listener is
// released and further writes are no-ops.
func TestClose_TwoConnections(t *testing.T) {
	conn := newStubConnector()
	g, err := New(zap.NewNop().Sugar(), conn, Options{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := g.Serve(ln)
	addr := g.Addr().String()

	clients := []*websocket.Conn{dial(t, wsURL(g, "/")), dial(t, wsURL(g, "/"))}
	for _, ws := range clients {
		require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "subscribe"}))
		require.Equal(t, "0x1", readJSON(t, ws)["result"])
	}

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closed <- g.Close(ctx)
	}()

	for _, ws := range clients {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err := ws.ReadMessage()
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "got %v", err)
		require.Equal(t, int(CloseNormal), ce.Code)
	}
	require.NoError(t, <-closed)
	require.NoError(t, <-errCh)

	require.NoError(t, g.Close(context.Background()), "second close is a no-op")
	require.Equal(t, 1, conn.closeCount())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err, "listener released")

	for _, n := range conn.subscribers() {
		c := n.(*wsConn)
		require.Equal(t, stateClosed, c.currentState())
		require.NoError(t, c.Notify(&jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "eth_subscription"}))
		require.NoError(t, c.shutdown(CloseNormal, "again"))
	}
}

func TestClose_InFlightDispatchCompletes(t *testing.T) {
	conn := newStubConnector()
	g, err := New(zap.NewNop().Sugar(), conn, Options{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := g.Serve(ln)

	ws := dial(t, wsURL(g, "/"))
	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "block"}))
	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 2, "method": "subscribe"}))
	require.Eventually(t, func() bool { return len(conn.subscribers()) == 1 }, 5*time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- g.Close(context.Background()) }()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Equal(t, int(CloseNormal), ce.Code)
	require.NoError(t, <-closed)
	require.NoError(t, <-errCh)

	// The blocked dispatch finishes after the close; its result goes nowhere.
	close(conn.release)
	c := conn.subscribers()[0].(*wsConn)
	require.Eventually(t, func() bool { return c.responses.Len() == 0 }, 5*time.Second, time.Millisecond)
	require.Equal(t, stateClosed, c.currentState())
}

func TestServe_RejectsUpgradeAfterClose(t *testing.T) {
	g, err := New(zap.NewNop().Sugar(), newStubConnector(), Options{})
	require.NoError(t, err)
	require.NoError(t, g.Close(context.Background()))

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
