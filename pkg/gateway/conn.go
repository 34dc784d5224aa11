package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/jsonrpc"
	"github.com/ava-labs/devnode/pkg/metrics"
	"github.com/ava-labs/devnode/pkg/queue"
)

type connState int32

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("connState(%d)", int32(s))
}

// outbound is one message queued for a client.
type outbound struct {
	data         []byte
	notification bool
}

// wsConn is one WebSocket client. Responses leave in the order their requests
// arrived, even though dispatches run concurrently. Notifications share that
// order, so a subscription event never overtakes the response carrying its id.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	gw        *Gateway
	log       *zap.SugaredLogger
	responses *queue.Queue[outbound]

	// writeMu serializes data frames and guards transitions out of stateOpen.
	writeMu   sync.Mutex
	state     atomic.Int32
	finishOne sync.Once
	done      chan struct{}
}

var _ connector.Notifier = (*wsConn)(nil)

func newWSConn(g *Gateway, ws *websocket.Conn) (*wsConn, error) {
	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		gw:   g,
		done: make(chan struct{}),
	}
	c.log = g.log.With("connection", c.id)

	q, err := queue.New(c.log, c.deliver, queue.WithConcurrency(g.opts.Concurrency))
	if err != nil {
		return nil, err
	}
	c.responses = q

	ws.SetReadLimit(g.opts.MaxRequestBytes)
	ws.SetCloseHandler(c.onPeerClose)
	return c, nil
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) currentState() connState {
	return connState(c.state.Load())
}

// Notify queues n behind every response still owed to the client. It is a no-op
// once the connection left stateOpen.
func (c *wsConn) Notify(n *jsonrpc.Notification) error {
	if c.currentState() != stateOpen {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	c.gw.metrics.AddPendingResponses(1)
	return c.responses.Add().Resolve(outbound{data: data, notification: true}, nil)
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.currentState() != stateOpen {
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to connection %s: %w", c.id, err)
	}
	return nil
}

// deliver writes one message once every earlier message went out.
func (c *wsConn) deliver(e *queue.Entry[outbound]) {
	c.gw.metrics.AddPendingResponses(-1)
	msg, _ := e.Result()
	if msg.data == nil {
		return
	}
	if err := c.write(msg.data); err != nil {
		if msg.notification {
			c.gw.metrics.IncError(metrics.ErrTypeNotify)
		} else {
			c.gw.metrics.IncError(metrics.ErrTypeWrite)
		}
		c.log.Warnw("failed to write message",
			"seq", e.Seq(),
			"notification", msg.notification,
			"error", err,
		)
	}
}

// readLoop dispatches inbound messages until the connection closes.
func (c *wsConn) readLoop(ctx context.Context) {
	defer c.finish()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.currentState() == stateOpen && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debugw("websocket connection lost", "error", err)
			}
			return
		}
		if c.currentState() != stateOpen {
			continue
		}
		c.gw.metrics.AddPendingResponses(1)
		c.responses.Go(ctx, func(ctx context.Context) (outbound, error) {
			return outbound{data: c.gw.process(ctx, c, metrics.TransportWebSocket, data)}, nil
		})
	}
}

// shutdown sends code to the client. Only the first transition out of stateOpen
// sends a close frame. The read loop finishes the connection when the client
// echoes the frame or the write timeout passes.
func (c *wsConn) shutdown(code CloseCode, reason string) error {
	c.writeMu.Lock()
	if c.currentState() != stateOpen {
		c.writeMu.Unlock()
		return nil
	}
	c.state.Store(int32(stateClosing))
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason),
		time.Now().Add(c.gw.opts.WriteTimeout))
	c.writeMu.Unlock()

	if err != nil {
		c.finish()
		return fmt.Errorf("send %s to connection %s: %w", code, c.id, err)
	}
	if err := c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.WriteTimeout)); err != nil {
		c.finish()
	}
	return nil
}

// onPeerClose answers a close frame from the client unless the server already
// started closing.
func (c *wsConn) onPeerClose(code int, _ string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.currentState() != stateOpen {
		return nil
	}
	c.state.Store(int32(stateClosing))
	c.log.Debugw("client closed connection", "code", CloseCode(code).String())
	reply := code
	if !CloseCode(code).Sendable() {
		reply = int(CloseNormal)
	}
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(reply, ""),
		time.Now().Add(c.gw.opts.WriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// finish moves the connection to stateClosed and releases it. Safe to call more
// than once.
func (c *wsConn) finish() {
	c.finishOne.Do(func() {
		c.writeMu.Lock()
		c.state.Store(int32(stateClosed))
		c.writeMu.Unlock()

		if err := c.ws.Close(); err != nil {
			c.log.Debugw("failed to close websocket", "error", err)
		}
		close(c.done)
		c.gw.forget(c)
		c.gw.metrics.DecConnections(metrics.TransportWebSocket)
		c.log.Debugw("websocket connection closed")
	})
}
