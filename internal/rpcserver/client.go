// Package rpcserver implements the JSON-RPC 2.0 Frontend (C6): one
// WebSocket connection per Session, dispatching execute/control/hot_reload
// and streaming process.* notifications, per spec.md §4.6.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/execd/internal/common/appctx"
	"github.com/kandev/execd/internal/common/config"
	"github.com/kandev/execd/internal/common/logger"
	"github.com/kandev/execd/internal/estimator"
	"github.com/kandev/execd/internal/events"
	"github.com/kandev/execd/internal/events/bus"
	"github.com/kandev/execd/internal/execution"
	"github.com/kandev/execd/internal/faultctl"
	"github.com/kandev/execd/internal/hooks"
	"github.com/kandev/execd/internal/process"
	"github.com/kandev/execd/internal/session"
	"github.com/kandev/execd/pkg/jsonrpc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Deps bundles the components a Client dispatches into; constructed once
// at startup and shared by every connection.
type Deps struct {
	Sessions  *session.Manager
	Hooks     *hooks.ReloadablePipeline
	Estimator *estimator.Estimator
	Fault     *faultctl.Controller
	Limits    config.LimitsConfig
	Log       *logger.Logger

	// Bus fans process.* notifications out to other replicas (see
	// internal/events.Provide). Nil disables fan-out entirely; a single
	// replica deployment has no need for it.
	Bus bus.EventBus
}

// inflight tracks one in-progress Execution so "control" can reach it by
// request_id, and so Client cleanup can tear down anything still running
// when the connection drops.
type inflight struct {
	exec   *execution.Execution
	handle *process.Handle
	mx     *process.Multiplexer
	cancel context.CancelFunc
}

// Client is one WebSocket connection's server-side state: exactly one
// Session, a bounded outgoing queue, and a table of in-flight Executions
// keyed by request_id.
type Client struct {
	conn *websocket.Conn
	deps *Deps
	log  *logger.Logger

	sess *session.Session

	send      chan []byte
	sendBytes atomic.Int64 // queued-but-unwritten bytes, for SEND_HIGH_WATER

	seq       atomic.Uint64
	reqID     atomic.Uint64

	mu    sync.Mutex
	execs map[uint64]*inflight

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps conn and accepts a new Session from deps.Sessions; it
// returns ErrOverCapacity if MAX_SESSIONS is already reached, in which case
// the caller must close conn without starting any pumps.
func NewClient(conn *websocket.Conn, deps *Deps) (*Client, error) {
	c := &Client{
		conn:   conn,
		deps:   deps,
		log:    deps.Log,
		send:   make(chan []byte, 256),
		execs:  make(map[uint64]*inflight),
		closed: make(chan struct{}),
	}
	sess, err := deps.Sessions.Accept(c)
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return c, nil
}

// Send implements session.Notifier: marshal and enqueue, returning an error
// instead of blocking when the outgoing buffer is saturated. It does not
// close the connection itself.
func (c *Client) Send(notification any) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("rpcserver: marshal notification: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("rpcserver: send buffer full, session %s is a slow reader", c.sess.ID)
	}
}

// Close implements session.Notifier.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Client) nextSeq() uint64 { return c.seq.Add(1) }

// drainExecution is wired into session.Manager.Disconnect so a dropped
// connection tears down any still-running Execution through the Fault
// Controller instead of leaking the child process (spec.md §4.5).
func (c *Client) drainExecution(e *execution.Execution) {
	c.mu.Lock()
	var target *inflight
	for _, inf := range c.execs {
		if inf.exec == e {
			target = inf
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return
	}
	// This runs after ReadPump has already torn down the connection, so it
	// must not inherit the request context's cancellation; detach it, bound
	// only by the grace period.
	ctx, cancel := appctx.Detached(context.Background(), c.closed, c.deps.Limits.GraceDuration()+5*time.Second)
	defer cancel()
	c.deps.Fault.Disconnect(ctx, target.exec, target.handle, target.mx)
}

// ReadPump pumps inbound frames from the connection and dispatches each as
// a JSON-RPC Request, per the teacher's one-goroutine-per-message pattern
// so a long-running execute never blocks a concurrent control/hot_reload.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.deps.Sessions.Disconnect(c.sess.ID, c.drainExecution)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err), zap.String("session_id", c.sess.ID))
			}
			return
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.replyError(nil, jsonrpc.CodeParseError, "invalid JSON-RPC request", nil)
			continue
		}
		go c.dispatch(ctx, &req)
	}
}

// WritePump pumps queued outbound frames to the connection and sends
// periodic pings, exactly the teacher's ping/pong cadence.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.sendBytes.Add(-int64(len(data)))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) dispatch(ctx context.Context, req *jsonrpc.Request) {
	switch req.Method {
	case "execute":
		c.handleExecute(ctx, req)
	case "control":
		c.handleControl(ctx, req)
	case "hot_reload":
		c.handleHotReload(ctx, req)
	default:
		c.replyError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (c *Client) reply(id json.RawMessage, result interface{}) {
	resp := jsonrpc.NewResponse(id, result, c.nextSeq())
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error("marshal response failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
		c.sendBytes.Add(int64(len(data)))
	default:
		c.log.Warn("send buffer full replying to request", zap.String("session_id", c.sess.ID))
	}
}

func (c *Client) replyError(id json.RawMessage, code int, message string, data interface{}) {
	resp := jsonrpc.NewErrorResponse(id, jsonrpc.NewError(code, message, data), c.nextSeq())
	out, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.send <- out:
		c.sendBytes.Add(int64(len(out)))
	default:
	}
}

func (c *Client) notify(method string, requestID uint64, params interface{}) {
	n := jsonrpc.NewNotification(method, requestID, params, c.nextSeq())
	data, err := json.Marshal(n)
	if err != nil {
		c.log.Error("marshal notification failed", zap.Error(err))
		return
	}
	if method == "process.completed" {
		// The terminal notification must never be silently dropped: §8
		// requires every Execution to end with exactly one process.completed,
		// so unlike process.output/process.status this send blocks (bounded
		// by the connection closing) instead of giving up on a full buffer.
		select {
		case c.send <- data:
			c.sendBytes.Add(int64(len(data)))
		case <-c.closed:
		}
		c.publishFanout(method, requestID, params)
		return
	}
	select {
	case c.send <- data:
		c.sendBytes.Add(int64(len(data)))
	default:
		c.log.Warn("send buffer full dropping notification",
			zap.String("session_id", c.sess.ID), zap.String("method", method))
	}
	c.publishFanout(method, requestID, params)
}

// overSendHighWater reports whether the queued-but-unwritten outbound byte
// count has crossed SEND_HIGH_WATER, per spec.md §4.1: "reads on both
// streams are paused (not just one) to keep relative order meaningful".
func (c *Client) overSendHighWater() bool {
	if c.deps.Limits.SendHighWater <= 0 {
		return false
	}
	return c.sendBytes.Load() >= int64(c.deps.Limits.SendHighWater)
}

// publishFanout mirrors a process.* notification onto the event bus so
// other replicas (or an external monitor) can observe this session's
// execution without holding its WebSocket connection. Best-effort: a bus
// publish failure never affects the client's own notification delivery.
func (c *Client) publishFanout(method string, requestID uint64, params interface{}) {
	if c.deps.Bus == nil {
		return
	}
	var data map[string]interface{}
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["session_id"] = c.sess.ID
	data["request_id"] = requestID

	evt := bus.NewEvent(method, "execd", data)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.deps.Bus.Publish(ctx, events.BuildProcessSubject(c.sess.ID), evt); err != nil {
		c.log.Debug("event bus publish failed", zap.Error(err), zap.String("method", method))
	}
}
