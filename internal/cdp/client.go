// Package cdp is a minimal, hand-rolled Chrome DevTools Protocol client:
// a WebSocket transport with monotonic id correlation for calls and a
// typed dispatch path for unsolicited events. It deliberately does not
// wrap chromedp's high-level API — the watcher needs explicit control
// over id correlation, per-call timeouts, and session-scoped sends
// that chromedp's own event loop does not expose.
//
// CRITICAL invariant: a CDP call (Send/SendToSession) blocks waiting
// for a response that arrives on the very goroutine driving the read
// loop. An event handler that issues a synchronous CDP call inline
// will deadlock the connection. Handlers that need to call back into
// CDP must do so from a spawned goroutine.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Event is an inbound CDP frame with no id — a method event, optionally
// scoped to a session (flat target attachment).
type Event struct {
	Method    string
	Params    json.RawMessage
	SessionID string
}

// envelope is the wire shape of every CDP frame in either direction.
type envelope struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CDPError wraps a protocol-level error returned by the browser.
type CDPError struct {
	Code    int
	Message string
}

func (e *CDPError) Error() string {
	return fmt.Sprintf("cdp_error: %s (code %d)", e.Message, e.Code)
}

// ErrDisconnected is returned by Send/SendToSession when the socket
// closes while a call is outstanding.
var ErrDisconnected = fmt.Errorf("cdp: disconnected")

// ErrTimeout is returned when a call does not receive a response
// within its timeout.
var ErrTimeout = fmt.Errorf("cdp: timeout")

const eventBuffer = 256

// Client owns a single WebSocket connection to a browser or a specific
// page target and multiplexes calls and events over it.
type Client struct {
	conn *websocket.Conn

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan envelope
	closed  bool
	closeCh chan struct{}

	subMu sync.RWMutex
	subs  map[string][]chan Event
}

// Dial opens a WebSocket connection to wsURL (typically a target's
// webSocketDebuggerUrl) and starts its read loop.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %q: %w", wsURL, err)
	}
	conn.SetReadLimit(64 << 20) // CDP frames (screenshots, DOM trees) can be large

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan envelope),
		subs:    make(map[string][]chan Event),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close terminates the connection and fails every outstanding call.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	c.subMu.Lock()
	for _, chans := range c.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	c.subs = nil
	c.subMu.Unlock()

	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Done returns a channel closed once the connection has been torn
// down, either via Close or a read-loop failure.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// Subscribe registers a new listener for inbound events with the given
// CDP method name (e.g. "Network.requestWillBeSent"). The returned
// channel is buffered; a slow consumer drops events rather than
// stalling the read loop.
func (c *Client) Subscribe(method string) <-chan Event {
	ch := make(chan Event, eventBuffer)
	c.subMu.Lock()
	c.subs[method] = append(c.subs[method], ch)
	c.subMu.Unlock()
	return ch
}

// Send issues a session-less CDP command (browser-level, e.g.
// Target.setDiscoverTargets) and waits up to timeout for its result.
func (c *Client) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.send(ctx, "", method, params, timeout)
}

// SendToSession issues a CDP command scoped to an attached target
// session (the common case once a page is attached).
func (c *Client) SendToSession(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.send(ctx, sessionID, method, params, timeout)
}

func (c *Client) send(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal params for %s: %w", method, err)
		}
		rawParams = encoded
	}

	respCh := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	frame := envelope{ID: id, Method: method, Params: rawParams, SessionID: sessionID}
	data, err := json.Marshal(frame)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("cdp: marshal frame for %s: %w", method, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("cdp: write %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrDisconnected
		}
		if resp.Error != nil {
			return nil, &CDPError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, ErrDisconnected
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		delete(c.pending, id)
	}
}

// readLoop drains the socket single-threaded, in receipt order, for
// the life of the connection. It never performs a CDP call itself —
// doing so would deadlock against its own read. Suspended handlers
// (buffered channel subscribers) never block this loop; only an
// unbuffered, full channel would, and event channels are always
// buffered.
func (c *Client) readLoop() {
	defer c.Close()

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed frame; drop and keep reading
		}

		if env.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		c.dispatch(Event{Method: env.Method, Params: env.Params, SessionID: env.SessionID})
	}
}

func (c *Client) dispatch(ev Event) {
	c.subMu.RLock()
	subs := c.subs[ev.Method]
	c.subMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than block the read loop.
		}
	}
}
