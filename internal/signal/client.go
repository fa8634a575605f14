package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vcall/vcall/internal/util"
)

const (
	// Up to 10 consecutive attempts, 1s base delay, doubled each failure.
	maxReconnectAttempts = 10
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
)

// Client is the persistent, reconnecting websocket connection to the relay.
// Sends are fire-and-forget: transport-level retry belongs here, and a send
// while disconnected is dropped with a log, never surfaced to the caller.
type Client struct {
	url string
	bus *Bus

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	hookMu       sync.Mutex
	onConnect    []func()
	onDisconnect []func()
}

// NewClient creates a client for the given websocket URL. Nothing connects
// until Run is called.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		bus: NewBus(),
	}
}

// Bus returns the fan-out bus carrying every inbound event.
func (c *Client) Bus() *Bus {
	return c.bus
}

// Connected reports whether a live connection currently exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OnConnect registers fn to run after every successful (re)connection.
func (c *Client) OnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.hookMu.Unlock()
}

// OnDisconnect registers fn to run whenever the connection is lost.
func (c *Client) OnDisconnect(fn func()) {
	c.hookMu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.hookMu.Unlock()
}

// Run connects to the relay and keeps the connection alive until ctx is
// cancelled, reconnecting with capped exponential backoff. It returns an
// error only when the attempt budget is exhausted without a single success
// in between.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	delay := reconnectBaseDelay

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				return fmt.Errorf("relay unreachable after %d attempts: %w", attempts, err)
			}
			util.LogWarning("relay connection failed (attempt %d/%d): %v", attempts, maxReconnectAttempts, err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		// Connected — reset the budget and let consumers (re)announce.
		attempts = 0
		delay = reconnectBaseDelay
		c.setConn(conn)
		util.LogInfo("connected to relay: %s", c.url)
		c.fire(c.snapshotHooks(&c.onConnect))

		readErr := c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		util.LogWarning("relay connection lost: %v", readErr)
		c.fire(c.snapshotHooks(&c.onDisconnect))
	}
}

// Send emits one named event. Errors are logged and swallowed: the engine
// and listener treat the transport as fire-and-forget.
func (c *Client) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		util.LogError("failed to encode %s payload: %v", event, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		util.LogDebug("dropping %s: not connected to relay", event)
		return
	}
	if err := c.conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		util.LogWarning("failed to send %s: %v", event, err)
	}
}

// dial opens one websocket connection to the relay.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return conn, nil
}

// readLoop decodes envelopes and dispatches them through the bus until the
// connection dies or ctx is cancelled. Malformed frames are skipped.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	go func() {
		<-ctx.Done()
		conn.Close() // unblocks ReadMessage
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			util.LogWarning("malformed signaling frame, skipping: %v", err)
			continue
		}
		util.LogDebug("signal in: %s", env.Event)
		c.bus.Dispatch(env)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) snapshotHooks(list *[]func()) []func() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	out := make([]func(), len(*list))
	copy(out, *list)
	return out
}

func (c *Client) fire(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}
