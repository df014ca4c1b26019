// Package dgg speaks the destiny.gg line protocol: each WebSocket text
// frame is "<TYPE><space><JSON>", with history backfill delivered as a
// HISTORY frame nesting an array of frame strings.
package dgg

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/chatmux/internal/backoff"
	"github.com/john/chatmux/internal/dedup"
	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
	"github.com/john/chatmux/internal/telemetry"
)

const (
	// Room is the single logical room this protocol carries.
	Room = "destinygg"

	connectTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Connector manages the line-protocol chat connection
type Connector struct {
	url         string
	header      http.Header
	sink        diag.Sink
	policy      backoff.Policy
	readTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closing bool
	seen    *dedup.SeenSet
}

// New creates a new connector. authCookie, when set, is presented as a
// Cookie header on every handshake, including reconnects.
func New(url, authCookie string, sink diag.Sink) *Connector {
	header := http.Header{}
	if authCookie != "" {
		header.Set("Cookie", authCookie)
	}
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Connector{
		url:    url,
		header: header,
		sink:   sink,
		policy: backoff.Default,
		// Two missed ping intervals without any inbound traffic means the
		// peer is gone even if the OS still thinks the socket is up.
		readTimeout: 2 * pingInterval,
	}
}

// Connect starts the connection session. It is a no-op while a session is
// already running. Reconnection inside the session is automatic up to the
// backoff policy's attempt budget; after that a terminal state event is
// emitted and nothing happens until Connect is called again.
func (c *Connector) Connect(ctx context.Context, events chan<- event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.closing = false
	c.seen = dedup.NewSeenSet(0)

	go c.run(sessionCtx, events)
}

// Disconnect tears the session down. Errors raised by closing a socket
// that is still connecting are a side effect of the teardown and are
// swallowed, not surfaced.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.closing = true
	c.cancel()
	c.cancel = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Send writes a raw frame to the socket. It reports whether the write was
// handed to an open connection.
func (c *Connector) Send(raw string) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		log.Printf("DGG send failed: %v", err)
		return false
	}
	return true
}

// SendMessage formats and sends a chat message frame.
func (c *Connector) SendMessage(text string) bool {
	data, err := json.Marshal(map[string]string{"data": text})
	if err != nil {
		return false
	}
	return c.Send("MSG " + string(data))
}

func (c *Connector) run(ctx context.Context, events chan<- event.Event) {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			if c.policy.Exhausted(attempt) {
				log.Printf("DGG reconnect budget exhausted after %d attempts", attempt-1)
				c.emit(ctx, events, stateEvent(event.StateMaxAttempts, attempt-1, "max reconnect attempts reached"))
				c.stopSession()
				return
			}
			delay := c.policy.Delay(attempt)
			log.Printf("DGG reconnect attempt %d in %v", attempt, delay)
			c.emit(ctx, events, stateEvent(event.StateReconnecting, attempt, ""))
			telemetry.CountReconnect(string(event.PlatformDGG))
			if backoff.Sleep(ctx, delay) != nil {
				return
			}
		}

		dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
		conn, resp, err := dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if c.isClosing() || ctx.Err() != nil {
				// Intentional teardown while connecting; not an error.
				return
			}
			log.Printf("DGG connection attempt failed: %v", err)
			attempt++
			continue
		}

		attempt = 0
		c.setConn(conn)
		telemetry.ConnOpened(string(event.PlatformDGG))
		log.Println("Connected to DGG chat")
		c.emit(ctx, events, stateEvent(event.StateConnected, 0, ""))

		err = c.readLoop(ctx, conn, events)
		c.setConn(nil)
		conn.Close()
		telemetry.ConnClosed(string(event.PlatformDGG))

		if c.isClosing() || ctx.Err() != nil {
			return
		}
		log.Printf("DGG connection lost: %v", err)
		c.emit(ctx, events, stateEvent(event.StateDisconnected, 0, fmt.Sprint(err)))
		attempt = 1
	}
}

// readLoop pumps frames until the socket fails. A decoder lives for one
// session so unknown-token diagnostics fire once per token per session.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- event.Event) error {
	decoder := NewDecoder(Room, c.sink)

	// Originate a ping every 30s so a half-open connection is noticed
	// before the next read would block forever.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		line := string(data)

		typ, _ := SplitFrame(line)
		if typ == framePing {
			// Answer the server's protocol-level ping in kind.
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(framePong+" {}")); err != nil {
				return err
			}
			continue
		}

		ev, ok := decoder.Decode(line)
		if !ok {
			continue
		}

		switch ev.Kind {
		case event.KindHistory:
			// Record every backfilled id so the live tail doesn't
			// redeliver them, then emit the batch as one ordered list.
			for _, item := range ev.History {
				c.seen.Observe(item.EventID)
			}
			c.emit(ctx, events, ev)
		case event.KindMessage, event.KindBroadcast:
			if c.seen.Observe(ev.EventID) {
				telemetry.CountDuplicate(string(event.PlatformDGG))
				continue
			}
			c.emit(ctx, events, ev)
		default:
			c.emit(ctx, events, ev)
		}
	}
}

func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload := fmt.Sprintf(`PING {"timestamp":%d}`, time.Now().UnixMilli())
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				// The read loop will observe the broken socket.
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) emit(ctx context.Context, events chan<- event.Event, ev event.Event) {
	telemetry.CountEvent(string(ev.Platform), string(ev.Kind))
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Connector) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Connector) stopSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func stateEvent(state event.ConnState, attempt int, detail string) event.Event {
	return event.Event{
		Platform: event.PlatformDGG,
		Kind:     event.KindState,
		RoomID:   Room,
		EventID:  fmt.Sprintf("state:%s:%d", state, time.Now().UnixNano()),
		State:    &event.StateChange{State: state, Attempt: attempt, Detail: detail},
	}
}
