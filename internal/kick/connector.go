// Package kick follows Kick chat through its Pusher WebSocket deployment.
// Room handles resolve to numeric ids over the channel API (with an HTML
// scrape as the last resort), live traffic arrives as double-encoded
// Pusher app events, and backlog overlaps the live tail and is deduped.
package kick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/chatmux/internal/backoff"
	"github.com/john/chatmux/internal/dedup"
	"github.com/john/chatmux/internal/diag"
	"github.com/john/chatmux/internal/event"
	"github.com/john/chatmux/internal/telemetry"
)

// DefaultWSURL is the Pusher endpoint Kick's web client connects to.
const DefaultWSURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// ErrSendUnsupported is returned by SendMessage; writing to Kick chat
// needs an authenticated session we don't hold.
var ErrSendUnsupported = errors.New("kick: sending requires an authenticated session")

// Connector manages the Kick Pusher connection and per-room
// subscriptions.
type Connector struct {
	wsURL    string
	resolver *Resolver
	sink     diag.Sink
	policy   backoff.Policy
	wake     chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	established bool
	events      chan<- event.Event
	runCtx      context.Context
	desired     map[string]struct{}       // requested slugs
	resolved    map[string]Identity       // slug -> activated identity
	aliasToRoom map[string]string         // pusher channel name -> roomID
	historyDone map[string]bool           // roomID -> backlog fetched this session
	seen        map[string]*dedup.SeenSet // roomID -> dedup state
	unknown     map[string]struct{}
}

// New creates a new Kick connector. wsURL may be empty for production;
// resolver must not be nil.
func New(wsURL string, resolver *Resolver, sink diag.Sink) *Connector {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	if sink == nil {
		sink = diag.Discard{}
	}
	return &Connector{
		wsURL:       wsURL,
		resolver:    resolver,
		sink:        sink,
		policy:      backoff.Default,
		wake:        make(chan struct{}, 1),
		desired:     make(map[string]struct{}),
		resolved:    make(map[string]Identity),
		aliasToRoom: make(map[string]string),
		historyDone: make(map[string]bool),
		seen:        make(map[string]*dedup.SeenSet),
	}
}

// SetTargets reconciles subscriptions against the desired slug set.
// Identity resolution failures fail only their own room; the returned
// error aggregates them so the caller can retry those slugs. Subscribe
// intents raised while the socket is down are queued, not dropped.
func (c *Connector) SetTargets(ctx context.Context, slugs []string) error {
	desired := make(map[string]struct{}, len(slugs))
	for _, s := range slugs {
		desired[s] = struct{}{}
	}

	var errs []error

	// Resolve additions first; nothing is torn down if resolution fails.
	var added []Identity
	for slug := range desired {
		c.mu.Lock()
		_, already := c.resolved[slug]
		c.mu.Unlock()
		if already {
			continue
		}
		id, err := c.resolver.Resolve(ctx, slug)
		if err != nil {
			errs = append(errs, err)
			log.Printf("Warning: failed to resolve Kick channel %q: %v (skipping)", slug, err)
			continue
		}
		log.Printf("Resolved Kick channel: %s -> chatroom %d", slug, id.ChatroomID)
		added = append(added, id)
	}

	c.mu.Lock()
	c.desired = desired

	var subs, unsubs []string
	for _, id := range added {
		c.resolved[id.Slug] = id
		room := strconv.Itoa(id.ChatroomID)
		c.seen[room] = dedup.NewSeenSet(0)
		for _, alias := range channelAliases(id) {
			c.aliasToRoom[alias] = room
			subs = append(subs, alias)
		}
	}
	for slug, id := range c.resolved {
		if _, keep := desired[slug]; keep {
			continue
		}
		room := strconv.Itoa(id.ChatroomID)
		for _, alias := range channelAliases(id) {
			delete(c.aliasToRoom, alias)
			unsubs = append(unsubs, alias)
		}
		delete(c.resolved, slug)
		delete(c.seen, room)
		delete(c.historyDone, room)
	}

	conn, established := c.conn, c.established
	shutdown := len(desired) == 0
	c.mu.Unlock()

	if established && conn != nil {
		for _, alias := range subs {
			c.writeControl(conn, subscribeFrame, alias)
		}
		for _, alias := range unsubs {
			c.writeControl(conn, unsubscribeFrame, alias)
		}
	}
	if shutdown && conn != nil {
		conn.Close()
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return errors.Join(errs...)
}

// SendMessage is a documented capability fault; see ErrSendUnsupported.
func (c *Connector) SendMessage(roomID, text string) error {
	return ErrSendUnsupported
}

// RefetchHistory re-runs the backlog fetch for the given slugs (all
// resolved rooms when empty), re-emitting anything not yet delivered.
func (c *Connector) RefetchHistory(ctx context.Context, slugs []string) {
	c.mu.Lock()
	var ids []Identity
	if len(slugs) == 0 {
		for _, id := range c.resolved {
			ids = append(ids, id)
		}
	} else {
		for _, slug := range slugs {
			if id, ok := c.resolved[slug]; ok {
				ids = append(ids, id)
			}
		}
	}
	events := c.events
	c.mu.Unlock()

	if events == nil {
		return
	}
	for _, id := range ids {
		go c.fetchAndEmitHistory(ctx, id)
	}
}

// Start runs the connection loop until ctx is cancelled.
func (c *Connector) Start(ctx context.Context, events chan<- event.Event) error {
	c.mu.Lock()
	c.events = events
	c.runCtx = ctx
	c.mu.Unlock()

	attempt := 0
	for {
		if err := c.waitForTargets(ctx); err != nil {
			return err
		}

		if attempt > 0 {
			if c.policy.Exhausted(attempt) {
				log.Printf("Kick reconnect budget exhausted after %d attempts", attempt-1)
				c.emit(ctx, stateEvent(event.StateMaxAttempts, attempt-1))
				attempt = 0
				if err := c.waitForWake(ctx); err != nil {
					return err
				}
				continue
			}
			delay := c.policy.Delay(attempt)
			log.Printf("Kick reconnect attempt %d in %v", attempt, delay)
			c.emit(ctx, stateEvent(event.StateReconnecting, attempt))
			telemetry.CountReconnect(string(event.PlatformKick))
			if backoff.Sleep(ctx, delay) != nil {
				return ctx.Err()
			}
		}

		dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
		conn, resp, err := dialer.DialContext(ctx, c.wsURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Kick connection attempt failed: %v", err)
			attempt++
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		log.Println("Connected to Kick WebSocket")
		telemetry.ConnOpened(string(event.PlatformKick))

		err = c.readLoop(ctx, conn)
		c.teardown(conn)
		telemetry.ConnClosed(string(event.PlatformKick))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.hasTargets() {
			continue
		}
		log.Printf("Kick connection lost: %v", err)
		c.emit(ctx, stateEvent(event.StateDisconnected, 0))
		attempt = 1
	}
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			telemetry.CountDecodeFault(string(event.PlatformKick))
			c.sink.Report(diag.NewRecord(string(event.PlatformKick), "decode_error", err.Error(), string(data)))
			continue
		}

		switch frame.Event {
		case eventConnectionEstablished:
			// Flush every subscription queued while disconnected.
			c.mu.Lock()
			c.established = true
			aliases := make([]string, 0, len(c.aliasToRoom))
			for alias := range c.aliasToRoom {
				aliases = append(aliases, alias)
			}
			c.mu.Unlock()
			for _, alias := range aliases {
				if err := c.writeControl(conn, subscribeFrame, alias); err != nil {
					return err
				}
			}
			c.emit(ctx, stateEvent(event.StateConnected, 0))

		case eventPing:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, pongFrame); err != nil {
				return err
			}

		case eventSubscriptionSucceeded:
			c.onSubscribed(ctx, frame.Channel)

		case eventChatMessage:
			ev, err := decodeChatMessage(frame)
			if err != nil {
				telemetry.CountDecodeFault(string(event.PlatformKick))
				c.sink.Report(diag.NewRecord(string(event.PlatformKick), "decode_error", err.Error(), string(data)))
				continue
			}
			if c.isDuplicate(ev.RoomID, ev.EventID) {
				telemetry.CountDuplicate(string(event.PlatformKick))
				continue
			}
			c.emit(ctx, ev)

		case eventPong:
			// Liveness ack; nothing to do.

		default:
			c.reportUnknown(frame.Event, string(data))
		}
	}
}

// onSubscribed triggers the backlog fetch the first time any alias of a
// room confirms. Aliases beyond the first are redundant confirmations.
func (c *Connector) onSubscribed(ctx context.Context, channel string) {
	c.mu.Lock()
	room, ok := c.aliasToRoom[channel]
	if !ok || c.historyDone[room] {
		c.mu.Unlock()
		return
	}
	c.historyDone[room] = true
	var id Identity
	for _, candidate := range c.resolved {
		if strconv.Itoa(candidate.ChatroomID) == room {
			id = candidate
			break
		}
	}
	c.mu.Unlock()

	if id.ChatroomID != 0 {
		go c.fetchAndEmitHistory(ctx, id)
	}
}

// fetchAndEmitHistory pulls the backlog, drops anything the live tail
// already delivered, and emits the remainder as one ordered batch.
func (c *Connector) fetchAndEmitHistory(ctx context.Context, id Identity) {
	room := strconv.Itoa(id.ChatroomID)

	items, err := c.resolver.FetchHistory(ctx, id)
	if err != nil {
		log.Printf("Kick history fetch for %s failed: %v", id.Slug, err)
		return
	}

	c.mu.Lock()
	set := c.seen[room]
	c.mu.Unlock()
	if set == nil {
		// Room was removed while the fetch was in flight.
		return
	}

	fresh := items[:0]
	for _, item := range items {
		if set.Observe(item.EventID) {
			telemetry.CountDuplicate(string(event.PlatformKick))
			continue
		}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return
	}

	c.emit(ctx, event.Event{
		Platform: event.PlatformKick,
		Kind:     event.KindHistory,
		RoomID:   room,
		EventID:  fmt.Sprintf("history:%s:%d", room, time.Now().UnixNano()),
		History:  fresh,
	})
}

func (c *Connector) writeControl(conn *websocket.Conn, build func(string) ([]byte, error), channel string) error {
	frame, err := build(channel)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Connector) isDuplicate(room, id string) bool {
	c.mu.Lock()
	set := c.seen[room]
	c.mu.Unlock()
	if set == nil {
		return true
	}
	return set.Observe(id)
}

func (c *Connector) reportUnknown(name, raw string) {
	c.mu.Lock()
	if c.unknown == nil {
		c.unknown = make(map[string]struct{})
	}
	if _, seen := c.unknown[name]; seen {
		c.mu.Unlock()
		return
	}
	c.unknown[name] = struct{}{}
	c.mu.Unlock()
	c.sink.Report(diag.NewRecord(string(event.PlatformKick), "unknown_event", name, raw))
}

func (c *Connector) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = nil
	c.established = false
	c.historyDone = make(map[string]bool)
	c.unknown = nil
	c.mu.Unlock()
	conn.Close()
}

func (c *Connector) hasTargets() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.desired) > 0
}

func (c *Connector) waitForTargets(ctx context.Context) error {
	for {
		if c.hasTargets() {
			return nil
		}
		if err := c.waitForWake(ctx); err != nil {
			return err
		}
	}
}

func (c *Connector) waitForWake(ctx context.Context) error {
	select {
	case <-c.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connector) emit(ctx context.Context, ev event.Event) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return
	}
	telemetry.CountEvent(string(ev.Platform), string(ev.Kind))
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func stateEvent(state event.ConnState, attempt int) event.Event {
	return event.Event{
		Platform: event.PlatformKick,
		Kind:     event.KindState,
		EventID:  fmt.Sprintf("state:%s:%d", state, time.Now().UnixNano()),
		State:    &event.StateChange{State: state, Attempt: attempt},
	}
}
