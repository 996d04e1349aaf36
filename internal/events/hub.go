// Package events streams controller events to operators over Server-Sent
// Events, with Last-Event-ID resume from a bounded replay buffer.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
)

// Event types.
const (
	TypeReady     = "ready"
	TypeHeartbeat = "heartbeat"
	TypeLifecycle = "lifecycle"
	TypeSlot      = "slot"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("event hub closed")

// Event is one SSE message. Only published events carry an ID; ready and
// heartbeat messages are not replayable.
type Event struct {
	ID   int64       `json:"id,omitempty"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Options sizes the hub.
type Options struct {
	// BufferSize is the number of published events kept for replay.
	BufferSize int
	// HeartbeatInterval is the idle keep-alive period per subscriber.
	HeartbeatInterval time.Duration
	// ClientQueue bounds undelivered events per subscriber. A subscriber
	// that falls further behind is disconnected and must resume.
	ClientQueue int
}

// DefaultOptions returns the standard hub sizing.
func DefaultOptions() Options {
	return Options{
		BufferSize:        256,
		HeartbeatInterval: 15 * time.Second,
		ClientQueue:       64,
	}
}

type client struct {
	id     string
	events chan Event
}

// Hub fans published events out to subscribers.
type Hub struct {
	opts     Options
	log      zerolog.Logger
	snapshot func() interface{}

	mu      sync.Mutex
	clients map[string]*client
	buffer  []Event
	nextID  int64
	closed  bool
	done    chan struct{}
}

var _ lifecycle.Auditor = (*Hub)(nil)

// NewHub creates a hub. snapshot, if not nil, supplies the payload of the
// ready message each subscriber receives first.
func NewHub(opts Options, snapshot func() interface{}, logger zerolog.Logger) *Hub {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.ClientQueue <= 0 {
		opts.ClientQueue = def.ClientQueue
	}
	return &Hub{
		opts:     opts,
		log:      logger.With().Str("component", "events").Logger(),
		snapshot: snapshot,
		clients:  make(map[string]*client),
		done:     make(chan struct{}),
	}
}

// Publish assigns the next event ID, buffers the event for replay and queues
// it for every subscriber.
func (h *Hub) Publish(eventType string, data interface{}) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{ID: h.nextID, Type: eventType, Data: data}

	h.buffer = append(h.buffer, ev)
	if len(h.buffer) > h.opts.BufferSize {
		h.buffer = h.buffer[len(h.buffer)-h.opts.BufferSize:]
	}

	for id, c := range h.clients {
		select {
		case c.events <- ev:
		default:
			h.log.Warn().Str("client", id).Int64("event", ev.ID).Msg("subscriber too slow, disconnecting")
			delete(h.clients, id)
			close(c.events)
		}
	}
	return ev
}

// Record publishes a finished lifecycle operation.
func (h *Hub) Record(_ context.Context, ev lifecycle.Event) {
	data := lifecycleData{
		Action:      ev.Action,
		StateBefore: ev.Before.String(),
		StateAfter:  ev.After.String(),
		Outcome:     "success",
		Code:        lifecycle.Code(ev.Err),
		Reply:       ev.Reply,
		DurationMs:  ev.Duration.Milliseconds(),
	}
	if ev.Err != nil {
		data.Outcome = "failure"
		data.Error = ev.Err.Error()
	}
	h.Publish(TypeLifecycle, data)
}

type lifecycleData struct {
	Action      string `json:"action"`
	StateBefore string `json:"stateBefore"`
	StateAfter  string `json:"stateAfter"`
	Outcome     string `json:"outcome"`
	Code        string `json:"code"`
	Reply       string `json:"reply,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

// Subscribe streams events to w until ctx ends, the hub closes or the
// subscriber is disconnected for falling behind. A Last-Event-ID header
// replays buffered events published after that ID.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	lastID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = id
		}
	}

	// Registration and replay selection share one critical section so a
	// concurrent Publish is delivered exactly once.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	c := &client{id: uuid.NewString(), events: make(chan Event, h.opts.ClientQueue)}
	h.clients[c.id] = c
	var replay []Event
	if lastID > 0 {
		for _, ev := range h.buffer {
			if ev.ID > lastID {
				replay = append(replay, ev)
			}
		}
	}
	h.mu.Unlock()
	defer h.unregister(c)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h.log.Debug().Str("client", c.id).Int64("lastEventId", lastID).Int("replay", len(replay)).Msg("subscriber connected")

	var snapshot interface{}
	if h.snapshot != nil {
		snapshot = h.snapshot()
	}
	if err := writeEvent(w, rc, Event{Type: TypeReady, Data: snapshot}); err != nil {
		return err
	}
	for _, ev := range replay {
		if err := writeEvent(w, rc, ev); err != nil {
			return err
		}
	}

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-heartbeat.C:
			hb := Event{Type: TypeHeartbeat, Data: map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)}}
			if err := writeEvent(w, rc, hb); err != nil {
				return err
			}
		case ev, ok := <-c.events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, rc, ev); err != nil {
				return err
			}
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.events)
	}
	h.log.Debug().Str("client", c.id).Msg("subscriber disconnected")
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close ends every stream. Publish keeps buffering afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}
