package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freifunk-graviton/hybridmac/internal/control"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
)

type sseEvent struct {
	id   string
	typ  string
	data string
}

// stream is one open subscription.
type stream struct {
	resp *http.Response
	rd   *bufio.Reader
}

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts, func() interface{} { return map[string]string{"state": "NotRunning"} }, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Subscribe(r.Context(), w, r); errors.Is(err, ErrClosed) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func subscribe(t *testing.T, url, lastEventID string) *stream {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return &stream{resp: resp, rd: bufio.NewReader(resp.Body)}
}

func (s *stream) next(t *testing.T) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := s.rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return ev
		}
		field, value, _ := strings.Cut(line, ": ")
		switch field {
		case "id":
			ev.id = value
		case "event":
			ev.typ = value
		case "data":
			ev.data = value
		}
	}
}

func TestSubscribeReceivesReadyThenPublished(t *testing.T) {
	hub, srv := newTestHub(t, Options{})

	s := subscribe(t, srv.URL, "")
	assert.Equal(t, "text/event-stream; charset=utf-8", s.resp.Header.Get("Content-Type"))

	ready := s.next(t)
	assert.Equal(t, TypeReady, ready.typ)
	assert.Empty(t, ready.id)
	assert.JSONEq(t, `{"state":"NotRunning"}`, ready.data)
	assert.Equal(t, 1, hub.Subscribers())

	hub.Publish(TypeSlot, map[string]int{"slot": 2})

	ev := s.next(t)
	assert.Equal(t, "1", ev.id)
	assert.Equal(t, TypeSlot, ev.typ)
	assert.JSONEq(t, `{"slot":2}`, ev.data)
}

func TestSubscribeReplaysAfterLastEventID(t *testing.T) {
	hub, srv := newTestHub(t, Options{BufferSize: 2})

	for i := 0; i < 4; i++ {
		hub.Publish(TypeSlot, i)
	}

	// Event 1 has fallen out of the two-entry buffer.
	s := subscribe(t, srv.URL, "1")
	assert.Equal(t, TypeReady, s.next(t).typ)

	ev := s.next(t)
	assert.Equal(t, "3", ev.id)
	assert.Equal(t, "2", ev.data)
	ev = s.next(t)
	assert.Equal(t, "4", ev.id)

	hub.Publish(TypeSlot, 4)
	assert.Equal(t, "5", s.next(t).id)
}

func TestSubscribeHeartbeat(t *testing.T) {
	_, srv := newTestHub(t, Options{HeartbeatInterval: 20 * time.Millisecond})

	s := subscribe(t, srv.URL, "")
	require.Equal(t, TypeReady, s.next(t).typ)

	hb := s.next(t)
	assert.Equal(t, TypeHeartbeat, hb.typ)
	assert.Empty(t, hb.id)
	assert.Contains(t, hb.data, `"ts"`)
}

func TestCloseEndsStreams(t *testing.T) {
	hub, srv := newTestHub(t, Options{})

	s := subscribe(t, srv.URL, "")
	require.Equal(t, TypeReady, s.next(t).typ)

	hub.Close()
	_, err := s.rd.ReadString('\n')
	assert.Error(t, err, "stream should end after Close")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPublishDisconnectsSlowSubscriber(t *testing.T) {
	hub := NewHub(Options{ClientQueue: 1}, nil, zerolog.Nop())
	c := &client{id: "slow", events: make(chan Event, 1)}
	hub.clients[c.id] = c

	hub.Publish(TypeSlot, 1)
	assert.Equal(t, 1, hub.Subscribers())

	hub.Publish(TypeSlot, 2)
	assert.Equal(t, 0, hub.Subscribers())

	ev, ok := <-c.events
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.ID)
	_, ok = <-c.events
	assert.False(t, ok, "queue is closed after disconnect")

	// Unregistering an already dropped client must not close twice.
	hub.unregister(c)
}

func TestRecordPublishesLifecycleEvents(t *testing.T) {
	hub := NewHub(Options{}, nil, zerolog.Nop())

	hub.Record(context.Background(), lifecycle.Event{
		Action:   "uninstall",
		Before:   lifecycle.Running,
		After:    lifecycle.Running,
		Err:      control.ErrTimeout,
		Duration: 1500 * time.Millisecond,
	})

	require.Len(t, hub.buffer, 1)
	ev := hub.buffer[0]
	assert.Equal(t, TypeLifecycle, ev.Type)

	raw, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"action": "uninstall",
		"stateBefore": "Running",
		"stateAfter": "Running",
		"outcome": "failure",
		"code": "TIMEOUT",
		"error": "`+control.ErrTimeout.Error()+`",
		"durationMs": 1500
	}`, string(raw))
}
