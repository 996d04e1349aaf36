package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/freifunk-graviton/hybridmac/internal/audit"
	"github.com/freifunk-graviton/hybridmac/internal/auth"
	"github.com/freifunk-graviton/hybridmac/internal/events"
	"github.com/freifunk-graviton/hybridmac/internal/lifecycle"
	"github.com/freifunk-graviton/hybridmac/internal/policy"
)

const apiV1 = "/api/v1"

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Health endpoint (no auth required)
	mux.HandleFunc("GET "+apiV1+"/health", s.handleHealth)

	mux.HandleFunc("GET "+apiV1+"/status", s.protect(auth.ScopeRead, s.handleStatus))
	mux.HandleFunc("GET "+apiV1+"/events", s.protect(auth.ScopeRead, s.handleEvents))

	mux.HandleFunc("GET "+apiV1+"/slots", s.protect(auth.ScopeRead, s.handleListSlots))
	mux.HandleFunc("GET "+apiV1+"/slots/{n}", s.protect(auth.ScopeRead, s.handleGetSlot))
	mux.HandleFunc("PUT "+apiV1+"/slots/{n}", s.protect(auth.ScopeControl, s.handleSetSlot))
	mux.HandleFunc("DELETE "+apiV1+"/slots/{n}", s.protect(auth.ScopeControl, s.handleRemoveSlot))
	mux.HandleFunc("POST "+apiV1+"/slots/{n}/allow-all", s.protect(auth.ScopeControl, s.handleAllowAll))
	mux.HandleFunc("POST "+apiV1+"/slots/{n}/tos", s.protect(auth.ScopeControl, s.handleAddToS))

	mux.HandleFunc("POST "+apiV1+"/lifecycle/{action}", s.protect(auth.ScopeControl, s.handleLifecycle))
}

func (s *Server) protect(scope string, next http.HandlerFunc) http.HandlerFunc {
	if s.authMiddleware == nil {
		return next
	}
	return s.authMiddleware.Protect(scope, next)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": time.Since(s.startTime).Seconds(),
		"version":   Version,
	})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st lifecycle.Status
	_ = s.ctrl.Do(func(c *lifecycle.Controller) error {
		st = c.Status()
		return nil
	})
	WriteSuccess(w, st)
}

// handleEvents handles GET /events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Event stream is not enabled", nil)
		return
	}
	if err := s.events.Subscribe(r.Context(), w, r); err != nil {
		if errors.Is(err, events.ErrClosed) {
			WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Event stream is shutting down", nil)
			return
		}
		s.log.Debug().Err(err).Msg("event stream ended")
	}
}

type slotView struct {
	Slot    int            `json:"slot"`
	Entries []policy.Entry `json:"entries"`
}

// handleListSlots handles GET /slots
func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	var views []slotView
	_ = s.ctrl.Table(func(t *policy.Table) error {
		views = make([]slotView, 0, len(t.Slots()))
		for _, slot := range t.Slots() {
			entries, _ := t.Policy(slot)
			views = append(views, slotView{Slot: slot, Entries: entries})
		}
		return nil
	})
	WriteSuccess(w, views)
}

// handleGetSlot handles GET /slots/{n}
func (s *Server) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var entries []policy.Entry
	err = s.ctrl.Table(func(t *policy.Table) error {
		entries, err = t.Policy(slot)
		return err
	})
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, slotView{Slot: slot, Entries: entries})
}

// handleSetSlot handles PUT /slots/{n}
func (s *Server) handleSetSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req struct {
		Entries []struct {
			Address *policy.Address `json:"address"`
			Mask    *int            `json:"mask"`
		} `json:"entries"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}

	entries := make([]policy.Entry, 0, len(req.Entries))
	for i, e := range req.Entries {
		if e.Address == nil {
			WriteAPIError(w, badRequest("entry %d: address is required", i))
			return
		}
		if e.Mask == nil || *e.Mask < 0 || *e.Mask > 0xFF {
			WriteAPIError(w, badRequest("entry %d: mask must be in [0, 255]", i))
			return
		}
		entries = append(entries, policy.Entry{Address: *e.Address, Mask: policy.TIDMask(*e.Mask)})
	}

	s.mutateSlot(w, slot, func(t *policy.Table) error { return t.SetPolicy(slot, entries) })
}

// handleRemoveSlot handles DELETE /slots/{n}
func (s *Server) handleRemoveSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	s.mutateSlot(w, slot, func(t *policy.Table) error { return t.RemovePolicy(slot) })
}

// handleAllowAll handles POST /slots/{n}/allow-all
func (s *Server) handleAllowAll(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	s.mutateSlot(w, slot, func(t *policy.Table) error { return t.SetAllowAll(slot) })
}

// handleAddToS handles POST /slots/{n}/tos
func (s *Server) handleAddToS(w http.ResponseWriter, r *http.Request) {
	slot, err := slotParam(r)
	if err != nil {
		WriteAPIError(w, err)
		return
	}

	var req struct {
		Address *policy.Address `json:"address"`
		ToS     []int           `json:"tos"`
	}
	if err := decodeStrict(r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	if req.Address == nil {
		WriteAPIError(w, badRequest("address is required"))
		return
	}
	if len(req.ToS) == 0 {
		WriteAPIError(w, badRequest("tos must list at least one value"))
		return
	}
	tos := make([]uint8, 0, len(req.ToS))
	for _, v := range req.ToS {
		if v < 0 || v > 0xFF {
			WriteAPIError(w, badRequest("tos value %d must be in [0, 255]", v))
			return
		}
		tos = append(tos, uint8(v))
	}

	s.mutateSlot(w, slot, func(t *policy.Table) error { return t.AddEntryByToS(slot, *req.Address, tos) })
}

// mutateSlot applies fn and replies with the slot's resulting policy. Table
// edits are local until the next update. The slot event is published under
// the table lock so the stream follows edit order.
func (s *Server) mutateSlot(w http.ResponseWriter, slot int, fn func(t *policy.Table) error) {
	var view slotView
	err := s.ctrl.Table(func(t *policy.Table) error {
		if err := fn(t); err != nil {
			return err
		}
		entries, err := t.Policy(slot)
		if err != nil {
			return err
		}
		view = slotView{Slot: slot, Entries: entries}
		if s.events != nil {
			s.events.Publish(events.TypeSlot, view)
		}
		return nil
	})
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, view)
}

type lifecycleResult struct {
	Action string          `json:"action"`
	Reply  string          `json:"reply,omitempty"`
	State  lifecycle.State `json:"state"`
}

// handleLifecycle handles POST /lifecycle/{install|update|uninstall}
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")

	var run func(ctx context.Context, c *lifecycle.Controller) (string, error)
	switch action {
	case "install":
		run = func(ctx context.Context, c *lifecycle.Controller) (string, error) { return "", c.Install(ctx) }
	case "update":
		run = func(ctx context.Context, c *lifecycle.Controller) (string, error) { return c.Update(ctx) }
	case "uninstall":
		run = func(ctx context.Context, c *lifecycle.Controller) (string, error) { return c.Uninstall(ctx) }
	default:
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Unknown lifecycle action "+strconv.Quote(action), nil)
		return
	}

	ctx := r.Context()
	if claims := auth.ClaimsFromContext(ctx); claims != nil {
		ctx = audit.WithActor(ctx, claims.Subject)
	}

	res := lifecycleResult{Action: action}
	err := s.ctrl.Do(func(c *lifecycle.Controller) error {
		reply, err := run(ctx, c)
		res.Reply, res.State = reply, c.State()
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("lifecycle request failed")
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, res)
}

func slotParam(r *http.Request) (int, error) {
	raw := r.PathValue("n")
	slot, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("slot %q is not an integer", raw)
	}
	return slot, nil
}

// decodeStrict decodes one JSON object, rejecting unknown fields and
// trailing data.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed JSON or unknown fields: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return badRequest("trailing data after JSON object")
	}
	return nil
}
