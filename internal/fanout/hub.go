// Package fanout turns bus events into client notifications.
//
// It has two halves:
//
//  1. Registry maps issued api keys to user ids for session auth.
//  2. Hub owns client sessions, their stream subscriptions, and the
//     translation of event payloads into the wire schemas. Transport is
//     injected as a per-session Sink, so the hub never touches a socket.
//
// The hub subscribes to the bus lazily, one subscription per stream with at
// least one session, and formats each event once regardless of how many
// sessions receive it. Sink errors are counted and logged, never propagated
// back into dispatch.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"spotsim/internal/bus"
	"spotsim/pkg/types"
)

// Sink delivers one formatted message to a client. Implementations decide
// the transport; returning an error only affects counters.
type Sink func(stream string, payload []byte) error

// Session is one connected client. Mutable state is guarded by the hub's
// lock.
type Session struct {
	id   string
	hub  *Hub
	sink Sink

	userID  string
	streams map[string]struct{}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user, or "" before auth.
func (s *Session) UserID() string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.userID
}

// Streams returns the session's current subscriptions, sorted.
func (s *Session) Streams() []string {
	s.hub.mu.RLock()
	out := make([]string, 0, len(s.streams))
	for key := range s.streams {
		out = append(out, key)
	}
	s.hub.mu.RUnlock()
	sort.Strings(out)
	return out
}

// streamState tracks one live stream: its bus subscription and the sessions
// fanned out to.
type streamState struct {
	subID    string
	sessions map[string]*Session
}

// Stats is a point-in-time view of hub counters.
type Stats struct {
	Sessions  int
	Streams   int
	Delivered uint64
	Dropped   uint64
}

// Hub routes formatted events to subscribed sessions.
type Hub struct {
	bus      *bus.Bus
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	streams  map[string]*streamState

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewHub(b *bus.Bus, registry *Registry, logger *slog.Logger) *Hub {
	return &Hub{
		bus:      b,
		registry: registry,
		logger:   logger.With("component", "fanout"),
		sessions: make(map[string]*Session),
		streams:  make(map[string]*streamState),
	}
}

// Connect registers a client and returns its session handle.
func (h *Hub) Connect(sink Sink) *Session {
	s := &Session{
		id:      uuid.NewString(),
		hub:     h,
		sink:    sink,
		streams: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Info("session connected", "session", s.id, "count", n)
	return s
}

// Disconnect drops a session and tears down any streams left without
// subscribers.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	var stale []string
	for key := range s.streams {
		if id := h.detachLocked(s, key); id != "" {
			stale = append(stale, id)
		}
	}
	s.streams = make(map[string]struct{})
	n := len(h.sessions)
	h.mu.Unlock()

	for _, id := range stale {
		h.bus.Unsubscribe(id)
	}
	h.logger.Info("session disconnected", "session", s.id, "count", n)
}

// HandleRequest processes one client envelope and returns the response
// bytes. Malformed requests get an error response; the session stays open
// either way.
func (h *Hub) HandleRequest(s *Session, raw []byte) []byte {
	var req types.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return h.respond(types.ClientResponse{Error: "invalid request"})
	}
	switch req.Method {
	case "subscribe":
		return h.handleSubscribe(s, req)
	case "unsubscribe":
		return h.handleUnsubscribe(s, req)
	case "auth":
		return h.handleAuth(s, req)
	default:
		return h.respond(types.ClientResponse{Error: "unknown method: " + req.Method, ID: req.ID})
	}
}

func (h *Hub) handleAuth(s *Session, req types.ClientRequest) []byte {
	userID, ok := h.registry.Resolve(req.Params.APIKey)
	if !ok {
		return h.respond(types.ClientResponse{Error: "invalid api key", ID: req.ID})
	}
	h.mu.Lock()
	s.userID = userID
	h.mu.Unlock()
	h.logger.Info("session authenticated", "session", s.id, "user_id", userID)
	return h.respond(types.ClientResponse{Result: "success", UserID: userID, ID: req.ID})
}

func (h *Hub) handleSubscribe(s *Session, req types.ClientRequest) []byte {
	if len(req.Params.Streams) == 0 {
		return h.respond(types.ClientResponse{Error: "no streams requested", ID: req.ID})
	}

	var applied []string
	var errs []types.StreamError
	h.mu.Lock()
	for _, key := range req.Params.Streams {
		if msg := streamErrorLocked(s, key); msg != "" {
			errs = append(errs, types.StreamError{Stream: key, Error: msg})
			continue
		}
		h.attachLocked(s, key)
		applied = append(applied, key)
	}
	h.mu.Unlock()

	resp := types.ClientResponse{Streams: applied, Errors: errs, ID: req.ID}
	switch {
	case len(errs) == 0:
		resp.Result = "success"
	case len(applied) > 0:
		resp.Result = "partial"
	default:
		resp.Error = errs[0].Error
	}
	return h.respond(resp)
}

// handleUnsubscribe removes the named subscriptions, or every subscription
// when the request names none.
func (h *Hub) handleUnsubscribe(s *Session, req types.ClientRequest) []byte {
	h.mu.Lock()
	keys := req.Params.Streams
	if len(keys) == 0 {
		keys = make([]string, 0, len(s.streams))
		for key := range s.streams {
			keys = append(keys, key)
		}
		sort.Strings(keys)
	}
	var removed []string
	var stale []string
	for _, key := range keys {
		if _, ok := s.streams[key]; !ok {
			continue
		}
		if id := h.detachLocked(s, key); id != "" {
			stale = append(stale, id)
		}
		delete(s.streams, key)
		removed = append(removed, key)
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.bus.Unsubscribe(id)
	}
	return h.respond(types.ClientResponse{Result: "success", Streams: removed, ID: req.ID})
}

// streamErrorLocked validates one subscribe target against the session's
// auth state. Public market streams pass unconditionally; user streams
// require the session to be tagged with the matching user.
func streamErrorLocked(s *Session, key string) string {
	scope, topic, ok := types.SplitStream(key)
	if !ok {
		return "malformed stream key"
	}
	switch topic {
	case types.TopicTrade, types.TopicDepth, types.TopicTicker:
		return ""
	case types.TopicOrder, types.TopicAccount:
		if s.userID == "" {
			return "authentication required"
		}
		if scope != s.userID {
			return "forbidden"
		}
		return ""
	default:
		return "unknown stream topic"
	}
}

// attachLocked adds the session to a stream, creating the bus subscription
// on first use.
func (h *Hub) attachLocked(s *Session, key string) {
	st, ok := h.streams[key]
	if !ok {
		st = &streamState{sessions: make(map[string]*Session)}
		st.subID = h.bus.Subscribe(key, streamPriority(key), h.deliver)
		h.streams[key] = st
		h.logger.Debug("stream opened", "stream", key)
	}
	st.sessions[s.id] = s
	s.streams[key] = struct{}{}
}

// detachLocked removes the session from a stream and returns the bus
// subscription id once the stream has no sessions left.
func (h *Hub) detachLocked(s *Session, key string) string {
	st, ok := h.streams[key]
	if !ok {
		return ""
	}
	delete(st.sessions, s.id)
	if len(st.sessions) > 0 {
		return ""
	}
	delete(h.streams, key)
	h.logger.Debug("stream closed", "stream", key)
	return st.subID
}

// deliver formats one event and hands it to every session on its stream.
func (h *Hub) deliver(evt types.Event) {
	payload, err := encode(evt)
	if err != nil {
		h.logger.Error("event encode failed", "stream", evt.Stream, "error", err)
		return
	}

	h.mu.RLock()
	st, ok := h.streams[evt.Stream]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.sink(evt.Stream, payload); err != nil {
			h.dropped.Add(1)
			h.logger.Warn("delivery failed", "stream", evt.Stream, "session", s.id, "error", err)
			continue
		}
		h.delivered.Add(1)
	}
}

// streamPriority mirrors the event class of each stream topic so hub
// handlers keep their class ordering relative to other subscribers.
func streamPriority(key string) types.EventPriority {
	_, topic, _ := types.SplitStream(key)
	switch topic {
	case types.TopicOrder, types.TopicAccount:
		return types.PriorityHigh
	case types.TopicTrade:
		return types.PriorityNormal
	default:
		return types.PriorityLow
	}
}

func (h *Hub) respond(resp types.ClientResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("response marshal failed", "error", err)
		return []byte(`{"error":"internal error"}`)
	}
	return data
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	sessions, streams := len(h.sessions), len(h.streams)
	h.mu.RUnlock()
	return Stats{
		Sessions:  sessions,
		Streams:   streams,
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}
