// Package notifier fans outcome events out to WebSocket clients organized
// into rooms. A room is a named fan-out group defined by a filter predicate;
// it is created on first join and removed on last leave.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fraware/accountabilitylayer/pkg/metrics"
)

// ClientMessage is the envelope clients send over the socket.
type ClientMessage struct {
	Action  string         `json:"action"`
	Room    string         `json:"room,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
	UserID  string         `json:"userId,omitempty"`
}

// Manager manages WebSocket sessions and room membership.
// Each notifier process has one Manager instance; cross-instance delivery
// comes from every instance subscribing to the broadcast subjects.
type Manager struct {
	// Active sessions: session_id → *Session
	sessions map[string]*Session
	mu       sync.RWMutex

	// Rooms: room name → membership and effective filters
	rooms  map[string]*room
	roomMu sync.RWMutex

	// Write timeout for WebSocket sends; a breach tears the session down.
	writeTimeout time.Duration

	// Rooms above this member count are skipped per event (load shed).
	fanoutLimit int

	now func() time.Time
}

// Session represents a single WebSocket client.
//
// rooms is accessed WITHOUT a lock. This is safe because all reads and
// writes (join, leave, unregisterSession) happen on the single goroutine
// that owns this session (HandleConnection's read loop and its deferred
// cleanup).
type Session struct {
	ID         string
	Conn       *websocket.Conn
	CreatedAt  time.Time
	RemoteAddr string
	UserAgent  string
	UserID     string
	rooms      map[string]bool // rooms this session has joined
	ctx        context.Context
	cancel     context.CancelFunc
}

// room holds a fan-out group. The first join's filters become the room's
// effective filters; later joins inherit them.
type room struct {
	members      map[string]bool
	filters      map[string]any // normalized keys
	lastActivity time.Time
}

// NewManager creates a Manager. fanoutLimit bounds per-room delivery;
// writeTimeout bounds each socket send.
func NewManager(fanoutLimit int, writeTimeout time.Duration) *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		rooms:        make(map[string]*room),
		writeTimeout: writeTimeout,
		fanoutLimit:  fanoutLimit,
		now:          time.Now,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes. remoteAddr and userAgent come from the upgrade request.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, remoteAddr, userAgent string) {
	sessionID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	s := &Session{
		ID:         sessionID,
		Conn:       conn,
		CreatedAt:  m.now(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		rooms:      make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	m.registerSession(s)
	defer m.unregisterSession(s)

	m.sendJSON(s, map[string]any{
		"type":       "welcome",
		"session_id": sessionID,
		"timestamp":  m.now().UTC().Format(time.RFC3339),
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored — exit the read loop.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "session_id", sessionID, "error", err)
			continue
		}

		m.handleClientMessage(s, &msg)
	}
}

func (m *Manager) handleClientMessage(s *Session, msg *ClientMessage) {
	switch msg.Action {
	case "join-room":
		if msg.Room == "" {
			m.sendJSON(s, map[string]any{"type": "error", "message": "room is required for join-room"})
			return
		}
		if msg.UserID != "" {
			s.UserID = msg.UserID
		}
		members, filters := m.join(s, msg.Room, msg.Filters)
		m.sendJSON(s, map[string]any{
			"type":    "room-joined",
			"room":    msg.Room,
			"members": members,
			"filters": filters,
		})

	case "leave-room":
		if msg.Room == "" {
			m.sendJSON(s, map[string]any{"type": "error", "message": "room is required for leave-room"})
			return
		}
		m.leave(s, msg.Room)
		m.sendJSON(s, map[string]any{"type": "room-left", "room": msg.Room})

	case "ping":
		m.sendJSON(s, map[string]any{"type": "pong"})

	default:
		m.sendJSON(s, map[string]any{"type": "error", "message": "unknown action '" + msg.Action + "'"})
	}
}

// join adds a session to a room, creating it when absent. The first join's
// filters define the room's predicate; later filters are ignored so every
// member of a room sees the same stream. Returns the member count and the
// effective filters.
func (m *Manager) join(s *Session, name string, filters map[string]any) (int, map[string]any) {
	m.roomMu.Lock()
	r, exists := m.rooms[name]
	if !exists {
		r = &room{
			members: make(map[string]bool),
			filters: normalizeFilters(filters),
		}
		m.rooms[name] = r
		metrics.NotifierRooms.Set(float64(len(m.rooms)))
	}
	r.members[s.ID] = true
	r.lastActivity = m.now()
	members, effective := len(r.members), r.filters
	m.roomMu.Unlock()

	s.rooms[name] = true
	return members, effective
}

// leave removes a session from a room, deleting the room when it empties.
func (m *Manager) leave(s *Session, name string) {
	m.roomMu.Lock()
	if r, exists := m.rooms[name]; exists {
		delete(r.members, s.ID)
		if len(r.members) == 0 {
			delete(m.rooms, name)
		}
		metrics.NotifierRooms.Set(float64(len(m.rooms)))
	}
	m.roomMu.Unlock()

	delete(s.rooms, name)
}

// Fanout delivers one outcome event to every room whose filters match.
// candidates carries the matchable field sets of the event — one map per
// contained log, so a batch matches a room when any of its logs does. A nil
// candidates slice matches only unfiltered rooms. Rooms over the fan-out
// limit are skipped for this event; newer events are still evaluated.
func (m *Manager) Fanout(eventType string, candidates []map[string]string, payload json.RawMessage) {
	type target struct {
		room string
		ids  []string
	}

	m.roomMu.RLock()
	targets := make([]target, 0, len(m.rooms))
	for name, r := range m.rooms {
		if !roomMatches(r.filters, candidates) {
			continue
		}
		if len(r.members) > m.fanoutLimit {
			metrics.FanoutSkipped.Inc()
			slog.Warn("Skipping oversized room for event",
				"room", name, "members", len(r.members), "limit", m.fanoutLimit)
			continue
		}
		ids := make([]string, 0, len(r.members))
		for id := range r.members {
			ids = append(ids, id)
		}
		targets = append(targets, target{room: name, ids: ids})
		r.lastActivity = m.now()
	}
	m.roomMu.RUnlock()

	ts := m.now().UTC().Format(time.RFC3339)
	for _, tgt := range targets {
		data, err := json.Marshal(map[string]any{
			"type":      eventType,
			"room":      tgt.room,
			"timestamp": ts,
			"data":      payload,
		})
		if err != nil {
			slog.Error("Failed to marshal fan-out envelope", "type", eventType, "error", err)
			continue
		}

		// Snapshot session pointers, then release the lock before sending so
		// slow writes (up to writeTimeout each) don't stall register/unregister.
		m.mu.RLock()
		conns := make([]*Session, 0, len(tgt.ids))
		for _, id := range tgt.ids {
			if s, ok := m.sessions[id]; ok {
				conns = append(conns, s)
			}
		}
		m.mu.RUnlock()

		for _, s := range conns {
			if err := m.sendRaw(s, data); err != nil {
				slog.Warn("Failed to send to WebSocket client, tearing session down",
					"session_id", s.ID, "room", tgt.room, "error", err)
				// Cancelling the session context fails the read loop, whose
				// deferred cleanup removes the session from all its rooms.
				s.cancel()
				continue
			}
			metrics.EventsFannedOut.WithLabelValues(eventType).Inc()
		}
	}
}

// roomMatches reports whether a room's filter predicate accepts an event.
// Every filter key must match the corresponding event field; array filter
// values match by set membership.
func roomMatches(filters map[string]any, candidates []map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, fields := range candidates {
		if fieldsMatch(filters, fields) {
			return true
		}
	}
	return false
}

func fieldsMatch(filters map[string]any, fields map[string]string) bool {
	for key, want := range filters {
		got, ok := fields[key]
		if !ok {
			return false
		}
		switch want := want.(type) {
		case string:
			if got != want {
				return false
			}
		case []any:
			found := false
			for _, v := range want {
				if s, ok := v.(string); ok && s == got {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// normalizeFilters rewrites camelCase filter keys to the snake_case field
// names events carry, so {"agentId": "x"} and {"agent_id": "x"} behave the
// same.
func normalizeFilters(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]any, len(filters))
	for k, v := range filters {
		out[normalizeKey(k)] = v
	}
	return out
}

func normalizeKey(key string) string {
	var b strings.Builder
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ActiveSessions returns the count of connected sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// memberCount returns the member count of a room, 0 when absent.
// Unexported — used by tests to poll instead of sleeping.
func (m *Manager) memberCount(name string) int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	if r, ok := m.rooms[name]; ok {
		return len(r.members)
	}
	return 0
}

// roomCount returns the number of live rooms.
func (m *Manager) roomCount() int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) registerSession(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	metrics.NotifierSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
}

// unregisterSession removes a session and its room memberships.
func (m *Manager) unregisterSession(s *Session) {
	for name := range s.rooms {
		m.leave(s, name)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	metrics.NotifierSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	s.cancel()
	_ = s.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends a JSON message to a single session.
func (m *Manager) sendJSON(s *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "session_id", s.ID, "error", err)
		return
	}
	if err := m.sendRaw(s, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "session_id", s.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single session with a write timeout.
func (m *Manager) sendRaw(s *Session, data []byte) error {
	writeCtx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
	defer cancel()
	return s.Conn.Write(writeCtx, websocket.MessageText, data)
}
