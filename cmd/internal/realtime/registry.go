package realtime

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// Sink is the delivery side of one live session.
// Deliver must not block; a slow or closed session returns an error instead.
type Sink interface {
	Deliver(env v1.Envelope) error
}

// Session identifies one live connection.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sink Sink
}

// Deliver forwards env to the session's sink.
func (s Session) Deliver(env v1.Envelope) error {
	if s.sink == nil {
		return ErrSessionClosed
	}
	return s.sink.Deliver(env)
}

// PresenceFunc receives the distinct online users after every presence change.
type PresenceFunc func(userIDs []string)

// Registry maps online users to their live sessions (the PresenceSet).
//
// Concurrency model:
//   - mu guards sessions and byUser
//   - emitMu orders presence events so listeners never observe an older snapshot after a newer one
//   - listeners run outside mu, so they may call back into the registry
type Registry struct {
	log *slog.Logger
	now func() time.Time

	emitMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []PresenceFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// OnPresenceChange subscribes fn to presence-changed events.
func (r *Registry) OnPresenceChange(fn PresenceFunc) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Register creates a session for userID bound to sink and returns its id.
// It always emits a presence-changed event.
func (r *Registry) Register(userID string, sink Sink) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", opErr("registry.Register", ErrInvalidInput, "missing user_id")
	}
	if sink == nil {
		return "", opErr("registry.Register", ErrInvalidInput, "nil sink")
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	now := r.now()
	s := &Session{
		ID:          NewSessionID(now),
		UserID:      userID,
		ConnectedAt: now,
		sink:        sink,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]struct{}, 1)
		r.byUser[userID] = set
	}
	set[s.ID] = struct{}{}
	online := r.onlineLocked()
	r.mu.Unlock()

	r.log.Info("registry.session.register", "session_id", s.ID, "user_id", userID, "online_users", len(online))
	r.emit(online)
	return s.ID, nil
}

// Unregister removes sessionID. Unknown sessions are ignored.
// A presence-changed event is emitted only when the user's last session goes away.
func (r *Registry) Unregister(sessionID string) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	wentOffline := false
	if set := r.byUser[s.UserID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byUser, s.UserID)
			wentOffline = true
		}
	}
	var online []string
	if wentOffline {
		online = r.onlineLocked()
	}
	r.mu.Unlock()

	r.log.Info("registry.session.unregister", "session_id", sessionID, "user_id", s.UserID, "offline", wentOffline)
	if wentOffline {
		r.emit(online)
	}
}

// Sessions returns the live session ids of userID (empty when offline).
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser[userID])
}

// Sink returns the delivery handle of sessionID.
func (r *Registry) Sink(sessionID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.sink, true
}

// Session returns a copy of the session metadata.
func (r *Registry) Session(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// OnlineUsers returns the sorted distinct users with at least one live session.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// IsOnline reports whether userID has at least one live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot returns a copy of all live sessions.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapToSlice(r.sessions, func(_ string, s *Session) Session { return *s })
}

func (r *Registry) onlineLocked() []string {
	users := lo.Keys(r.byUser)
	slices.Sort(users)
	return users
}

func (r *Registry) emit(online []string) {
	r.listenersMu.RLock()
	ls := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range ls {
		fn(slices.Clone(online))
	}
}
