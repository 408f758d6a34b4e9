package realtime

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// TypingNotifier receives the fresh typing snapshot of a channel after a change.
type TypingNotifier func(channelID string, userIDs []string)

// TypingIndicator tracks who is typing in each channel.
// Entries expire after the TTL; expired entries are filtered on every read and purged by Sweep.
type TypingIndicator struct {
	log    *slog.Logger
	hub    *Hub
	ttl    time.Duration
	now    func() time.Time
	notify TypingNotifier

	// emitMu orders notifications per change, like Registry.emitMu.
	emitMu sync.Mutex

	mu      sync.Mutex
	entries map[string]map[string]time.Time // channelID -> userID -> expiresAt
}

// TypingOption configures a TypingIndicator.
type TypingOption func(*TypingIndicator)

// WithTypingNotifier replaces the default notifier (hub.BroadcastTyping).
func WithTypingNotifier(fn TypingNotifier) TypingOption {
	return func(t *TypingIndicator) {
		if fn != nil {
			t.notify = fn
		}
	}
}

// WithTypingClock overrides the clock (tests).
func WithTypingClock(now func() time.Time) TypingOption {
	return func(t *TypingIndicator) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTypingIndicator constructs a TypingIndicator scoped by hub membership.
// ttl <= 0 falls back to DefaultTypingTTL.
func NewTypingIndicator(log *slog.Logger, hub *Hub, ttl time.Duration, opts ...TypingOption) *TypingIndicator {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	t := &TypingIndicator{
		log:     log,
		hub:     hub,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]time.Time),
	}
	if hub != nil {
		t.notify = func(channelID string, userIDs []string) { hub.BroadcastTyping(channelID, userIDs) }
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// TTL returns the configured entry lifetime.
func (t *TypingIndicator) TTL() time.Duration { return t.ttl }

// SetTyping inserts or refreshes the entry for userID in channelID.
// A refresh of an already-active typer does not notify.
func (t *TypingIndicator) SetTyping(channelID, userID string) error {
	const op = "typing.SetTyping"

	channelID = strings.TrimSpace(channelID)
	userID = strings.TrimSpace(userID)
	if channelID == "" || userID == "" {
		return opErr(op, ErrInvalidInput, "missing channel_id or user_id")
	}
	if t.hub != nil {
		if _, err := t.hub.Get(channelID); err != nil {
			return opErr(op, ErrNotFound, "unknown channel_id")
		}
		if !t.hub.IsMember(channelID, userID) {
			return opErr(op, ErrNotMember, "join the channel first")
		}
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	now := t.now()
	t.mu.Lock()
	set := t.entries[channelID]
	if set == nil {
		set = make(map[string]time.Time)
		t.entries[channelID] = set
	}
	exp, existed := set[userID]
	added := !existed || !exp.After(now)
	set[userID] = now.Add(t.ttl)
	var snap []string
	if added {
		snap = activeLocked(set, now)
	}
	t.mu.Unlock()

	if added {
		t.emit(channelID, snap)
	}
	return nil
}

// ClearTyping removes userID from channelID immediately. Unknown entries are ignored.
func (t *TypingIndicator) ClearTyping(channelID, userID string) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	now := t.now()
	t.mu.Lock()
	set := t.entries[channelID]
	exp, ok := set[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(t.entries, channelID)
	}
	snap := activeLocked(set, now)
	t.mu.Unlock()

	// An already-expired entry was never visible, so its removal changes nothing.
	if exp.After(now) {
		t.emit(channelID, snap)
	}
}

// ActiveTypers returns the sorted users whose entries have not expired.
func (t *TypingIndicator) ActiveTypers(channelID string) []string {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	return activeLocked(t.entries[channelID], now)
}

// Sweep purges expired entries and notifies each channel whose set shrank.
// It returns the number of entries removed.
func (t *TypingIndicator) Sweep() int {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	now := t.now()
	changed := make(map[string][]string)
	removed := 0

	t.mu.Lock()
	for channelID, set := range t.entries {
		n := 0
		for userID, exp := range set {
			if !exp.After(now) {
				delete(set, userID)
				n++
			}
		}
		if n == 0 {
			continue
		}
		removed += n
		changed[channelID] = activeLocked(set, now)
		if len(set) == 0 {
			delete(t.entries, channelID)
		}
	}
	t.mu.Unlock()

	channels := lo.Keys(changed)
	slices.Sort(channels)
	for _, channelID := range channels {
		t.emit(channelID, changed[channelID])
	}
	if removed > 0 {
		t.log.Debug("typing.sweep", "removed", removed, "channels", len(changed))
	}
	return removed
}

// Run sweeps expired entries until ctx is done.
func (t *TypingIndicator) Run(ctx context.Context) {
	interval := t.ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *TypingIndicator) emit(channelID string, userIDs []string) {
	if t.notify == nil {
		return
	}
	if userIDs == nil {
		userIDs = []string{}
	}
	t.notify(channelID, userIDs)
}

func activeLocked(set map[string]time.Time, now time.Time) []string {
	out := lo.Keys(lo.PickBy(set, func(_ string, exp time.Time) bool { return exp.After(now) }))
	slices.Sort(out)
	return out
}
