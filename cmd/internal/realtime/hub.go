package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"
)

// DeliveryObserver receives the outcome of every per-session delivery attempt.
// err is nil on success. Implementations must not block.
type DeliveryObserver interface {
	ObserveDelivery(channelID, sessionID string, err error)
}

type logObserver struct{ log *slog.Logger }

func (o logObserver) ObserveDelivery(channelID, sessionID string, err error) {
	if err != nil {
		o.log.Warn("hub.delivery.fail", "channel_id", channelID, "session_id", sessionID, "err", err)
	}
}

// Hub owns channels and their membership, and fans out to registry-resolved sessions.
//
// Concurrency model:
//   - mu guards the channel indexes only (id, name, creation order)
//   - each channel's membership has its own lock
//   - Broadcast resolves members and sessions at call time; nothing is cached per channel
type Hub struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	channels ChannelStore
	observer DeliveryObserver
	onAppend func(Message)
	onLeave  func(channelID, userID string)
	now      func() time.Time

	mu      sync.RWMutex
	byID    map[string]*channelState
	byName  map[string]*channelState
	pending map[string]struct{} // names reserved by an in-flight Create
	order   []*channelState
}

// HubOption configures optional Hub dependencies.
type HubOption func(*Hub)

// WithChannelStore makes channel creation and membership durable.
func WithChannelStore(cs ChannelStore) HubOption {
	return func(h *Hub) {
		if cs != nil {
			h.channels = cs
		}
	}
}

// WithDeliveryObserver overrides the default log-only delivery observer.
func WithDeliveryObserver(o DeliveryObserver) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithAppendHook registers fn to run after every successful Post append.
func WithAppendHook(fn func(Message)) HubOption {
	return func(h *Hub) { h.onAppend = fn }
}

// WithLeaveHook registers fn to run after a member actually leaves a channel.
// It runs outside the channel lock, so fn may call back into the hub.
func WithLeaveHook(fn func(channelID, userID string)) HubOption {
	return func(h *Hub) { h.onLeave = fn }
}

// WithHubClock overrides the hub clock (tests).
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs a Hub. A nil store falls back to MemoryStore.
func NewHub(log *slog.Logger, registry *Registry, store MessageStore, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	h := &Hub{
		log:      log,
		registry: registry,
		store:    store,
		observer: logObserver{log: log},
		now:      func() time.Time { return time.Now().UTC() },
		byID:     make(map[string]*channelState),
		byName:   make(map[string]*channelState),
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Registry returns the connection registry used for fan-out.
func (h *Hub) Registry() *Registry { return h.registry }

// Store returns the message store.
func (h *Hub) Store() MessageStore { return h.store }

// Load repopulates the hub from the channel store. It is a no-op without one.
func (h *Hub) Load(ctx context.Context) error {
	if h.channels == nil {
		return nil
	}
	recs, err := h.channels.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("hub load: %w", err)
	}

	for _, rec := range recs {
		if err := h.store.CreateLog(ctx, rec.ID); err != nil {
			return fmt.Errorf("hub load: create log %s: %w", rec.ID, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range recs {
		if _, ok := h.byID[rec.ID]; ok {
			continue
		}
		h.insertLocked(newChannelState(rec.ID, rec.Name, rec.CreatedAt, rec.MemberIDs))
	}
	h.log.Info("hub.load", "channels", len(recs))
	return nil
}

func (h *Hub) insertLocked(c *channelState) {
	h.byID[c.id] = c
	h.byName[c.name] = c
	h.order = append(h.order, c)
}

func (h *Hub) channel(channelID string) *channelState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byID[strings.TrimSpace(channelID)]
}

// Create registers a channel named name (trimmed) with creatorID as its first member.
func (h *Hub) Create(ctx context.Context, name, creatorID string) (Channel, error) {
	const op = "hub.Create"

	name, err := NormalizeChannelName(name)
	if err != nil {
		return Channel{}, err
	}
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return Channel{}, opErr(op, ErrInvalidInput, "missing creator")
	}

	if err := h.reserveName(op, name); err != nil {
		return Channel{}, err
	}

	now := h.now()
	c := newChannelState(NewChannelID(now), name, now, []string{creatorID})

	// Store I/O runs without h.mu so lookups on other channels never wait on it.
	if err := h.persistChannel(ctx, c, creatorID); err != nil {
		h.mu.Lock()
		delete(h.pending, name)
		h.mu.Unlock()
		return Channel{}, err
	}

	h.mu.Lock()
	delete(h.pending, name)
	h.insertLocked(c)
	h.mu.Unlock()

	h.log.Info("hub.channel.create", "channel_id", c.id, "name", c.name, "creator", creatorID)
	return c.snapshot(), nil
}

func (h *Hub) reserveName(op, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, taken := h.byName[name]; taken {
		return opErr(op, ErrNameTaken, name)
	}
	if _, inFlight := h.pending[name]; inFlight {
		return opErr(op, ErrNameTaken, name)
	}
	h.pending[name] = struct{}{}
	return nil
}

// persistChannel writes the channel record before its log, so a rejected insert leaves no log behind.
// Durable stores create the log inside InsertChannel; the CreateLog call is then a no-op.
func (h *Hub) persistChannel(ctx context.Context, c *channelState, creatorID string) error {
	const op = "hub.Create"

	if h.channels != nil {
		err := h.channels.InsertChannel(ctx, ChannelRecord{
			ID:        c.id,
			Name:      c.name,
			CreatedAt: c.createdAt,
			MemberIDs: []string{creatorID},
		})
		if err != nil {
			return err
		}
	}
	if err := h.store.CreateLog(ctx, c.id); err != nil {
		return fmt.Errorf("%s: create log: %w", op, err)
	}
	return nil
}

// Join adds userID to channelID. Joining twice returns the current state unchanged.
func (h *Hub) Join(ctx context.Context, channelID, userID string) (Channel, error) {
	const op = "hub.Join"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Channel{}, opErr(op, ErrInvalidInput, "missing user_id")
	}
	c := h.channel(channelID)
	if c == nil {
		return Channel{}, opErr(op, ErrNotFound, "unknown channel_id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.members[userID]; ok {
		return c.snapshotLocked(), nil
	}
	if h.channels != nil {
		if err := h.channels.AddMember(ctx, c.id, userID); err != nil {
			return Channel{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	c.members[userID] = struct{}{}

	h.log.Info("hub.member.join", "channel_id", c.id, "user_id", userID)
	return c.snapshotLocked(), nil
}

// Leave removes userID from channelID. Leaving as a non-member is a no-op.
func (h *Hub) Leave(ctx context.Context, channelID, userID string) (Channel, error) {
	const op = "hub.Leave"

	c := h.channel(channelID)
	if c == nil {
		return Channel{}, opErr(op, ErrNotFound, "unknown channel_id")
	}

	c.mu.Lock()
	if _, ok := c.members[userID]; !ok {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	if h.channels != nil {
		if err := h.channels.RemoveMember(ctx, c.id, userID); err != nil {
			c.mu.Unlock()
			return Channel{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	delete(c.members, userID)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	h.log.Info("hub.member.leave", "channel_id", c.id, "user_id", userID)
	if h.onLeave != nil {
		h.onLeave(c.id, userID)
	}
	return snap, nil
}

// Get returns a snapshot of channelID.
func (h *Hub) Get(channelID string) (Channel, error) {
	c := h.channel(channelID)
	if c == nil {
		return Channel{}, opErr("hub.Get", ErrNotFound, "unknown channel_id")
	}
	return c.snapshot(), nil
}

// IsMember reports whether userID currently belongs to channelID.
func (h *Hub) IsMember(channelID, userID string) bool {
	c := h.channel(channelID)
	return c != nil && c.isMember(userID)
}

// List returns all channels in creation order.
func (h *Hub) List() []Channel {
	h.mu.RLock()
	order := make([]*channelState, len(h.order))
	copy(order, h.order)
	h.mu.RUnlock()

	out := make([]Channel, 0, len(order))
	for _, c := range order {
		out = append(out, c.snapshot())
	}
	return out
}

// Open checks that userID is a member of channelID and returns the channel with its latest page.
func (h *Hub) Open(ctx context.Context, channelID, userID string, limit int) (Channel, PageResult, error) {
	const op = "hub.Open"

	c := h.channel(channelID)
	if c == nil {
		return Channel{}, PageResult{}, opErr(op, ErrNotFound, "unknown channel_id")
	}
	if !c.isMember(userID) {
		return Channel{}, PageResult{}, opErr(op, ErrNotMember, "join the channel first")
	}
	page, err := h.store.Page(ctx, c.id, 1, limit)
	if err != nil {
		return Channel{}, PageResult{}, err
	}
	return c.snapshot(), page, nil
}

// History returns one history page of channelID for a member.
func (h *Hub) History(ctx context.Context, channelID, userID string, page, limit int) (PageResult, error) {
	const op = "hub.History"

	c := h.channel(channelID)
	if c == nil {
		return PageResult{}, opErr(op, ErrNotFound, "unknown channel_id")
	}
	if !c.isMember(userID) {
		return PageResult{}, opErr(op, ErrNotMember, "join the channel first")
	}
	return h.store.Page(ctx, c.id, page, limit)
}

// Post appends text from senderID to channelID and broadcasts it to members.
// It returns the stored message and the number of sessions reached.
func (h *Hub) Post(ctx context.Context, channelID, senderID, text string) (Message, int, error) {
	const op = "hub.Post"

	c := h.channel(channelID)
	if c == nil {
		// Unknown channels are input errors for appends.
		return Message{}, 0, opErr(op, ErrInvalidInput, "unknown channel_id")
	}
	if !c.isMember(senderID) {
		return Message{}, 0, opErr(op, ErrNotMember, "join the channel first")
	}

	// Fan-out is a non-blocking enqueue, so holding postMu never waits on a slow client.
	c.postMu.Lock()
	defer c.postMu.Unlock()

	msg, err := h.store.Append(ctx, c.id, senderID, text)
	if err != nil {
		return Message{}, 0, err
	}
	if h.onAppend != nil {
		h.onAppend(msg)
	}
	return msg, h.BroadcastMessage(msg), nil
}

// BroadcastMessage fans a message_new push out to channel members.
func (h *Hub) BroadcastMessage(msg Message) int {
	env := newEnvelope(v1.TypeMessageNew, ToWireMessage(msg), h.now())
	return h.Broadcast(msg.ChannelID, env)
}

// BroadcastTyping pushes the typing snapshot of channelID to its members.
func (h *Hub) BroadcastTyping(channelID string, userIDs []string) int {
	if userIDs == nil {
		userIDs = []string{}
	}
	env := newEnvelope(v1.TypeTyping, v1.TypingPayload{ChannelID: channelID, UserIDs: userIDs}, h.now())
	return h.Broadcast(channelID, env)
}

// BroadcastPresence pushes the online user set to every live session.
func (h *Hub) BroadcastPresence(userIDs []string) int {
	if userIDs == nil {
		userIDs = []string{}
	}
	env := newEnvelope(v1.TypePresence, v1.PresencePayload{UserIDs: userIDs}, h.now())

	delivered := 0
	for _, s := range h.registry.Snapshot() {
		if h.deliver("", s.ID, s, env) {
			delivered++
		}
	}
	return delivered
}

// Broadcast delivers env to every live session of every current member of channelID.
// It returns the number of sessions reached. Individual failures are reported to the
// DeliveryObserver and never stop the fan-out.
func (h *Hub) Broadcast(channelID string, env v1.Envelope) int {
	c := h.channel(channelID)
	if c == nil {
		h.log.Info("hub.broadcast.unknown_channel", "channel_id", channelID)
		return 0
	}

	delivered := 0
	for _, userID := range c.memberIDs() {
		for _, sessionID := range h.registry.Sessions(userID) {
			sink, ok := h.registry.Sink(sessionID)
			if !ok {
				// Unregistered between Sessions and Sink.
				h.observer.ObserveDelivery(c.id, sessionID, fmt.Errorf("%w: %w", ErrDeliveryFailure, ErrSessionClosed))
				continue
			}
			if h.deliver(c.id, sessionID, sink, env) {
				delivered++
			}
		}
	}
	return delivered
}

func (h *Hub) deliver(channelID, sessionID string, sink Sink, env v1.Envelope) bool {
	err := safeDeliver(sink, env)
	if err != nil {
		h.observer.ObserveDelivery(channelID, sessionID, fmt.Errorf("%w: %w", ErrDeliveryFailure, err))
		return false
	}
	h.observer.ObserveDelivery(channelID, sessionID, nil)
	return true
}

// safeDeliver shields the fan-out loop from a misbehaving Sink.
func safeDeliver(sink Sink, env v1.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("sink panic")
		}
	}()
	return sink.Deliver(env)
}
