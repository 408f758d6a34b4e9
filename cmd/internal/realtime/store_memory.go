package realtime

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the default MessageStore when no durable backend is configured.
//
// Concurrency model:
//   - mu guards the channel -> log map only
//   - each memLog has its own mutex, so appends to different channels never contend
type MemoryStore struct {
	now func() time.Time

	mu   sync.RWMutex
	logs map[string]*memLog
}

type memLog struct {
	mu   sync.RWMutex
	msgs []Message // msgs[i].Seq == i+1
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for CreatedAt (tests).
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an in-memory MessageStore implementation.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:  func() time.Time { return time.Now().UTC() },
		logs: make(map[string]*memLog),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// CreateLog registers an empty log for channelID.
func (s *MemoryStore) CreateLog(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return opErr("store.CreateLog", ErrInvalidInput, "missing channel_id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[channelID]; !ok {
		s.logs[channelID] = &memLog{msgs: make([]Message, 0, 64)}
	}
	return nil
}

func (s *MemoryStore) log(channelID string) *memLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[channelID]
}

// Append assigns the next sequence for channelID and records the message.
func (s *MemoryStore) Append(ctx context.Context, channelID, senderID, text string) (Message, error) {
	const op = "store.Append"

	text, err := normalizeText(op, text)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(senderID) == "" {
		return Message{}, opErr(op, ErrInvalidInput, "missing sender_id")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	l := s.log(channelID)
	if l == nil {
		return Message{}, opErr(op, ErrInvalidInput, "unknown channel_id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := s.now()
	if n := len(l.msgs); n > 0 {
		now = monotonicAfter(l.msgs[n-1].CreatedAt, now)
	}

	msg := Message{
		ID:        NewMessageID(now),
		ChannelID: channelID,
		SenderID:  senderID,
		Text:      text,
		Seq:       int64(len(l.msgs)) + 1,
		CreatedAt: now,
	}
	l.msgs = append(l.msgs, msg)
	return msg, nil
}

// Page returns the latest-first window for page/limit, ordered by Seq ascending.
func (s *MemoryStore) Page(ctx context.Context, channelID string, page, limit int) (PageResult, error) {
	const op = "store.Page"

	page, limit, err := normalizePage(op, page, limit)
	if err != nil {
		return PageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PageResult{}, err
	}

	l := s.log(channelID)
	if l == nil {
		return PageResult{}, opErr(op, ErrNotFound, "unknown channel_id")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	lo, hi, ok := pageWindow(int64(len(l.msgs)), page, limit)
	if !ok {
		return PageResult{Messages: []Message{}, HasMore: false}, nil
	}

	out := make([]Message, hi-lo+1)
	copy(out, l.msgs[lo-1:hi])
	return PageResult{Messages: out, HasMore: lo > 1}, nil
}

var _ MessageStore = (*MemoryStore)(nil)
