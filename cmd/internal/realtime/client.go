package realtime

import (
	"slices"
	"sync"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// Client is one connected websocket session and the delivery Sink registered for it.
//
// Design notes:
// - Send is never closed by the server, so concurrent broadcasters cannot panic.
// - done signals the writer/heartbeat goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time
	Send        chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	joined map[string]struct{}
}

// NewClient constructs a Client with a bounded send queue.
// SessionID is assigned by the ConnectionRegistry on Register.
func NewClient(userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		Send:        make(chan v1.Envelope, sendQueueSize),
		done:        make(chan struct{}),
		joined:      make(map[string]struct{}),
	}
}

// Deliver enqueues env without blocking.
// It fails with ErrSessionClosed after Close and ErrBackpressure when the queue is full.
func (c *Client) Deliver(env v1.Envelope) error {
	if c == nil {
		return ErrSessionClosed
	}
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	select {
	case c.Send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// MarkJoined records the Joined(channelID) state for this session.
func (c *Client) MarkJoined(channelID string) {
	c.mu.Lock()
	c.joined[channelID] = struct{}{}
	c.mu.Unlock()
}

// Joined reports whether the session joined channelID.
func (c *Client) Joined(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.joined[channelID]
	return ok
}

// JoinedCount returns the number of channels the session joined.
func (c *Client) JoinedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.joined)
}

// JoinedIDs returns the sorted channel ids the session joined.
func (c *Client) JoinedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := lo.Keys(c.joined)
	slices.Sort(ids)
	return ids
}
