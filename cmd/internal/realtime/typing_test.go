package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type typingEvent struct {
	channelID string
	userIDs   []string
}

type typingFixture struct {
	hub     *Hub
	typing  *TypingIndicator
	clock   *fakeClock
	channel Channel

	mu     sync.Mutex
	events []typingEvent
}

func newTypingFixture(t *testing.T, ttl time.Duration) *typingFixture {
	t.Helper()

	f := &typingFixture{hub: newTestHub(t), clock: newFakeClock()}
	ch, err := f.hub.Create(context.Background(), "general", "alice")
	require.NoError(t, err)
	_, err = f.hub.Join(context.Background(), ch.ID, "bob")
	require.NoError(t, err)
	f.channel = ch

	f.typing = NewTypingIndicator(nil, f.hub, ttl,
		WithTypingClock(f.clock.Now),
		WithTypingNotifier(func(channelID string, userIDs []string) {
			f.mu.Lock()
			f.events = append(f.events, typingEvent{channelID: channelID, userIDs: userIDs})
			f.mu.Unlock()
		}),
	)
	return f
}

func (f *typingFixture) snapshots() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.userIDs)
	}
	return out
}

func TestTyping_ExpiresAfterTTL(t *testing.T) {
	req := require.New(t)
	f := newTypingFixture(t, 5*time.Second)
	id := f.channel.ID

	req.NoError(f.typing.SetTyping(id, "alice"))
	req.Equal([]string{"alice"}, f.typing.ActiveTypers(id))

	f.clock.Advance(4 * time.Second)
	req.Equal([]string{"alice"}, f.typing.ActiveTypers(id))

	// Expired entries are never returned, even before the sweeper runs.
	f.clock.Advance(2 * time.Second)
	req.Empty(f.typing.ActiveTypers(id))

	req.Equal(1, f.typing.Sweep())
	req.Equal([][]string{{"alice"}, {}}, f.snapshots())
}

func TestTyping_ClearRemovesImmediately(t *testing.T) {
	req := require.New(t)
	f := newTypingFixture(t, time.Minute)
	id := f.channel.ID

	req.NoError(f.typing.SetTyping(id, "alice"))
	req.NoError(f.typing.SetTyping(id, "bob"))
	f.typing.ClearTyping(id, "alice")

	req.Equal([]string{"bob"}, f.typing.ActiveTypers(id))
	req.Equal([][]string{{"alice"}, {"alice", "bob"}, {"bob"}}, f.snapshots())

	// Clearing a user who is not typing changes nothing.
	f.typing.ClearTyping(id, "alice")
	req.Len(f.snapshots(), 3)
}

func TestTyping_RefreshDoesNotRenotify(t *testing.T) {
	req := require.New(t)
	f := newTypingFixture(t, 5*time.Second)
	id := f.channel.ID

	req.NoError(f.typing.SetTyping(id, "alice"))
	f.clock.Advance(3 * time.Second)
	req.NoError(f.typing.SetTyping(id, "alice"))
	req.Len(f.snapshots(), 1)

	// The refresh extended the entry.
	f.clock.Advance(3 * time.Second)
	req.Equal([]string{"alice"}, f.typing.ActiveTypers(id))

	// Typing again after expiry is a fresh start and notifies.
	f.clock.Advance(10 * time.Second)
	req.NoError(f.typing.SetTyping(id, "alice"))
	req.Len(f.snapshots(), 2)
}

func TestTyping_RequiresChannelAndMembership(t *testing.T) {
	req := require.New(t)
	f := newTypingFixture(t, time.Second)

	req.ErrorIs(f.typing.SetTyping("missing", "alice"), ErrNotFound)
	req.ErrorIs(f.typing.SetTyping(f.channel.ID, "carol"), ErrNotMember)
	req.ErrorIs(f.typing.SetTyping(f.channel.ID, ""), ErrInvalidInput)
	req.Empty(f.snapshots())
}

func TestTyping_ChannelsAreIndependent(t *testing.T) {
	req := require.New(t)
	f := newTypingFixture(t, time.Minute)

	other, err := f.hub.Create(context.Background(), "random", "alice")
	req.NoError(err)

	req.NoError(f.typing.SetTyping(f.channel.ID, "alice"))
	req.NoError(f.typing.SetTyping(other.ID, "alice"))
	f.typing.ClearTyping(other.ID, "alice")

	req.Equal([]string{"alice"}, f.typing.ActiveTypers(f.channel.ID))
	req.Empty(f.typing.ActiveTypers(other.ID))
}

func TestTyping_DefaultNotifierBroadcastsToMembers(t *testing.T) {
	req := require.New(t)
	h := newTestHub(t)
	ctx := context.Background()

	ch, err := h.Create(ctx, "general", "alice")
	req.NoError(err)
	_, err = h.Join(ctx, ch.ID, "bob")
	req.NoError(err)

	bob := &recordingSink{}
	_, err = h.Registry().Register("bob", bob)
	req.NoError(err)

	typing := NewTypingIndicator(nil, h, 0)
	req.Equal(DefaultTypingTTL, typing.TTL())
	req.NoError(typing.SetTyping(ch.ID, "alice"))

	req.Len(bob.types(), 1)
}

func TestTyping_RunSweepsUntilCancelled(t *testing.T) {
	req := require.New(t)
	f := newTypingFixture(t, 200*time.Millisecond)
	id := f.channel.ID

	req.NoError(f.typing.SetTyping(id, "alice"))
	f.clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.typing.Run(ctx)
	}()

	req.Eventually(func() bool { return len(f.snapshots()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
