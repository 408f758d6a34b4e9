package realtime

import (
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
)

const (
	minChannelNameChars = 2
	maxChannelNameChars = 64
)

// Channel is an immutable snapshot of a channel and its members.
type Channel struct {
	ID        string
	Name      string
	CreatedAt time.Time
	MemberIDs []string
}

// MemberCount returns len(MemberIDs).
func (c Channel) MemberCount() int { return len(c.MemberIDs) }

// HasMember reports whether userID is in the snapshot.
func (c Channel) HasMember(userID string) bool { return slices.Contains(c.MemberIDs, userID) }

// channelState is the hub-owned mutable channel.
// Its own lock guards membership, so channels never contend with each other.
type channelState struct {
	id        string
	name      string
	createdAt time.Time

	mu      sync.RWMutex
	members map[string]struct{}

	// postMu spans append and fan-out so members see messages in sequence order.
	postMu sync.Mutex
}

func newChannelState(id, name string, createdAt time.Time, members []string) *channelState {
	c := &channelState{
		id:        id,
		name:      name,
		createdAt: createdAt,
		members:   make(map[string]struct{}, len(members)),
	}
	for _, m := range members {
		c.members[m] = struct{}{}
	}
	return c
}

func (c *channelState) isMember(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[userID]
	return ok
}

func (c *channelState) memberIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberIDsLocked()
}

func (c *channelState) memberIDsLocked() []string {
	ids := lo.Keys(c.members)
	slices.Sort(ids)
	return ids
}

func (c *channelState) snapshot() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *channelState) snapshotLocked() Channel {
	return Channel{
		ID:        c.id,
		Name:      c.name,
		CreatedAt: c.createdAt,
		MemberIDs: c.memberIDsLocked(),
	}
}

// NormalizeChannelName trims name and enforces the length rules.
func NormalizeChannelName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < minChannelNameChars {
		return "", opErr("hub.Create", ErrInvalidName, "name must be at least 2 characters")
	}
	if n > maxChannelNameChars {
		return "", opErr("hub.Create", ErrInvalidName, "name must be at most 64 characters")
	}
	return name, nil
}
