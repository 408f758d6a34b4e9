package realtime

import (
	"context"
	"time"
)

// ChannelRecord is the durable form of a channel.
type ChannelRecord struct {
	ID        string
	Name      string
	CreatedAt time.Time
	MemberIDs []string
}

// ChannelStore persists channels and membership so the hub survives restarts.
// The hub stays the runtime authority; the store is written through before memory changes.
type ChannelStore interface {
	// LoadChannels returns every channel ordered by creation.
	LoadChannels(ctx context.Context) ([]ChannelRecord, error)
	// InsertChannel stores a new channel with its initial members.
	// It returns ErrNameTaken when the name already exists.
	InsertChannel(ctx context.Context, rec ChannelRecord) error
	// AddMember is idempotent.
	AddMember(ctx context.Context, channelID, userID string) error
	// RemoveMember is idempotent.
	RemoveMember(ctx context.Context, channelID, userID string) error
}
