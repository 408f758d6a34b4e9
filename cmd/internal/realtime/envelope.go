package realtime

import (
	"encoding/json"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/samber/lo"
)

// newEnvelope marshals payload into a v1 envelope.
// Payload types are plain structs from the contract package, so marshalling cannot fail.
func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts,
		Payload: raw,
	}
}

// ToWireMessage converts a stored message to its wire form.
func ToWireMessage(m Message) v1.Message {
	return v1.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Seq:       m.Seq,
		CreatedAt: m.CreatedAt,
	}
}

// ToWireMessages converts a page of stored messages, never returning nil.
func ToWireMessages(ms []Message) []v1.Message {
	if len(ms) == 0 {
		return []v1.Message{}
	}
	return lo.Map(ms, func(m Message, _ int) v1.Message { return ToWireMessage(m) })
}

// ToWireChannel converts a channel snapshot to its wire form.
func ToWireChannel(c Channel) v1.Channel {
	members := c.MemberIDs
	if members == nil {
		members = []string{}
	}
	return v1.Channel{
		ID:          c.ID,
		Name:        c.Name,
		MemberIDs:   members,
		MemberCount: len(members),
		CreatedAt:   c.CreatedAt,
	}
}
