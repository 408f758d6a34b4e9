package realtime

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
)

// Message is the canonical persisted message representation.
type Message struct {
	ID        string
	ChannelID string
	SenderID  string
	Text      string
	Seq       int64
	CreatedAt time.Time
}

// PageResult is one latest-first history window, ordered by Seq ascending.
type PageResult struct {
	Messages []Message
	HasMore  bool
}

// MessageStore persists and pages channel messages.
//
// Requirements:
//   - Seq starts at 1 per channel, is strictly increasing and gapless
//   - Appends to one channel are mutually exclusive; appends to different channels are not
//   - Page windows are computed from the sequence counter at request time
type MessageStore interface {
	// CreateLog registers the log for channelID. It is idempotent.
	CreateLog(ctx context.Context, channelID string) error
	Append(ctx context.Context, channelID, senderID, text string) (Message, error)
	Page(ctx context.Context, channelID string, page, limit int) (PageResult, error)
	Close() error
}

// pageWindow maps (head, page, limit) to the inclusive sequence range [lo, hi].
// ok is false when the page lies past the oldest message.
func pageWindow(head int64, page, limit int) (lo, hi int64, ok bool) {
	hi = head - int64(page-1)*int64(limit)
	if hi < 1 {
		return 0, 0, false
	}
	lo = hi - int64(limit) + 1
	if lo < 1 {
		lo = 1
	}
	return lo, hi, true
}

// normalizePage validates page and clamps limit to [1, maxPageLimit].
func normalizePage(op string, page, limit int) (int, int, error) {
	if page < 1 {
		return 0, 0, opErr(op, ErrInvalidInput, "page must be >= 1")
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit, nil
}

// normalizeText trims text and enforces the non-empty and length rules.
func normalizeText(op, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", opErr(op, ErrInvalidInput, "empty text")
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return "", opErr(op, ErrInvalidInput, "message too long")
	}
	return text, nil
}

// monotonicAfter returns now, or prev when the wall clock stepped backwards.
func monotonicAfter(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
