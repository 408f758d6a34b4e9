package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPageWindow(t *testing.T) {
	tests := []struct {
		name           string
		head           int64
		page, limit    int
		wantLo, wantHi int64
		wantOK         bool
	}{
		{name: "latest page", head: 12, page: 1, limit: 5, wantLo: 8, wantHi: 12, wantOK: true},
		{name: "middle page", head: 12, page: 2, limit: 5, wantLo: 3, wantHi: 7, wantOK: true},
		{name: "short oldest page", head: 12, page: 3, limit: 5, wantLo: 1, wantHi: 2, wantOK: true},
		{name: "past the end", head: 12, page: 5, limit: 20, wantOK: false},
		{name: "empty log", head: 0, page: 1, limit: 20, wantOK: false},
		{name: "exact fit", head: 20, page: 1, limit: 20, wantLo: 1, wantHi: 20, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := pageWindow(tt.head, tt.page, tt.limit)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if lo != tt.wantLo || hi != tt.wantHi {
				t.Fatalf("window: got [%d,%d] want [%d,%d]", lo, hi, tt.wantLo, tt.wantHi)
			}
		})
	}
}

func TestNormalizePage(t *testing.T) {
	req := require.New(t)

	_, _, err := normalizePage("op", 0, 10)
	req.ErrorIs(err, ErrInvalidInput)

	_, limit, err := normalizePage("op", 1, 0)
	req.NoError(err)
	req.Equal(defaultPageLimit, limit)

	_, limit, err = normalizePage("op", 1, 10_000)
	req.NoError(err)
	req.Equal(maxPageLimit, limit)
}

func TestMonotonicAfter(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, base, monotonicAfter(base, base.Add(-time.Second)))
	require.Equal(t, base.Add(time.Second), monotonicAfter(base, base.Add(time.Second)))
}

func TestMemoryStore_Contract(t *testing.T) {
	testMessageStoreContract(t, func(t *testing.T) MessageStore { return NewMemoryStore() })
}

func TestMemoryStore_CreatedAtNeverDecreases(t *testing.T) {
	req := require.New(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	s := NewMemoryStore(WithMemoryClock(func() time.Time {
		now := clock[i]
		i++
		return now
	}))

	ctx := context.Background()
	req.NoError(s.CreateLog(ctx, "c1"))

	m1, err := s.Append(ctx, "c1", "alice", "one")
	req.NoError(err)
	m2, err := s.Append(ctx, "c1", "alice", "two")
	req.NoError(err)
	m3, err := s.Append(ctx, "c1", "alice", "three")
	req.NoError(err)

	req.Equal(base, m1.CreatedAt)
	req.Equal(base, m2.CreatedAt)
	req.Equal(base.Add(time.Second), m3.CreatedAt)
}

// testMessageStoreContract exercises the behaviour every MessageStore backend shares.
func testMessageStoreContract(t *testing.T, newStore func(t *testing.T) MessageStore) {
	t.Run("unknown channel", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Append(ctx, "missing", "alice", "hi")
		req.ErrorIs(err, ErrInvalidInput)

		_, err = s.Page(ctx, "missing", 1, 20)
		req.ErrorIs(err, ErrNotFound)
	})

	t.Run("rejects empty and oversized text", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		req.NoError(s.CreateLog(ctx, "c1"))

		_, err := s.Append(ctx, "c1", "alice", "   ")
		req.ErrorIs(err, ErrInvalidInput)

		long := make([]rune, maxMessageChars+1)
		for i := range long {
			long[i] = 'x'
		}
		_, err = s.Append(ctx, "c1", "alice", string(long))
		req.ErrorIs(err, ErrInvalidInput)

		page, err := s.Page(ctx, "c1", 1, 20)
		req.NoError(err)
		req.Empty(page.Messages)
		req.False(page.HasMore)
	})

	t.Run("create log is idempotent", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()

		req.NoError(s.CreateLog(ctx, "c1"))
		_, err := s.Append(ctx, "c1", "alice", "first")
		req.NoError(err)
		req.NoError(s.CreateLog(ctx, "c1"))

		msg, err := s.Append(ctx, "c1", "alice", "second")
		req.NoError(err)
		req.Equal(int64(2), msg.Seq)
	})

	t.Run("append trims and is readable", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		req.NoError(s.CreateLog(ctx, "c1"))

		msg, err := s.Append(ctx, "c1", "alice", "  hello  ")
		req.NoError(err)
		req.Equal("hello", msg.Text)
		req.Equal(int64(1), msg.Seq)
		req.NotEmpty(msg.ID)

		page, err := s.Page(ctx, "c1", 1, 20)
		req.NoError(err)
		req.Len(page.Messages, 1)
		req.Equal(msg.ID, page.Messages[0].ID)
		req.Equal("alice", page.Messages[0].SenderID)
	})

	t.Run("page past the end is empty", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		req.NoError(s.CreateLog(ctx, "c1"))
		for i := 0; i < 12; i++ {
			_, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i+1))
			req.NoError(err)
		}

		page, err := s.Page(ctx, "c1", 5, 20)
		req.NoError(err)
		req.Empty(page.Messages)
		req.False(page.HasMore)

		_, err = s.Page(ctx, "c1", 0, 20)
		req.ErrorIs(err, ErrInvalidInput)
	})

	t.Run("reverse page concatenation reproduces history", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		req.NoError(s.CreateLog(ctx, "c1"))

		const total = 23
		for i := 1; i <= total; i++ {
			_, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i))
			req.NoError(err)
		}

		var pages [][]Message
		for p := 1; ; p++ {
			res, err := s.Page(ctx, "c1", p, 5)
			req.NoError(err)
			req.NotEmpty(res.Messages)
			pages = append(pages, res.Messages)
			if !res.HasMore {
				break
			}
		}
		req.Len(pages, 5)

		var history []string
		for i := len(pages) - 1; i >= 0; i-- {
			for _, m := range pages[i] {
				history = append(history, m.Text)
			}
		}
		req.Len(history, total)
		for i, text := range history {
			req.Equal(fmt.Sprintf("m%d", i+1), text)
		}
	})

	t.Run("pages already served are stable under appends", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		req.NoError(s.CreateLog(ctx, "c1"))
		for i := 1; i <= 10; i++ {
			_, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i))
			req.NoError(err)
		}

		before, err := s.Page(ctx, "c1", 1, 5)
		req.NoError(err)
		_, err = s.Append(ctx, "c1", "bob", "late")
		req.NoError(err)

		req.Equal([]int64{6, 7, 8, 9, 10}, seqsOf(before.Messages))

		after, err := s.Page(ctx, "c1", 1, 5)
		req.NoError(err)
		req.Equal([]int64{7, 8, 9, 10, 11}, seqsOf(after.Messages))
	})

	t.Run("concurrent appends are gapless", func(t *testing.T) {
		req := require.New(t)
		s := newStore(t)
		ctx := context.Background()
		req.NoError(s.CreateLog(ctx, "a"))
		req.NoError(s.CreateLog(ctx, "b"))

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, 2*n)
		for i := 0; i < n; i++ {
			for _, ch := range []string{"a", "b"} {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Append(ctx, ch, "alice", fmt.Sprintf("%s-%d", ch, i)); err != nil {
						errs <- err
					}
				}()
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			req.NoError(err)
		}

		for _, ch := range []string{"a", "b"} {
			page, err := s.Page(ctx, ch, 1, 200)
			req.NoError(err)
			req.False(page.HasMore)

			seqs := seqsOf(page.Messages)
			req.True(slices.IsSorted(seqs))
			req.Len(seqs, n)
			for i, seq := range seqs {
				req.Equal(int64(i+1), seq)
			}
			for i := 1; i < len(page.Messages); i++ {
				req.False(page.Messages[i].CreatedAt.Before(page.Messages[i-1].CreatedAt))
			}
		}
	})
}
