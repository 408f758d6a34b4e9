package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewULID_SortsByTime(t *testing.T) {
	t.Parallel()
	req := require.New(t)

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a, err := NewULID(t0)
	req.NoError(err)
	b, err := NewULID(t0.Add(time.Second))
	req.NoError(err)

	req.Len(a, 26)
	req.True(IsULID(a))
	req.Less(a, b)
}

func TestNewULID_ZeroTimeUsesNow(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	require.NoError(t, err)
	require.True(t, IsULID(id))
}

func TestNewEnvelopeID_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id := NewEnvelopeID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate envelope id %q", id)
		seen[id] = struct{}{}
	}
}

func TestIsULID_RejectsGarbage(t *testing.T) {
	t.Parallel()

	require.False(t, IsULID(""))
	require.False(t, IsULID("not-a-ulid"))
}
