package transcripts

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	require.Error(t, err)
}

func TestStore_AppendAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, Entry{
			SubjectID:       "42",
			Question:        fmt.Sprintf("q%d", i),
			Answer:          fmt.Sprintf("a%d", i),
			ConfidenceScore: 0.5,
			CreatedAt:       at.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, Entry{SubjectID: "7", Question: "other", Answer: "x"})
	require.NoError(t, err)

	items, err := s.List(ctx, "42", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "q0", items[0].Question)
	assert.Equal(t, "a2", items[2].Answer)
	assert.Equal(t, at, items[0].CreatedAt)

	recent, err := s.List(ctx, "42", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q1", recent[0].Question)
	assert.Equal(t, "q2", recent[1].Question)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Subjects: 2, Exchanges: 4}, st)
}

func TestStore_AppendRequiresSubject(t *testing.T) {
	s := newStore(t)
	_, err := s.Append(context.Background(), Entry{Question: "q"})
	require.Error(t, err)
}

func TestStore_Clear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, Entry{SubjectID: "42", Question: "q", Answer: "a"})
	require.NoError(t, err)

	n, err := s.Clear(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := s.List(ctx, "42", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}
