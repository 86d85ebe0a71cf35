package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entropycalc/internal/fhe"
)

func TestJournalAppendAndQuery(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	h := fhe.Handle{1}

	require.NoError(t, j.Emit(ctx, Event{Kind: EventValuesInitialized, Principal: "alice"}))
	require.NoError(t, j.Emit(ctx, Event{Kind: EventEntropyRequested, RequestID: "r1", Principal: "alice"}))
	require.NoError(t, j.Emit(ctx, Event{Kind: EventEntropyAdditionPerformed, RequestID: "r1", Result: &h}))

	assert.Equal(t, 3, j.Len())
	all := j.Events(0)
	require.Len(t, all, 3)
	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	tail := j.Events(2)
	require.Len(t, tail, 1)
	assert.Equal(t, EventEntropyAdditionPerformed, tail[0].Kind)
	assert.Nil(t, j.Events(3))

	assert.Len(t, j.ForRequest("r1"), 2)
	assert.Len(t, j.ByKind(EventValuesInitialized), 1)
}

func TestJournalFileRoundTrip(t *testing.T) {
	j := NewJournal()
	ctx := context.Background()
	h := fhe.Handle{0xaa, 0xbb}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Emit(ctx, Event{Kind: EventValuesInitialized, Principal: "alice", Time: at}))
	require.NoError(t, j.Emit(ctx, Event{Kind: EventAdditionPerformed, Result: &h, Time: at}))

	path := filepath.Join(t.TempDir(), "journal.json")
	require.NoError(t, j.SaveToFile(path))

	loaded, err := LoadJournalFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, j.Events(0), loaded.Events(0))

	// Appending continues the sequence.
	require.NoError(t, loaded.Emit(ctx, Event{Kind: EventSubtractionPerformed}))
	assert.Equal(t, uint64(3), loaded.Events(2)[0].Seq)
}

func TestLoadJournalRejectsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"seq":1,"kind":"ValuesInitialized"},{"seq":3,"kind":"AdditionPerformed"}]`), 0o600))

	_, err := LoadJournalFromFile(path)
	assert.Error(t, err)
}

func TestMemoryRequests(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRequests()

	state, err := m.State(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RequestUnknown, state)
	assert.ErrorIs(t, m.Consume(ctx, "r1"), ErrUnknownOrConsumedRequest)

	require.NoError(t, m.Record(ctx, "r1"))
	require.NoError(t, m.Record(ctx, "r2"))
	assert.ErrorIs(t, m.Record(ctx, "r1"), ErrDuplicateRequest)

	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Consume(ctx, "r1"))
	assert.ErrorIs(t, m.Consume(ctx, "r1"), ErrUnknownOrConsumedRequest)
	assert.ErrorIs(t, m.Record(ctx, "r1"), ErrDuplicateRequest)

	state, err = m.State(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RequestConsumed, state)
	assert.Equal(t, "consumed", state.String())

	n, err = m.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
