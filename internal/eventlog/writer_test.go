package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/store"
)

func newTestWriter(t *testing.T, maxSegmentBytes int64, maxSegments int) (*Writer, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir(), nil)
	record := &store.SessionRecord{
		ID:           "sess-1",
		AgentCommand: "mock-agent",
		Cwd:          "/work",
		CreatedAt:    time.Now().UTC(),
		LastUsedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.Write(record))

	w, err := Open(context.Background(), st, record, maxSegmentBytes, maxSegments, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(false) })
	return w, st
}

func TestAppendAndList(t *testing.T) {
	w, st := newTestWriter(t, 1<<20, 10)

	first := w.NewEvent(Draft{Type: TypeTurnStarted, Data: map[string]any{"message": "hi"}, RequestID: "req-1"})
	second := w.NewEvent(Draft{Type: TypeOutputDelta, Data: map[string]any{"kind": DeltaKindMessage, "text": "hello"}})
	require.NoError(t, w.AppendEvents([]Event{first, second}, true))

	events, err := ListSessionEvents(st, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, TypeTurnStarted, events[0].Type)
	assert.Equal(t, "hi", events[0].Data["message"])

	t.Run("checkpoint advanced the record cursor", func(t *testing.T) {
		record, err := st.Read("sess-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), record.LastSeq)
		assert.Equal(t, "req-1", record.LastRequestID)
		assert.NotEmpty(t, record.EventLog.ActivePath)
		assert.Equal(t, 1, record.EventLog.SegmentCount)
		require.NotNil(t, record.EventLog.LastWriteAt)
	})
}

func TestAppendRejectsSeqMismatch(t *testing.T) {
	w, _ := newTestWriter(t, 1<<20, 10)

	e := w.NewEvent(Draft{Type: TypeCancelRequested})
	require.NoError(t, w.AppendEvents([]Event{e}, false))

	t.Run("replaying the same event fails", func(t *testing.T) {
		err := w.AppendEvents([]Event{e}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "seq")
	})

	t.Run("gap fails", func(t *testing.T) {
		gap := w.NewEvent(Draft{Type: TypeCancelRequested})
		gap.Seq += 5
		err := w.AppendEvents([]Event{gap}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "seq")
	})
}

func TestAppendRejectsMalformedEvent(t *testing.T) {
	w, st := newTestWriter(t, 1<<20, 10)

	t.Run("unknown type", func(t *testing.T) {
		e := w.NewEvent(Draft{Type: "mystery"})
		assert.Error(t, w.AppendEvents([]Event{e}, false))
	})

	t.Run("missing required data field", func(t *testing.T) {
		e := w.NewEvent(Draft{Type: TypeTurnDone, Data: map[string]any{}})
		assert.Error(t, w.AppendEvents([]Event{e}, false))
	})

	t.Run("camelCase data key", func(t *testing.T) {
		e := w.NewEvent(Draft{Type: TypeTurnDone, Data: map[string]any{
			"stop_reason": "end_turn",
			"durationMs":  12,
		}})
		err := w.AppendEvents([]Event{e}, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "snake_case")
	})

	t.Run("nothing was persisted", func(t *testing.T) {
		events, err := ListSessionEvents(st, "sess-1")
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestAppendRecoversAfterRejectedBatch(t *testing.T) {
	w, st := newTestWriter(t, 1<<20, 10)

	bad := w.NewEvent(Draft{Type: "mystery"})
	require.Error(t, w.AppendEvents([]Event{bad}, false))

	t.Run("rejected draft does not reserve a sequence number", func(t *testing.T) {
		next := w.NewEvent(Draft{Type: TypeCancelRequested})
		assert.Equal(t, int64(1), next.Seq)
		require.NoError(t, w.AppendEvents([]Event{next}, false))
	})

	t.Run("rejection mid-stream keeps the chain intact", func(t *testing.T) {
		invalid := w.NewEvent(Draft{Type: TypeTurnDone, Data: map[string]any{}})
		require.Error(t, w.AppendEvents([]Event{invalid}, false))

		good := w.NewEvent(Draft{Type: TypeCancelRequested})
		assert.Equal(t, int64(2), good.Seq)
		require.NoError(t, w.AppendEvents([]Event{good}, false))
	})

	events, err := ListSessionEvents(st, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestSegmentRotation(t *testing.T) {
	w, st := newTestWriter(t, 1, 7)

	counts := make([]int, 0, 8)
	for k := 1; k <= 8; k++ {
		e := w.NewEvent(Draft{Type: TypeUpdate, Data: map[string]any{
			"update": map[string]any{"update": fmt.Sprintf("event-%d", k)},
		}})
		require.NoError(t, w.AppendEvents([]Event{e}, false))
		counts = append(counts, w.Record().EventLog.SegmentCount)
	}

	t.Run("events replay in seq order across segments", func(t *testing.T) {
		events, err := ListSessionEvents(st, "sess-1")
		require.NoError(t, err)
		require.Len(t, events, 8)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Seq)
		}
	})

	t.Run("segment count grows monotonically", func(t *testing.T) {
		assert.Equal(t, 3, counts[2])
		for i := 1; i < len(counts); i++ {
			assert.GreaterOrEqual(t, counts[i], counts[i-1])
		}
	})

	t.Run("seven segments plus the active file", func(t *testing.T) {
		eventsDir := filepath.Join(st.SessionDir("sess-1"), "events")
		entries, err := os.ReadDir(eventsDir)
		require.NoError(t, err)
		assert.Len(t, entries, 8)
		_, err = os.Stat(filepath.Join(eventsDir, "active.ndjson"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(eventsDir, "7.ndjson"))
		assert.NoError(t, err)
	})
}

func TestRotationDropsOldestPastLimit(t *testing.T) {
	w, st := newTestWriter(t, 1, 2)

	for k := 1; k <= 5; k++ {
		e := w.NewEvent(Draft{Type: TypeCancelRequested})
		require.NoError(t, w.AppendEvents([]Event{e}, false))
	}

	events, err := ListSessionEvents(st, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)
	assert.Equal(t, 3, w.Record().EventLog.SegmentCount)
}

func TestReaderSkipsInvalidLines(t *testing.T) {
	w, st := newTestWriter(t, 1<<20, 10)
	e := w.NewEvent(Draft{Type: TypeCancelRequested})
	require.NoError(t, w.AppendEvents([]Event{e}, false))

	active := filepath.Join(st.SessionDir("sess-1"), "events", "active.ndjson")
	f, err := os.OpenFile(active, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not-json\n{\"schema\":\"acpx.event.v1\",\"type\":\"future_thing\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ListSessionEvents(st, "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TypeCancelRequested, events[0].Type)
}

func TestLockContention(t *testing.T) {
	st := store.New(t.TempDir(), nil)
	sessionDir := st.SessionDir("sess-1")

	lock, err := AcquireLock(context.Background(), sessionDir)
	require.NoError(t, err)

	t.Run("second acquire blocks until released", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := AcquireLock(ctx, sessionDir)
		assert.Error(t, err)
	})

	require.NoError(t, lock.Release())

	t.Run("acquire succeeds after release", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		again, err := AcquireLock(ctx, sessionDir)
		require.NoError(t, err)
		require.NoError(t, again.Release())
	})

	t.Run("clear removes a leftover lock", func(t *testing.T) {
		_, err := AcquireLock(context.Background(), sessionDir)
		require.NoError(t, err)
		require.NoError(t, ClearLock(sessionDir))
		_, err = os.Stat(LockPath(sessionDir))
		assert.True(t, os.IsNotExist(err))
	})
}
