package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/acpx/internal/store"
)

const (
	activeSegment = "active.ndjson"
	eventsSubdir  = "events"
)

// Writer appends validated events to a session's log while holding the
// events lock. One writer exists per session at a time; the lock enforces
// that across processes.
type Writer struct {
	store  *store.Store
	record *store.SessionRecord
	lock   *Lock
	log    *slog.Logger

	eventsDir string
	draftSeq  int64
}

// Open acquires the session's events lock and prepares the segment
// directory. Limits missing from the record are filled from the arguments.
func Open(ctx context.Context, st *store.Store, record *store.SessionRecord, maxSegmentBytes int64, maxSegments int, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	sessionDir := st.SessionDir(record.ID)
	lock, err := AcquireLock(ctx, sessionDir)
	if err != nil {
		return nil, err
	}

	eventsDir := filepath.Join(sessionDir, eventsSubdir)
	if err := os.MkdirAll(eventsDir, 0o700); err != nil {
		lock.Release()
		return nil, fmt.Errorf("creating events directory: %w", err)
	}

	if record.EventLog.MaxSegmentBytes == 0 {
		record.EventLog.MaxSegmentBytes = maxSegmentBytes
	}
	if record.EventLog.MaxSegments == 0 {
		record.EventLog.MaxSegments = maxSegments
	}

	return &Writer{
		store:     st,
		record:    record,
		lock:      lock,
		log:       log.With("component", "eventlog", "session", record.ID),
		eventsDir: eventsDir,
		draftSeq:  record.LastSeq,
	}, nil
}

// Record returns the record the writer is cursoring.
func (w *Writer) Record() *store.SessionRecord { return w.record }

// NewEvent stamps a draft with id, session ids, the next sequence number,
// and the current time. It does not persist anything.
func (w *Writer) NewEvent(d Draft) Event {
	w.draftSeq++
	acpID := d.ACPSessionID
	if acpID == "" {
		acpID = w.record.ACPSessionID
	}
	agentID := d.AgentSessionID
	if agentID == "" {
		agentID = w.record.AgentSessionID
	}
	return Event{
		Schema:         Schema,
		EventID:        uuid.NewString(),
		SessionID:      w.record.ID,
		ACPSessionID:   acpID,
		AgentSessionID: agentID,
		RequestID:      d.RequestID,
		Seq:            w.draftSeq,
		TS:             time.Now().UTC(),
		Type:           d.Type,
		Data:           d.Data,
	}
}

// AppendEvents validates and appends events as NDJSON lines, rotating the
// active segment when full. The record cursor advances only after all lines
// hit the disk; checkpoint additionally rewrites the record atomically.
func (w *Writer) AppendEvents(events []Event, checkpoint bool) error {
	if len(events) == 0 {
		if checkpoint {
			return w.Checkpoint()
		}
		return nil
	}
	// Rejected or partially written batches must not leave the draft counter
	// ahead of the cursor: later drafts would fail the monotonicity check
	// forever. Resync to whatever actually landed, on every path.
	defer func() {
		w.draftSeq = w.record.LastSeq
	}()

	expected := w.record.LastSeq + 1
	for i, e := range events {
		if err := ValidateEvent(e); err != nil {
			return err
		}
		if err := CheckKeys(e, EventKeyPolicy); err != nil {
			return fmt.Errorf("event %s: %w", e.EventID, err)
		}
		if e.SessionID != w.record.ID {
			return fmt.Errorf("event %s: session_id %s does not match record %s", e.EventID, e.SessionID, w.record.ID)
		}
		if e.Seq != expected+int64(i) {
			return fmt.Errorf("event %s: seq %d, want %d", e.EventID, e.Seq, expected+int64(i))
		}
	}

	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", e.EventID, err)
		}
		if err := w.appendLine(line); err != nil {
			w.record.EventLog.LastWriteError = err.Error()
			return err
		}
		now := e.TS
		w.record.LastSeq = e.Seq
		if e.RequestID != "" {
			w.record.LastRequestID = e.RequestID
		}
		w.record.Touch(now)
		w.record.EventLog.ActivePath = filepath.Join(w.eventsDir, activeSegment)
		w.record.EventLog.LastWriteAt = &now
		w.record.EventLog.LastWriteError = ""
		w.record.EventLog.SegmentCount = w.countSegments() + 1
	}

	if checkpoint {
		return w.Checkpoint()
	}
	return nil
}

// Checkpoint atomically rewrites the session record, enforcing the persisted
// key policy first.
func (w *Writer) Checkpoint() error {
	if err := CheckKeys(w.record, RecordKeyPolicy); err != nil {
		return fmt.Errorf("record %s: %w", w.record.ID, err)
	}
	return w.store.Write(w.record)
}

// Close checkpoints (optionally) and releases the events lock.
func (w *Writer) Close(checkpoint bool) error {
	var err error
	if checkpoint {
		err = w.Checkpoint()
	}
	if rerr := w.lock.Release(); err == nil {
		err = rerr
	}
	return err
}

func (w *Writer) activePath() string {
	return filepath.Join(w.eventsDir, activeSegment)
}

func (w *Writer) segmentPath(n int) string {
	return filepath.Join(w.eventsDir, strconv.Itoa(n)+".ndjson")
}

func (w *Writer) appendLine(line []byte) error {
	size := int64(0)
	if info, err := os.Stat(w.activePath()); err == nil {
		size = info.Size()
	}
	if size > 0 && size+int64(len(line))+1 > w.record.EventLog.MaxSegmentBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(w.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening active segment: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("appending event: %w", werr)
	}
	return nil
}

// rotate shifts numbered segments up by one, dropping the oldest, then moves
// the active segment into slot 1.
func (w *Writer) rotate() error {
	max := w.record.EventLog.MaxSegments
	if err := os.Remove(w.segmentPath(max)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dropping oldest segment: %w", err)
	}
	for n := max - 1; n >= 1; n-- {
		err := os.Rename(w.segmentPath(n), w.segmentPath(n+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rotating segment %d: %w", n, err)
		}
	}
	if err := os.Rename(w.activePath(), w.segmentPath(1)); err != nil {
		return fmt.Errorf("rotating active segment: %w", err)
	}
	return nil
}

func (w *Writer) countSegments() int {
	count := 0
	for n := 1; n <= w.record.EventLog.MaxSegments; n++ {
		if _, err := os.Stat(w.segmentPath(n)); err == nil {
			count++
		}
	}
	return count
}
