package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/thread"
)

func testRecord(id string, lastUsed time.Time) *SessionRecord {
	return &SessionRecord{
		ID:           id,
		AgentCommand: "mock-agent --fast",
		Cwd:          "/work/project",
		CreatedAt:    lastUsed.Add(-time.Hour),
		LastUsedAt:   lastUsed,
	}
}

func TestWriteAndRead(t *testing.T) {
	s := New(t.TempDir(), nil)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	record := testRecord("sess-abc123", now)
	record.ACPSessionID = "acp-1"
	record.Thread = &thread.Thread{Messages: []thread.Message{
		{User: &thread.UserMessage{ID: "u1", Content: []thread.UserContent{thread.UserText("hi")}}},
		{Resume: true},
	}}
	record.Acpx = &thread.Aux{CurrentModeID: "code", Audit: thread.NewAuditRing(0)}
	record.Acpx.Audit.Push(thread.AuditEvent{Type: "current_mode_update"})
	require.NoError(t, s.Write(record))

	back, err := s.Read("sess-abc123")
	require.NoError(t, err)
	assert.Equal(t, "acp-1", back.ACPSessionID)
	assert.True(t, back.LastUsedAt.Equal(now))
	require.NotNil(t, back.Thread)
	require.Len(t, back.Thread.Messages, 2)
	assert.True(t, back.Thread.Messages[1].Resume)
	require.NotNil(t, back.Acpx)
	assert.Equal(t, "code", back.Acpx.CurrentModeID)
	require.Len(t, back.Acpx.AuditEvents(), 1)

	t.Run("no temp files are left behind", func(t *testing.T) {
		entries, err := os.ReadDir(s.Dir())
		require.NoError(t, err)
		for _, entry := range entries {
			assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), entry.Name())
		}
	})

	t.Run("record file uses snake_case keys", func(t *testing.T) {
		data, err := os.ReadFile(s.RecordPath("sess-abc123"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"acpx_record_id"`)
		assert.Contains(t, string(data), `"last_used_at"`)
		assert.NotContains(t, string(data), `"lastUsedAt"`)
	})
}

func TestWriteRejectsInvalidRecord(t *testing.T) {
	s := New(t.TempDir(), nil)
	err := s.Write(&SessionRecord{ID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_command")
}

func TestResolve(t *testing.T) {
	s := New(t.TempDir(), nil)
	now := time.Now().UTC()
	require.NoError(t, s.Write(testRecord("sess-aaaa-1111", now)))
	require.NoError(t, s.Write(testRecord("sess-bbbb-2222", now)))
	require.NoError(t, s.Write(testRecord("sess-cccc-2222", now)))

	t.Run("exact id", func(t *testing.T) {
		record, err := s.Resolve("sess-aaaa-1111")
		require.NoError(t, err)
		assert.Equal(t, "sess-aaaa-1111", record.ID)
	})

	t.Run("unique suffix", func(t *testing.T) {
		record, err := s.Resolve("1111")
		require.NoError(t, err)
		assert.Equal(t, "sess-aaaa-1111", record.ID)
	})

	t.Run("ambiguous suffix", func(t *testing.T) {
		_, err := s.Resolve("2222")
		assert.ErrorIs(t, err, ErrAmbiguous)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := s.Resolve("9999")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestList(t *testing.T) {
	s := New(t.TempDir(), nil)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(testRecord("old", base)))
	require.NoError(t, s.Write(testRecord("new", base.Add(2*time.Hour))))
	require.NoError(t, s.Write(testRecord("mid", base.Add(time.Hour))))

	// A corrupt file must not break listing.
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "junk.json"), []byte("{not json"), 0o600))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "new", records[0].ID)
	assert.Equal(t, "mid", records[1].ID)
	assert.Equal(t, "old", records[2].ID)

	t.Run("missing directory lists empty", func(t *testing.T) {
		empty := New(filepath.Join(t.TempDir(), "nope"), nil)
		records, err := empty.List()
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestListForAgent(t *testing.T) {
	s := New(t.TempDir(), nil)
	now := time.Now().UTC()
	a := testRecord("a", now)
	b := testRecord("b", now)
	b.AgentCommand = "other-agent"
	require.NoError(t, s.Write(a))
	require.NoError(t, s.Write(b))

	records, err := s.ListForAgent("mock-agent --fast")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
}

func TestFindByDirectoryWalk(t *testing.T) {
	newStore := func(t *testing.T) (*Store, string) {
		t.Helper()
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o700))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o700))
		return New(filepath.Join(t.TempDir(), "sessions"), nil), root
	}
	withCwd := func(r *SessionRecord, cwd string) *SessionRecord {
		r.Cwd = cwd
		return r
	}

	t.Run("matches at the starting directory", func(t *testing.T) {
		s, root := newStore(t)
		deep := filepath.Join(root, "sub", "deep")
		require.NoError(t, s.Write(withCwd(testRecord("here", time.Now()), deep)))

		record, err := s.FindByDirectoryWalk(WalkQuery{AgentCommand: "mock-agent --fast", Cwd: deep})
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "here", record.ID)
	})

	t.Run("walks up to the git root", func(t *testing.T) {
		s, root := newStore(t)
		require.NoError(t, s.Write(withCwd(testRecord("at-root", time.Now()), root)))

		record, err := s.FindByDirectoryWalk(WalkQuery{
			AgentCommand: "mock-agent --fast",
			Cwd:          filepath.Join(root, "sub", "deep"),
		})
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "at-root", record.ID)
	})

	t.Run("does not walk past the boundary", func(t *testing.T) {
		s, root := newStore(t)
		require.NoError(t, s.Write(withCwd(testRecord("at-root", time.Now()), root)))

		record, err := s.FindByDirectoryWalk(WalkQuery{
			AgentCommand: "mock-agent --fast",
			Cwd:          filepath.Join(root, "sub", "deep"),
			Boundary:     filepath.Join(root, "sub"),
		})
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("skips closed records", func(t *testing.T) {
		s, root := newStore(t)
		closed := withCwd(testRecord("closed", time.Now()), root)
		closed.Closed = true
		require.NoError(t, s.Write(closed))

		record, err := s.FindByDirectoryWalk(WalkQuery{AgentCommand: "mock-agent --fast", Cwd: root})
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("name nil matches only unnamed records", func(t *testing.T) {
		s, root := newStore(t)
		name := "review"
		named := withCwd(testRecord("named", time.Now()), root)
		named.Name = &name
		require.NoError(t, s.Write(named))
		require.NoError(t, s.Write(withCwd(testRecord("unnamed", time.Now().Add(-time.Minute)), root)))

		record, err := s.FindByDirectoryWalk(WalkQuery{AgentCommand: "mock-agent --fast", Cwd: root})
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "unnamed", record.ID)

		record, err = s.FindByDirectoryWalk(WalkQuery{AgentCommand: "mock-agent --fast", Cwd: root, Name: &name})
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "named", record.ID)
	})

	t.Run("most recently used wins at a level", func(t *testing.T) {
		s, root := newStore(t)
		require.NoError(t, s.Write(withCwd(testRecord("older", time.Now().Add(-time.Hour)), root)))
		require.NoError(t, s.Write(withCwd(testRecord("newer", time.Now()), root)))

		record, err := s.FindByDirectoryWalk(WalkQuery{AgentCommand: "mock-agent --fast", Cwd: root})
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "newer", record.ID)
	})
}

func TestEncodeRecordID(t *testing.T) {
	assert.Equal(t, "plain-id", EncodeRecordID("plain-id"))
	assert.Equal(t, "a%2Fb", EncodeRecordID("a/b"))
	assert.Equal(t, "with%20space", EncodeRecordID("with space"))
}
