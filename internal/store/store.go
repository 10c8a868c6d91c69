package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for record resolution.
var (
	// ErrNotFound means no record matched the id or suffix.
	ErrNotFound = errors.New("session not found")

	// ErrAmbiguous means a suffix matched more than one record.
	ErrAmbiguous = errors.New("session id suffix is ambiguous")
)

// Store reads and writes session records under a single directory.
type Store struct {
	dir string
	log *slog.Logger
}

// New creates a store rooted at dir. The directory is created lazily on the
// first write.
func New(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log.With("component", "store")}
}

// Dir returns the sessions directory.
func (s *Store) Dir() string { return s.dir }

// RecordPath returns the on-disk path of a record file.
func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.dir, EncodeRecordID(id)+".json")
}

// SessionDir returns the per-session directory holding the events lock and
// event segments.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.dir, EncodeRecordID(id))
}

// Write persists the record atomically: marshal to a process-unique temp file
// in the same directory, then rename over the destination.
func (s *Store) Write(record *SessionRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating sessions directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session record %s: %w", record.ID, err)
	}

	dest := s.RecordPath(record.ID)
	tmp := fmt.Sprintf("%s.%d.%d.tmp", dest, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session record %s: %w", record.ID, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing session record %s: %w", record.ID, err)
	}
	return nil
}

// Read loads a record by exact id.
func (s *Store) Read(id string) (*SessionRecord, error) {
	data, err := os.ReadFile(s.RecordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session record %s: %w", id, err)
	}
	return decodeRecord(data)
}

// Resolve loads a record by exact id or by unique id suffix. A suffix that
// matches more than one record fails with ErrAmbiguous.
func (s *Store) Resolve(idOrSuffix string) (*SessionRecord, error) {
	record, err := s.Read(idOrSuffix)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}

	var matches []*SessionRecord
	for _, r := range records {
		if r.ID == idOrSuffix {
			return r, nil
		}
		if strings.HasSuffix(r.ID, idOrSuffix) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("session %s: %w", idOrSuffix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("suffix %s matches %d sessions: %w", idOrSuffix, len(matches), ErrAmbiguous)
	}
}

// List returns all parseable records sorted by last_used_at descending.
// Unparseable files are logged and skipped so one corrupt record cannot take
// down listing.
func (s *Store) List() ([]*SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sessions directory: %w", err)
	}

	var records []*SessionRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("skipping unreadable session record", "path", path, "error", err)
			continue
		}
		record, err := decodeRecord(data)
		if err != nil {
			s.log.Warn("skipping invalid session record", "path", path, "error", err)
			continue
		}
		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastUsedAt.After(records[j].LastUsedAt)
	})
	return records, nil
}

// ListForAgent returns records whose agent command matches cmd exactly,
// sorted by last_used_at descending.
func (s *Store) ListForAgent(cmd string) ([]*SessionRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*SessionRecord
	for _, r := range records {
		if r.AgentCommand == cmd {
			out = append(out, r)
		}
	}
	return out, nil
}
