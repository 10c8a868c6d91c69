package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sebastianm/acpx/internal/store"
)

// ListSessionEvents replays a session's log oldest-first: numbered segments
// from highest to lowest, then the active segment. Lines that fail to parse
// or validate are skipped so newer writers stay readable.
func ListSessionEvents(st *store.Store, sessionID string) ([]Event, error) {
	eventsDir := filepath.Join(st.SessionDir(sessionID), eventsSubdir)
	entries, err := os.ReadDir(eventsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading events directory: %w", err)
	}

	var segments []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".ndjson") || name == activeSegment {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".ndjson"))
		if err != nil {
			continue
		}
		segments = append(segments, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(segments)))

	var events []Event
	for _, n := range segments {
		events = appendSegment(events, filepath.Join(eventsDir, strconv.Itoa(n)+".ndjson"))
	}
	events = appendSegment(events, filepath.Join(eventsDir, activeSegment))
	return events, nil
}

func appendSegment(events []Event, path string) []Event {
	data, err := os.ReadFile(path)
	if err != nil {
		return events
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if !KnownType(e.Type) {
			continue
		}
		if err := ValidateEvent(e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events
}
