package store

import (
	"os"
	"path/filepath"
)

// WalkQuery selects a session for a working directory.
type WalkQuery struct {
	AgentCommand string
	Cwd          string

	// Name narrows the walk to a named session; nil matches only records
	// without a name.
	Name *string

	// Boundary is the outermost directory considered. Empty means the
	// nearest ancestor of Cwd containing .git, or Cwd itself when none.
	Boundary string
}

// FindByDirectoryWalk walks from the query's cwd toward the boundary and at
// each level returns the most recently used open record whose agent command,
// directory, and name all match. Returns nil when nothing matches.
func (s *Store) FindByDirectoryWalk(q WalkQuery) (*SessionRecord, error) {
	records, err := s.ListForAgent(q.AgentCommand)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	boundary := q.Boundary
	if boundary == "" {
		boundary = gitBoundary(q.Cwd)
	}

	dir := filepath.Clean(q.Cwd)
	boundary = filepath.Clean(boundary)
	for {
		// records are sorted last_used_at descending, so the first match
		// at a level wins.
		for _, r := range records {
			if r.Closed || filepath.Clean(r.Cwd) != dir || !nameMatches(r.Name, q.Name) {
				continue
			}
			return r, nil
		}
		if dir == boundary {
			return nil, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func nameMatches(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// gitBoundary returns the nearest ancestor of cwd (inclusive) containing a
// .git entry, falling back to cwd itself.
func gitBoundary(cwd string) string {
	dir := filepath.Clean(cwd)
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(cwd)
		}
		dir = parent
	}
}
