package store

import "fmt"

// MarkDirty flags a fragment as needing regeneration. Marking an already
// dirty fragment is a no-op at the SQL level, which is what makes
// invalidation idempotent.
func (s *Store) MarkDirty(id FragID) error {
	_, err := s.db.Exec(
		"UPDATE fragments SET dirty = TRUE WHERE file_id = ? AND kind = ? AND name = ?",
		id.FileID, id.Kind, id.Name,
	)
	if err != nil {
		return fmt.Errorf("mark dirty %s: %w", id, err)
	}
	return nil
}

// ClearDirty clears the dirty flag after a fragment's patch has been
// regenerated (or regeneration decided nothing changed).
func (s *Store) ClearDirty(id FragID) error {
	_, err := s.db.Exec(
		"UPDATE fragments SET dirty = FALSE WHERE file_id = ? AND kind = ? AND name = ?",
		id.FileID, id.Kind, id.Name,
	)
	if err != nil {
		return fmt.Errorf("clear dirty %s: %w", id, err)
	}
	return nil
}

// IsDirty reports whether the fragment is flagged dirty. An unknown fragment
// is not dirty.
func (s *Store) IsDirty(id FragID) (bool, error) {
	frag, err := s.FragmentByID(id)
	if err != nil {
		return false, err
	}
	return frag != nil && frag.Dirty, nil
}

// DirtyFragments returns all fragments currently flagged dirty, in stable
// order. The dirty set persists across process restarts: it is a column, not
// in-memory state, so an interrupted rebuild resumes where it stopped.
func (s *Store) DirtyFragments() ([]*Fragment, error) {
	rows, err := s.db.Query(
		`SELECT file_id, kind, name, text_hash, structure_hash, interface_hash,
		        ast, generation, dirty, epoch
		   FROM fragments
		  WHERE dirty
		  ORDER BY file_id, kind, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("dirty fragments: %w", err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// DirtyCount returns the number of dirty fragments.
func (s *Store) DirtyCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM fragments WHERE dirty").Scan(&n); err != nil {
		return 0, fmt.Errorf("dirty count: %w", err)
	}
	return n, nil
}
