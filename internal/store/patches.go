package store

import (
	"database/sql"
	"fmt"
)

// CommittedPatch returns the last committed patch for a fragment, or nil if
// the fragment has never had a patch committed.
func (s *Store) CommittedPatch(id FragID) (*PatchRecord, error) {
	p := &PatchRecord{}
	err := s.db.QueryRow(
		`SELECT file_id, frag_kind, frag_name, sid, code, relocations, checksum, epoch
		   FROM patches
		  WHERE file_id = ? AND frag_kind = ? AND frag_name = ?`,
		id.FileID, id.Kind, id.Name,
	).Scan(&p.Frag.FileID, &p.Frag.Kind, &p.Frag.Name,
		&p.SID, &p.Code, &p.Relocations, &p.Checksum, &p.Epoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("committed patch %s: %w", id, err)
	}
	return p, nil
}

// SavePatch records a committed patch, replacing any previous one for the
// same fragment. The old record is overwritten only here, on success; a
// failed regeneration never reaches SavePatch, so the last good patch stays
// committed.
func (s *Store) SavePatch(p *PatchRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO patches
		   (file_id, frag_kind, frag_name, sid, code, relocations, checksum, epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Frag.FileID, p.Frag.Kind, p.Frag.Name,
		p.SID, p.Code, p.Relocations, p.Checksum, p.Epoch,
	)
	if err != nil {
		return fmt.Errorf("save patch %s: %w", p.Frag, err)
	}
	return nil
}

// DeletePatch drops the committed patch for a fragment.
func (s *Store) DeletePatch(id FragID) error {
	_, err := s.db.Exec(
		"DELETE FROM patches WHERE file_id = ? AND frag_kind = ? AND frag_name = ?",
		id.FileID, id.Kind, id.Name,
	)
	if err != nil {
		return fmt.Errorf("delete patch %s: %w", id, err)
	}
	return nil
}

// AllPatches returns every committed patch, ordered by fragment identity.
func (s *Store) AllPatches() ([]*PatchRecord, error) {
	rows, err := s.db.Query(
		`SELECT file_id, frag_kind, frag_name, sid, code, relocations, checksum, epoch
		   FROM patches
		  ORDER BY file_id, frag_kind, frag_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("all patches: %w", err)
	}
	defer rows.Close()

	var patches []*PatchRecord
	for rows.Next() {
		p := &PatchRecord{}
		if err := rows.Scan(&p.Frag.FileID, &p.Frag.Kind, &p.Frag.Name,
			&p.SID, &p.Code, &p.Relocations, &p.Checksum, &p.Epoch); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}

// CountPatches returns the number of committed patches.
func (s *Store) CountPatches() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM patches").Scan(&n); err != nil {
		return 0, fmt.Errorf("count patches: %w", err)
	}
	return n, nil
}
