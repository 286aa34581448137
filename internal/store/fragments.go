package store

import (
	"database/sql"
	"fmt"
)

// FragmentByID returns the stored fragment for id, or nil if absent.
func (s *Store) FragmentByID(id FragID) (*Fragment, error) {
	return scanFragment(s.db.QueryRow(
		`SELECT file_id, kind, name, text_hash, structure_hash, interface_hash,
		        ast, generation, dirty, epoch
		   FROM fragments
		  WHERE file_id = ? AND kind = ? AND name = ?`,
		id.FileID, id.Kind, id.Name,
	))
}

// FragmentsByFile returns all fragments of one file, ordered by kind then name.
func (s *Store) FragmentsByFile(fileID int64) ([]*Fragment, error) {
	rows, err := s.db.Query(
		`SELECT file_id, kind, name, text_hash, structure_hash, interface_hash,
		        ast, generation, dirty, epoch
		   FROM fragments
		  WHERE file_id = ?
		  ORDER BY kind, name`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("fragments of file %d: %w", fileID, err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// AllFragments returns every stored fragment. Used by whole-database
// statistics and the reference loader's warm start.
func (s *Store) AllFragments() ([]*Fragment, error) {
	rows, err := s.db.Query(
		`SELECT file_id, kind, name, text_hash, structure_hash, interface_hash,
		        ast, generation, dirty, epoch
		   FROM fragments
		  ORDER BY file_id, kind, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("all fragments: %w", err)
	}
	defer rows.Close()
	return collectFragments(rows)
}

// CountFragments returns the number of stored fragments.
func (s *Store) CountFragments() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM fragments").Scan(&n); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}

// CommitFileIndex applies one file's staged index in a single transaction:
// file row creation or update, removed-fragment cleanup, fragment upserts
// with generation bumps, symbol upserts that preserve existing sids, and a
// full edge rebuild for every touched consumer. The epoch is bumped exactly
// once and stamped onto every written fragment, so a reader sees either the
// complete previous state or the complete new one. Returns the new epoch.
//
// A first-seen file arrives staged with id 0; its row is inserted here and
// the assigned id is written back into idx.File and every staged fragment,
// symbol, and edge that referenced the placeholder.
func (s *Store) CommitFileIndex(idx *FileIndex) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("commit index: begin: %w", err)
	}
	defer tx.Rollback()

	epoch, err := bumpEpochTx(tx)
	if err != nil {
		return 0, fmt.Errorf("commit index: %w", err)
	}

	if idx.File.ID == 0 {
		res, err := tx.Exec(
			"INSERT INTO files (path, text, text_hash, last_indexed) VALUES (?, ?, ?, ?)",
			idx.File.Path, idx.File.Text, idx.File.TextHash, idx.File.LastIndexed,
		)
		if err != nil {
			return 0, fmt.Errorf("commit index: insert file %q: %w", idx.File.Path, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("commit index: insert file %q: %w", idx.File.Path, err)
		}
		idx.File.ID = id
		idx.assignFileID(id)
	} else if _, err := tx.Exec(
		"UPDATE files SET text = ?, text_hash = ?, last_indexed = ? WHERE id = ?",
		idx.File.Text, idx.File.TextHash, idx.File.LastIndexed, idx.File.ID,
	); err != nil {
		return 0, fmt.Errorf("commit index: update file %d: %w", idx.File.ID, err)
	}

	// Removed declarations take their symbols, outgoing edges, and committed
	// patches with them. Incoming edges from other consumers are kept: they
	// go dangling and are reported as unresolved references on re-resolve.
	for _, id := range idx.Removed {
		for _, q := range []string{
			"DELETE FROM patches WHERE file_id = ? AND frag_kind = ? AND frag_name = ?",
			"DELETE FROM symbols WHERE file_id = ? AND frag_kind = ? AND frag_name = ?",
			"DELETE FROM dependency_edges WHERE consumer_file_id = ? AND consumer_kind = ? AND consumer_name = ?",
			"DELETE FROM fragments WHERE file_id = ? AND kind = ? AND name = ?",
		} {
			if _, err := tx.Exec(q, id.FileID, id.Kind, id.Name); err != nil {
				return 0, fmt.Errorf("commit index: remove %s: %w", id, err)
			}
		}
	}

	for i := range idx.Upserts {
		frag := &idx.Upserts[i]
		frag.Epoch = epoch
		if _, err := tx.Exec(
			`INSERT INTO fragments
			   (file_id, kind, name, text_hash, structure_hash, interface_hash,
			    ast, generation, dirty, epoch)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT(file_id, kind, name) DO UPDATE SET
			   text_hash      = excluded.text_hash,
			   structure_hash = excluded.structure_hash,
			   interface_hash = excluded.interface_hash,
			   ast            = excluded.ast,
			   generation     = fragments.generation + 1,
			   dirty          = excluded.dirty,
			   epoch          = excluded.epoch`,
			frag.ID.FileID, frag.ID.Kind, frag.ID.Name,
			frag.TextHash, frag.StructureHash, frag.InterfaceHash,
			frag.AST, frag.Dirty, epoch,
		); err != nil {
			return 0, fmt.Errorf("commit index: upsert %s: %w", frag.ID, err)
		}
	}

	// Symbols are upserted by name so a redefined symbol keeps its sid.
	// Relocation tables in already-committed patches reference sids, so sid
	// stability is what makes body-only edits invisible to consumers.
	for _, sym := range idx.Symbols {
		if _, err := tx.Exec(
			`INSERT INTO symbols (name, kind, file_id, frag_kind, frag_name, type_expr)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET
			   kind      = excluded.kind,
			   file_id   = excluded.file_id,
			   frag_kind = excluded.frag_kind,
			   frag_name = excluded.frag_name,
			   type_expr = excluded.type_expr`,
			sym.Name, sym.Kind, sym.Frag.FileID, sym.Frag.Kind, sym.Frag.Name, sym.TypeExpr,
		); err != nil {
			return 0, fmt.Errorf("commit index: upsert symbol %q: %w", sym.Name, err)
		}
	}

	// Each touched consumer's edge set is replaced wholesale: delete its old
	// outgoing edges, then insert the new ones. Edges held by untouched
	// consumers in other files are never disturbed.
	consumers := map[FragID]bool{}
	for i := range idx.Upserts {
		consumers[idx.Upserts[i].ID] = true
	}
	for c := range consumers {
		if _, err := tx.Exec(
			"DELETE FROM dependency_edges WHERE consumer_file_id = ? AND consumer_kind = ? AND consumer_name = ?",
			c.FileID, c.Kind, c.Name,
		); err != nil {
			return 0, fmt.Errorf("commit index: clear edges of %s: %w", c, err)
		}
	}
	for _, e := range idx.Edges {
		if !consumers[e.Consumer] {
			return 0, fmt.Errorf("commit index: edge from unstaged consumer %s", e.Consumer)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO dependency_edges
			   (consumer_file_id, consumer_kind, consumer_name,
			    provider_file_id, provider_kind, provider_name, edge_kind)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Consumer.FileID, e.Consumer.Kind, e.Consumer.Name,
			e.Provider.FileID, e.Provider.Kind, e.Provider.Name, e.Kind,
		); err != nil {
			return 0, fmt.Errorf("commit index: insert edge %s -> %s: %w", e.Consumer, e.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit index: %w", err)
	}
	return epoch, nil
}

func scanFragment(row *sql.Row) (*Fragment, error) {
	f := &Fragment{}
	err := row.Scan(
		&f.ID.FileID, &f.ID.Kind, &f.ID.Name,
		&f.TextHash, &f.StructureHash, &f.InterfaceHash,
		&f.AST, &f.Generation, &f.Dirty, &f.Epoch,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan fragment: %w", err)
	}
	return f, nil
}

func collectFragments(rows *sql.Rows) ([]*Fragment, error) {
	var frags []*Fragment
	for rows.Next() {
		f := &Fragment{}
		if err := rows.Scan(
			&f.ID.FileID, &f.ID.Kind, &f.ID.Name,
			&f.TextHash, &f.StructureHash, &f.InterfaceHash,
			&f.AST, &f.Generation, &f.Dirty, &f.Epoch,
		); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}
