package store

import (
	"database/sql"
	"fmt"
)

// FileByPath returns the file record for path, or nil if not indexed.
func (s *Store) FileByPath(path string) (*File, error) {
	f := &File{}
	err := s.db.QueryRow(
		"SELECT id, path, text, text_hash, last_indexed FROM files WHERE path = ?", path,
	).Scan(&f.ID, &f.Path, &f.Text, &f.TextHash, &f.LastIndexed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path %q: %w", path, err)
	}
	return f, nil
}

// FileByID returns the file record for id, or nil if absent.
func (s *Store) FileByID(id int64) (*File, error) {
	f := &File{}
	err := s.db.QueryRow(
		"SELECT id, path, text, text_hash, last_indexed FROM files WHERE id = ?", id,
	).Scan(&f.ID, &f.Path, &f.Text, &f.TextHash, &f.LastIndexed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by id %d: %w", id, err)
	}
	return f, nil
}

// Files returns all file records ordered by path.
func (s *Store) Files() ([]*File, error) {
	rows, err := s.db.Query("SELECT id, path, text, text_hash, last_indexed FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(&f.ID, &f.Path, &f.Text, &f.TextHash, &f.LastIndexed); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// InsertFile creates a file record and returns its assigned id. The indexing
// path creates rows through CommitFileIndex instead, so the row and its
// fragments land in one transaction; InsertFile serves callers that manage
// file rows directly.
func (s *Store) InsertFile(f *File) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO files (path, text, text_hash, last_indexed) VALUES (?, ?, ?, ?)",
		f.Path, f.Text, f.TextHash, f.LastIndexed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert file %q: %w", f.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert file %q: %w", f.Path, err)
	}
	f.ID = id
	return id, nil
}

// DeleteFile removes a file and all data derived from it: fragments,
// symbols, edges (both directions), and patches.
func (s *Store) DeleteFile(fileID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete file: begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM patches WHERE file_id = ?",
		"DELETE FROM dependency_edges WHERE consumer_file_id = ?",
		"DELETE FROM symbols WHERE file_id = ?",
		"DELETE FROM fragments WHERE file_id = ?",
		"DELETE FROM files WHERE id = ?",
	} {
		if _, err := tx.Exec(q, fileID); err != nil {
			return fmt.Errorf("delete file %d: %w", fileID, err)
		}
	}
	// Edges from other files into this one are kept: they become dangling
	// and surface as unresolved-reference diagnostics on their consumers.
	if _, err := bumpEpochTx(tx); err != nil {
		return fmt.Errorf("delete file %d: %w", fileID, err)
	}
	return tx.Commit()
}

// CountFiles returns the number of indexed files.
func (s *Store) CountFiles() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&n); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}
