package store

import (
	"database/sql"
	"fmt"
)

const edgeColumns = `consumer_file_id, consumer_kind, consumer_name,
       provider_file_id, provider_kind, provider_name, edge_kind`

// ConsumersOf returns every edge whose provider is id: the fragments that
// would be affected if id's interface changed. This is the reverse walk the
// invalidation pass takes, so it rides the provider-side index.
func (s *Store) ConsumersOf(id FragID) ([]Edge, error) {
	rows, err := s.db.Query(
		"SELECT "+edgeColumns+" FROM dependency_edges WHERE provider_file_id = ? AND provider_kind = ? AND provider_name = ?",
		id.FileID, id.Kind, id.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("consumers of %s: %w", id, err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// EdgesFrom returns every edge whose consumer is id: the providers this
// fragment depends on.
func (s *Store) EdgesFrom(id FragID) ([]Edge, error) {
	rows, err := s.db.Query(
		"SELECT "+edgeColumns+" FROM dependency_edges WHERE consumer_file_id = ? AND consumer_kind = ? AND consumer_name = ?",
		id.FileID, id.Kind, id.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("edges from %s: %w", id, err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// AllEdges returns the full dependency graph. Used by the status report and
// by graph dumps.
func (s *Store) AllEdges() ([]Edge, error) {
	rows, err := s.db.Query(
		"SELECT " + edgeColumns + ` FROM dependency_edges
		  ORDER BY consumer_file_id, consumer_kind, consumer_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("all edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

// CountEdges returns the number of dependency edges.
func (s *Store) CountEdges() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM dependency_edges").Scan(&n); err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}

func collectEdges(rows *sql.Rows) ([]Edge, error) {
	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(
			&e.Consumer.FileID, &e.Consumer.Kind, &e.Consumer.Name,
			&e.Provider.FileID, &e.Provider.Kind, &e.Provider.Name, &e.Kind,
		); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
