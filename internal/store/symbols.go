package store

import (
	"database/sql"
	"fmt"
)

// SymbolByName returns the symbol for name, or nil if undefined.
func (s *Store) SymbolByName(name string) (*Symbol, error) {
	return scanSymbol(s.db.QueryRow(
		"SELECT sid, name, kind, file_id, frag_kind, frag_name, type_expr FROM symbols WHERE name = ?",
		name,
	))
}

// SymbolBySID returns the symbol with the given stable id, or nil if absent.
func (s *Store) SymbolBySID(sid int64) (*Symbol, error) {
	return scanSymbol(s.db.QueryRow(
		"SELECT sid, name, kind, file_id, frag_kind, frag_name, type_expr FROM symbols WHERE sid = ?",
		sid,
	))
}

// SymbolsByFrag returns the symbols declared by one fragment. Most fragments
// declare exactly one, but a destructuring binding may declare several.
func (s *Store) SymbolsByFrag(id FragID) ([]*Symbol, error) {
	rows, err := s.db.Query(
		"SELECT sid, name, kind, file_id, frag_kind, frag_name, type_expr FROM symbols WHERE file_id = ? AND frag_kind = ? AND frag_name = ?",
		id.FileID, id.Kind, id.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("symbols of %s: %w", id, err)
	}
	defer rows.Close()

	var syms []*Symbol
	for rows.Next() {
		sym := &Symbol{}
		if err := rows.Scan(&sym.SID, &sym.Name, &sym.Kind,
			&sym.Frag.FileID, &sym.Frag.Kind, &sym.Frag.Name, &sym.TypeExpr); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		syms = append(syms, sym)
	}
	return syms, rows.Err()
}

// CountSymbols returns the number of defined symbols.
func (s *Store) CountSymbols() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM symbols").Scan(&n); err != nil {
		return 0, fmt.Errorf("count symbols: %w", err)
	}
	return n, nil
}

func scanSymbol(row *sql.Row) (*Symbol, error) {
	sym := &Symbol{}
	err := row.Scan(&sym.SID, &sym.Name, &sym.Kind,
		&sym.Frag.FileID, &sym.Frag.Kind, &sym.Frag.Name, &sym.TypeExpr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan symbol: %w", err)
	}
	return sym, nil
}
