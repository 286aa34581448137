package store

import (
	"fmt"
	"time"
)

// FragID is the stable identity of one top-level declaration. It is composed
// of (file, declaration kind, declaration name) rather than a byte offset, so
// unrelated edits elsewhere in the file never disturb it: the same FragID
// across two database epochs denotes "the same declaration" even when its
// body changed completely.
type FragID struct {
	FileID int64
	Kind   string
	Name   string
}

func (id FragID) String() string {
	return fmt.Sprintf("%d/%s/%s", id.FileID, id.Kind, id.Name)
}

// IsZero reports whether the id is the zero value.
func (id FragID) IsZero() bool {
	return id.FileID == 0 && id.Kind == "" && id.Name == ""
}

// File is one source file's current text. Files are replaced wholesale on
// edit, never mutated in place.
type File struct {
	ID          int64
	Path        string
	Text        []byte
	TextHash    string
	LastIndexed time.Time
}

// Fragment is the stored form of one declaration: its canonical AST plus the
// three content hashes used for change classification.
//
//	TextHash      (L1) — digest of the raw source span
//	StructureHash (L2) — digest of the canonical AST, positions stripped
//	InterfaceHash (L3) — digest of the visible signature only
type Fragment struct {
	ID            FragID
	TextHash      string
	StructureHash string
	InterfaceHash string
	AST           []byte // canonical JSON of the declaration
	Generation    int64  // bumped on every replacement
	Dirty         bool
	Epoch         int64 // epoch of the commit that last wrote this row
}

// Symbol is one named entity with a stable numeric id. Symbols live in their
// own table because relocations and consumers may reference them while the
// defining fragment is still being re-resolved.
type Symbol struct {
	SID      int64
	Name     string
	Kind     string
	Frag     FragID
	TypeExpr string
}

// EdgeKind classifies how a consumer depends on a provider.
type EdgeKind string

const (
	// EdgeSignature means the provider appears in the consumer's visible
	// interface (a parameter type, return type, or constraint). Interface
	// changes cascade through signature edges.
	EdgeSignature EdgeKind = "signature"

	// EdgeBody means the provider is only used inside the consumer's body
	// (a call or value reference). Propagation stops at the consumer.
	EdgeBody EdgeKind = "body"
)

// Edge is one directed dependency: consumer uses provider.
type Edge struct {
	Consumer FragID
	Provider FragID
	Kind     EdgeKind
}

// PatchRecord is the last committed patch for a fragment, retained for
// rollback bookkeeping: when codegen for a newer edit fails, the loader keeps
// resolving to this code.
type PatchRecord struct {
	Frag        FragID
	SID         int64
	Code        []byte
	Relocations []byte // JSON-encoded relocation table
	Checksum    string
	Epoch       int64
}

// FileIndex is the staged result of indexing one file. CommitFileIndex
// applies the whole struct in a single transaction under one epoch bump, so
// readers observe either the fully-old or fully-new state.
type FileIndex struct {
	File    *File
	Upserts []Fragment
	Removed []FragID
	Symbols []Symbol // complete new symbol set for this file's declarations
	Edges   []Edge   // complete new edge set for the upserted consumers
}

// assignFileID replaces the placeholder file id 0 in every staged fragment,
// symbol, and edge. Called by CommitFileIndex once a first-seen file's row
// has been inserted and its real id is known. Staged Removed entries always
// predate this index, so they never carry the placeholder.
func (idx *FileIndex) assignFileID(id int64) {
	for i := range idx.Upserts {
		if idx.Upserts[i].ID.FileID == 0 {
			idx.Upserts[i].ID.FileID = id
		}
	}
	for i := range idx.Symbols {
		if idx.Symbols[i].Frag.FileID == 0 {
			idx.Symbols[i].Frag.FileID = id
		}
	}
	for i := range idx.Edges {
		if idx.Edges[i].Consumer.FileID == 0 {
			idx.Edges[i].Consumer.FileID = id
		}
		if idx.Edges[i].Provider.FileID == 0 {
			idx.Edges[i].Provider.FileID = id
		}
	}
}
