package ice

import "github.com/jward/ice/internal/store"

// Type aliases so callers can use the engine's API without importing the
// internal store package.
type (
	Store       = store.Store
	FragID      = store.FragID
	File        = store.File
	Fragment    = store.Fragment
	Symbol      = store.Symbol
	Edge        = store.Edge
	EdgeKind    = store.EdgeKind
	PatchRecord = store.PatchRecord
	FileIndex   = store.FileIndex
)

const (
	EdgeSignature = store.EdgeSignature
	EdgeBody      = store.EdgeBody
)
