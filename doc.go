// Package ice is an incremental compilation engine: a persistent database
// of parsed declarations with content hashing at three levels of detail,
// fine-grained dependency tracking, memoized queries, and patch generation
// for live code replacement.
//
// # Pipeline
//
// An edit flows through four stages:
//
//  1. Index: the configured frontend parses the file into declarations;
//     each is hashed three ways (raw text, canonical structure, visible
//     interface) and diffed against the stored state.
//  2. Commit: the staged fragments, symbols, and dependency edges are
//     written in one transaction under a single epoch bump.
//  3. Invalidate: interface changes walk the dependency graph in reverse
//     and dirty the consumers they genuinely affect. Body-only edits stop
//     at the edited declaration.
//  4. Patch: dirty fragments are regenerated; only code that actually
//     changed ships, as relocatable patches a running loader can splice in.
//
// # Usage
//
// Create an Engine, feed it files, and collect patches:
//
//	e, err := ice.New("ice.db")
//	if err != nil { ... }
//	defer e.Close()
//
//	res, err := e.RebuildFile("lib.json", text)
//	patches, errs := e.GeneratePatches()
//	err = e.WritePatches(conn, patches)
//
// # Change classification
//
// The three digests split every edit into one of three classes.
// Whitespace and comment edits change only the text digest: nothing is
// invalidated. Body edits change the structure digest but not the
// interface digest: the edited declaration regenerates, its callers do
// not. Signature edits change the interface digest and fan out through
// the dependency graph, stopping at consumers whose own visible surface
// is unaffected.
//
// # Queries
//
// [Engine.Query] answers memoized queries ([TypeOfQuery], [SignatureQuery],
// [DeclQuery], [DependentsQuery], or any [Query] implementation). Each
// cached result records what it read and the content digest it saw — the
// structure digest for fragments read in full, the interface digest for
// providers reached through name resolution — and is replayed until one of
// those digests moves. Queries are safe to issue concurrently.
//
// # Frontends and backends
//
// The engine owns no grammar and no target format. [WithParser] supplies
// the frontend ([ParseManifest] by default, which reads JSON declaration
// manifests); [WithCodegen] supplies the backend ([GenerateCode] by
// default, which lowers to a flat stack bytecode). The patch layer only
// requires that the backend's output be scannable for symbol references.
package ice
