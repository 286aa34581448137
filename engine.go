package ice

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/jward/ice/internal/store"
)

// Engine orchestrates the pipeline: parsing via the configured frontend,
// change classification, atomic commits, invalidation, queries, and patch
// generation. Writes are serialized through the engine's mutex; reads (the
// query layer) take no engine lock and see only committed state.
type Engine struct {
	store   *store.Store
	indexer *Indexer
	prop    *Propagator
	queries *QueryEngine
	patcher *PatchGenerator
	log     *slog.Logger

	// mu enforces the single-writer rule across RebuildFile, RemoveFile,
	// and GeneratePatches.
	mu sync.Mutex

	parser  ParseFunc
	codegen CodegenFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithParser sets the frontend that turns file text into declarations.
// Defaults to ParseManifest.
func WithParser(parser ParseFunc) Option {
	return func(e *Engine) {
		e.parser = parser
	}
}

// WithCodegen sets the backend that lowers declarations to code. Defaults
// to GenerateCode.
func WithCodegen(backend CodegenFunc) Option {
	return func(e *Engine) {
		e.codegen = backend
	}
}

// WithLogger sets the structured logger. Defaults to a text logger on
// stderr at info level.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates an Engine backed by a SQLite database at dbPath, creating the
// schema if needed.
func New(dbPath string, opts ...Option) (*Engine, error) {
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("ice: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("ice: migrate: %w", err)
	}

	e := &Engine{
		store:   s,
		parser:  ParseManifest,
		codegen: GenerateCode,
		log:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.indexer = NewIndexer(s, e.parser)
	e.prop = NewPropagator(s)
	e.queries = NewQueryEngine(s, e.codegen)
	e.patcher = NewPatchGenerator(s, e.codegen)
	return e, nil
}

// Close releases the engine's database resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying store for direct access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Queries returns the memoized query layer.
func (e *Engine) Queries() *QueryEngine {
	return e.queries
}

// Query answers q through the memoized query layer.
func (e *Engine) Query(q Query) (any, error) {
	return e.queries.Get(q)
}

// RebuildResult summarizes one file rebuild.
type RebuildResult struct {
	Path    string
	Epoch   int64
	Added   []store.FragID
	Changed []store.FragID
	Removed []store.FragID
	// Dirtied lists the fragments invalidation reached beyond the edited
	// ones.
	Dirtied []store.FragID
	// Diagnostics are non-fatal: duplicates and unresolved references.
	Diagnostics []error
	// NoOp is true when the text matched the stored text byte for byte.
	NoOp bool
}

// RebuildFile indexes one file's new text: parse, diff, commit atomically
// under a single epoch bump, then propagate invalidation. Saving a file
// with unchanged text is a complete no-op; a body-only edit dirties just
// the edited declarations.
func (e *Engine) RebuildFile(path string, text []byte) (*RebuildResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.indexer.IndexFile(path, text)
	if err != nil {
		return nil, err
	}
	if res.NoOp {
		e.log.Debug("rebuild skipped, text unchanged", "path", path)
		return &RebuildResult{Path: path, NoOp: true}, nil
	}

	epoch, err := e.store.CommitFileIndex(res.Index)
	if err != nil {
		return nil, fmt.Errorf("ice: commit %s: %w", path, err)
	}
	// A first-seen file was classified against the placeholder id 0; the
	// commit assigned the real one.
	for _, ids := range [][]store.FragID{res.Added, res.Changed, res.InterfaceChanged} {
		for i := range ids {
			if ids[i].FileID == 0 {
				ids[i].FileID = res.Index.File.ID
			}
		}
	}

	dirtied, err := e.prop.Invalidate(res.InterfaceChanged)
	if err != nil {
		return nil, fmt.Errorf("ice: invalidate after %s: %w", path, err)
	}

	e.log.Info("rebuilt file",
		"path", path,
		"epoch", epoch,
		"added", len(res.Added),
		"changed", len(res.Changed),
		"removed", len(res.Removed),
		"invalidated", len(dirtied),
		"diagnostics", len(res.Diagnostics),
	)
	return &RebuildResult{
		Path:        path,
		Epoch:       epoch,
		Added:       res.Added,
		Changed:     res.Changed,
		Removed:     res.Removed,
		Dirtied:     dirtied,
		Diagnostics: res.Diagnostics,
	}, nil
}

// RebuildPath reads path from disk and rebuilds it.
func (e *Engine) RebuildPath(path string) (*RebuildResult, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ice: read %s: %w", path, err)
	}
	return e.RebuildFile(path, text)
}

// RemoveFile deletes a file and everything derived from it, then invalidates
// the consumers of its declarations. Their references are now dangling; they
// stay dirty until a rebuild either re-defines the names or reports them
// unresolved.
func (e *Engine) RemoveFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := e.store.FileByPath(path)
	if err != nil {
		return err
	}
	if file == nil {
		return nil
	}
	frags, err := e.store.FragmentsByFile(file.ID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteFile(file.ID); err != nil {
		return fmt.Errorf("ice: remove %s: %w", path, err)
	}

	ids := make([]store.FragID, len(frags))
	for i, frag := range frags {
		ids[i] = frag.ID
	}
	dirtied, err := e.prop.Invalidate(ids)
	if err != nil {
		return fmt.Errorf("ice: invalidate after removing %s: %w", path, err)
	}
	e.log.Info("removed file", "path", path, "fragments", len(ids), "invalidated", len(dirtied))
	return nil
}

// GeneratePatches regenerates every dirty fragment and returns the patches
// that actually need shipping. Fragments whose regeneration fails stay
// dirty with their last committed patch intact; those failures come back as
// errors alongside whatever patches did succeed.
func (e *Engine) GeneratePatches() ([]*Patch, []error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dirty, err := e.store.DirtyFragments()
	if err != nil {
		return nil, []error{err}
	}

	var patches []*Patch
	var errs []error
	for _, frag := range dirty {
		patch, err := e.patcher.Generate(frag)
		if err != nil {
			if err == ErrStaleGeneration {
				continue
			}
			e.log.Warn("patch generation failed", "frag", frag.ID.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		if patch != nil {
			patches = append(patches, patch)
		}
	}
	e.log.Info("generated patches", "dirty", len(dirty), "patches", len(patches), "failures", len(errs))
	return patches, errs
}

// WritePatches streams patches over w using the patch wire protocol: for
// each patch a begin frame, chunked data frames, and a commit frame carrying
// the checksum. See package wire for the frame format.
func (e *Engine) WritePatches(w io.Writer, patches []*Patch) error {
	return writePatchStream(w, patches)
}

// Stats is a whole-database summary.
type Stats struct {
	Epoch     int64
	Files     int
	Fragments int
	Symbols   int
	Edges     int
	Patches   int
	Dirty     int
	Queries   QueryStats
}

// Status returns the current database statistics, including how many
// fragments await regeneration.
func (e *Engine) Status() (*Stats, error) {
	st := &Stats{Queries: e.queries.Stats()}
	var err error
	if st.Epoch, err = e.store.Epoch(); err != nil {
		return nil, err
	}
	if st.Files, err = e.store.CountFiles(); err != nil {
		return nil, err
	}
	if st.Fragments, err = e.store.CountFragments(); err != nil {
		return nil, err
	}
	if st.Symbols, err = e.store.CountSymbols(); err != nil {
		return nil, err
	}
	if st.Edges, err = e.store.CountEdges(); err != nil {
		return nil, err
	}
	if st.Patches, err = e.store.CountPatches(); err != nil {
		return nil, err
	}
	if st.Dirty, err = e.store.DirtyCount(); err != nil {
		return nil, err
	}
	return st, nil
}

// InvalidateAll flags every fragment for regeneration. Used by full rebuilds.
func (e *Engine) InvalidateAll() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prop.InvalidateAll()
}
