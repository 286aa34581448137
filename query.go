package ice

import (
	"fmt"
	"sync"

	"github.com/jward/ice/internal/store"
)

// Query is one memoizable computation over the database. CacheKey must be
// stable and unique per logical question ("typeof:parse", "decl:3/fn/eval").
type Query interface {
	CacheKey() string
	Execute(qx *QueryCtx) (any, error)
}

// QueryEngine answers queries pull-style: a result is computed at most once
// and replayed from cache until something it read actually changes. Queries
// declare nothing up front; the fragments they touch through the QueryCtx
// accessors are recorded as they execute, so the dependency set is always
// exactly what the computation read.
//
// Validity is judged by content digests captured at read time, not by the
// dirty flag: the dirty flag is the patch generator's work queue, and a
// fragment can sit on that queue for a long time without its answer-relevant
// digests moving. A repeated query between an edit and the next patch pass
// is a cache hit.
//
// Safe for concurrent use. Each query chain carries its own dependency
// collector, so queries over disjoint fragments run in parallel without
// observing each other. Two goroutines racing on the same cold key may both
// compute it; the later result wins the cache slot.
type QueryEngine struct {
	store   *store.Store
	codegen CodegenFunc

	mu    sync.Mutex
	cache map[string]*cacheEntry

	stats    QueryStats
	computed map[string]int64
}

type cacheEntry struct {
	value any
	deps  *depSet
}

// depSet is what one computation read, split by how much of each input it
// looked at. A full fragment read (bodies) is pinned to the structure
// digest; resolving a name to its provider (ifaces) is pinned to the
// interface digest, so a provider's body edit never disturbs its consumers'
// entries. File deps exist for queries shaped like "everything in this
// file", where a new declaration must invalidate the entry even though no
// recorded fragment changed.
type depSet struct {
	bodies map[store.FragID]string
	ifaces map[store.FragID]string
	files  map[int64]string
}

func newDepSet() *depSet {
	return &depSet{
		bodies: map[store.FragID]string{},
		ifaces: map[store.FragID]string{},
		files:  map[int64]string{},
	}
}

func (d *depSet) merge(other *depSet) {
	for id, h := range other.bodies {
		d.bodies[id] = h
	}
	for id, h := range other.ifaces {
		d.ifaces[id] = h
	}
	for id, h := range other.files {
		d.files[id] = h
	}
}

// QueryStats counts cache behavior. Computations is the number of times any
// query body actually ran; a warm cache holds it flat.
type QueryStats struct {
	Computations int64
	Hits         int64
	Misses       int64
}

// NewQueryEngine creates a query engine over s with an empty cache. backend
// is used by CodegenQuery; nil means the reference GenerateCode.
func NewQueryEngine(s *store.Store, backend CodegenFunc) *QueryEngine {
	if backend == nil {
		backend = GenerateCode
	}
	return &QueryEngine{
		store:    s,
		codegen:  backend,
		cache:    map[string]*cacheEntry{},
		computed: map[string]int64{},
	}
}

// Get answers q, from cache when the cached result is still valid.
func (qe *QueryEngine) Get(q Query) (any, error) {
	return qe.get(q, nil)
}

// get is the shared entry path for top-level and nested queries. parent is
// the calling chain's collector, nil at the top level; a cache hit or a
// fresh computation both merge their dependencies into it, since replaying
// a result still means the parent read those inputs.
func (qe *QueryEngine) get(q Query, parent *depSet) (any, error) {
	key := q.CacheKey()

	qe.mu.Lock()
	if entry, ok := qe.cache[key]; ok {
		valid, err := qe.entryValid(entry)
		if err != nil {
			qe.mu.Unlock()
			return nil, err
		}
		if valid {
			qe.stats.Hits++
			value := entry.value
			qe.mu.Unlock()
			if parent != nil {
				parent.merge(entry.deps)
			}
			return value, nil
		}
		delete(qe.cache, key)
	}
	qe.stats.Misses++
	qe.stats.Computations++
	qe.computed[key]++
	qe.mu.Unlock()

	deps := newDepSet()
	value, err := q.Execute(&QueryCtx{qe: qe, deps: deps})
	if err != nil {
		return nil, err
	}

	qe.mu.Lock()
	qe.cache[key] = &cacheEntry{value: value, deps: deps}
	qe.mu.Unlock()
	if parent != nil {
		parent.merge(deps)
	}
	return value, nil
}

// entryValid re-reads every recorded dependency and compares the digest
// captured when the entry was computed. A fragment read in full must still
// carry the same structure digest; a fragment read through name resolution
// must still carry the same interface digest; a file read whole must still
// carry the same text digest. Anything missing invalidates.
func (qe *QueryEngine) entryValid(entry *cacheEntry) (bool, error) {
	for id, structHash := range entry.deps.bodies {
		frag, err := qe.store.FragmentByID(id)
		if err != nil {
			return false, err
		}
		if frag == nil || frag.StructureHash != structHash {
			return false, nil
		}
	}
	for id, ifaceHash := range entry.deps.ifaces {
		frag, err := qe.store.FragmentByID(id)
		if err != nil {
			return false, err
		}
		if frag == nil || frag.InterfaceHash != ifaceHash {
			return false, nil
		}
	}
	for id, textHash := range entry.deps.files {
		file, err := qe.store.FileByID(id)
		if err != nil {
			return false, err
		}
		if file == nil || file.TextHash != textHash {
			return false, nil
		}
	}
	return true, nil
}

// Stats returns a snapshot of cache counters.
func (qe *QueryEngine) Stats() QueryStats {
	qe.mu.Lock()
	defer qe.mu.Unlock()
	return qe.stats
}

// Computed returns how many times the query with the given cache key has
// actually executed.
func (qe *QueryEngine) Computed(key string) int64 {
	qe.mu.Lock()
	defer qe.mu.Unlock()
	return qe.computed[key]
}

// Evict drops all cached entries. Counters are kept.
func (qe *QueryEngine) Evict() {
	qe.mu.Lock()
	defer qe.mu.Unlock()
	qe.cache = map[string]*cacheEntry{}
}

// Store exposes the underlying store for reads outside the fragment
// lifecycle (listings, counts). Reads taken directly from it are not
// recorded as dependencies.
func (qe *QueryEngine) Store() *store.Store {
	return qe.store
}

// QueryCtx is one executing query's view of the engine. It carries the
// chain's dependency collector: everything read through its accessors is
// recorded on the entry being computed, and sub-queries issued through Get
// merge their own dependencies upward.
type QueryCtx struct {
	qe   *QueryEngine
	deps *depSet
}

// Get answers a sub-query; the parent entry inherits its dependencies.
func (qx *QueryCtx) Get(q Query) (any, error) {
	return qx.qe.get(q, qx.deps)
}

// Fragment reads a fragment in full. The entry is pinned to the structure
// digest: any body or interface edit invalidates it.
func (qx *QueryCtx) Fragment(id store.FragID) (*store.Fragment, error) {
	frag, err := qx.qe.store.FragmentByID(id)
	if err != nil {
		return nil, err
	}
	if frag != nil {
		qx.deps.bodies[frag.ID] = frag.StructureHash
	}
	return frag, nil
}

// Symbol resolves a name to its definition. The entry is pinned to the
// defining fragment's interface digest only: consumers of a symbol see its
// surface, so a body edit behind the same surface keeps their entries warm.
func (qx *QueryCtx) Symbol(name string) (*store.Symbol, error) {
	sym, err := qx.qe.store.SymbolByName(name)
	if err != nil || sym == nil {
		return sym, err
	}
	frag, err := qx.qe.store.FragmentByID(sym.Frag)
	if err != nil {
		return nil, err
	}
	if frag != nil {
		qx.deps.ifaces[frag.ID] = frag.InterfaceHash
	}
	return sym, nil
}

// File reads a file record whole. The entry is pinned to the file's text
// digest, which covers declarations added to or removed from it.
func (qx *QueryCtx) File(path string) (*store.File, error) {
	file, err := qx.qe.store.FileByPath(path)
	if err != nil {
		return nil, err
	}
	if file != nil {
		qx.deps.files[file.ID] = file.TextHash
	}
	return file, nil
}

// Store exposes the underlying store for reads that are not
// fragment-shaped. Rows read directly from it are not recorded, so entries
// built from such reads must also touch the covering fragment or file
// through the recording accessors.
func (qx *QueryCtx) Store() *store.Store {
	return qx.qe.store
}

// =============================================================================
// Built-in queries
// =============================================================================

// TypeOfQuery answers the declared type of a named symbol.
type TypeOfQuery struct {
	Name string
}

func (q TypeOfQuery) CacheKey() string { return "typeof:" + q.Name }

func (q TypeOfQuery) Execute(qx *QueryCtx) (any, error) {
	sym, err := qx.Symbol(q.Name)
	if err != nil {
		return nil, err
	}
	if sym == nil {
		return nil, fmt.Errorf("typeof: unknown symbol %q", q.Name)
	}
	return sym.TypeExpr, nil
}

// DeclQuery answers the canonical declaration of a fragment.
type DeclQuery struct {
	Frag store.FragID
}

func (q DeclQuery) CacheKey() string { return "decl:" + q.Frag.String() }

func (q DeclQuery) Execute(qx *QueryCtx) (any, error) {
	frag, err := qx.Fragment(q.Frag)
	if err != nil {
		return nil, err
	}
	if frag == nil {
		return nil, fmt.Errorf("decl: unknown fragment %s", q.Frag)
	}
	return UnmarshalDecl(frag.AST)
}

// SignatureQuery renders a named symbol's kind and type. Built on
// TypeOfQuery, so its cache entry inherits the sub-query's dependencies.
type SignatureQuery struct {
	Name string
}

func (q SignatureQuery) CacheKey() string { return "sig:" + q.Name }

func (q SignatureQuery) Execute(qx *QueryCtx) (any, error) {
	sym, err := qx.Symbol(q.Name)
	if err != nil {
		return nil, err
	}
	if sym == nil {
		return nil, fmt.Errorf("signature: unknown symbol %q", q.Name)
	}
	typeExpr, err := qx.Get(TypeOfQuery{Name: q.Name})
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("%s %s: %s", sym.Kind, sym.Name, typeExpr), nil
}

// CodegenQuery answers the generated code for one fragment, without
// committing a patch. The entry depends on the fragment's full structure
// and on the interface of every provider the backend resolved, so a
// provider's interface change forces regeneration while a provider's body
// edit does not.
type CodegenQuery struct {
	Frag store.FragID
}

func (q CodegenQuery) CacheKey() string { return "codegen:" + q.Frag.String() }

func (q CodegenQuery) Execute(qx *QueryCtx) (any, error) {
	frag, err := qx.Fragment(q.Frag)
	if err != nil {
		return nil, err
	}
	if frag == nil {
		return nil, fmt.Errorf("codegen: unknown fragment %s", q.Frag)
	}
	decl, err := UnmarshalDecl(frag.AST)
	if err != nil {
		return nil, &CodegenError{Frag: q.Frag, Err: err}
	}
	resolve := func(name string) (int64, bool) {
		sym, err := qx.Symbol(name)
		if err != nil || sym == nil {
			return 0, false
		}
		return sym.SID, true
	}
	code, err := qx.qe.codegen(decl, resolve)
	if err != nil {
		return nil, &CodegenError{Frag: q.Frag, Err: err}
	}
	return code, nil
}

// FragmentsQuery answers the fragment ids declared by one file, in stable
// order. Depends on the whole file, so adding or deleting a declaration
// invalidates it.
type FragmentsQuery struct {
	Path string
}

func (q FragmentsQuery) CacheKey() string { return "fragments:" + q.Path }

func (q FragmentsQuery) Execute(qx *QueryCtx) (any, error) {
	file, err := qx.File(q.Path)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("fragments: unknown file %q", q.Path)
	}
	frags, err := qx.Store().FragmentsByFile(file.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]store.FragID, len(frags))
	for i, frag := range frags {
		ids[i] = frag.ID
	}
	return ids, nil
}

// FileDepsQuery answers the outgoing dependency edges of everything one
// file declares.
type FileDepsQuery struct {
	Path string
}

func (q FileDepsQuery) CacheKey() string { return "filedeps:" + q.Path }

func (q FileDepsQuery) Execute(qx *QueryCtx) (any, error) {
	file, err := qx.File(q.Path)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("filedeps: unknown file %q", q.Path)
	}
	frags, err := qx.Store().FragmentsByFile(file.ID)
	if err != nil {
		return nil, err
	}
	var edges []store.Edge
	for _, frag := range frags {
		// Edges derive from declaration bodies, so each fragment is a
		// structure-level dependency.
		qx.deps.bodies[frag.ID] = frag.StructureHash
		out, err := qx.Store().EdgesFrom(frag.ID)
		if err != nil {
			return nil, err
		}
		edges = append(edges, out...)
	}
	return edges, nil
}

// DependentsQuery answers the direct consumers of a fragment.
type DependentsQuery struct {
	Frag store.FragID
}

func (q DependentsQuery) CacheKey() string { return "dependents:" + q.Frag.String() }

func (q DependentsQuery) Execute(qx *QueryCtx) (any, error) {
	if _, err := qx.Fragment(q.Frag); err != nil {
		return nil, err
	}
	edges, err := qx.Store().ConsumersOf(q.Frag)
	if err != nil {
		return nil, err
	}
	ids := make([]store.FragID, 0, len(edges))
	for _, e := range edges {
		// The answer changes when a consumer's own edge set changes, and
		// edge sets derive from bodies, so every consumer is a
		// structure-level dependency too.
		if _, err := qx.Fragment(e.Consumer); err != nil {
			return nil, err
		}
		ids = append(ids, e.Consumer)
	}
	return ids, nil
}
