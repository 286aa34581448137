package ice

import (
	"fmt"
	"time"

	"github.com/jward/ice/internal/store"
)

// Indexer turns one file's text into a staged index: parsed declarations
// hashed at all three levels, diffed against the stored state, with symbols
// and dependency edges resolved. It never writes; the engine commits the
// staged result and then runs invalidation on the classification.
type Indexer struct {
	store  *store.Store
	parser ParseFunc
}

// NewIndexer creates an Indexer using parser as the frontend.
func NewIndexer(s *store.Store, parser ParseFunc) *Indexer {
	return &Indexer{store: s, parser: parser}
}

// IndexResult is the outcome of indexing one file: the staged writes plus
// the change classification that drives invalidation.
type IndexResult struct {
	Index *store.FileIndex

	Added   []store.FragID
	Changed []store.FragID // structure changed, body or interface
	Removed []store.FragID

	// InterfaceChanged is the subset of Added/Changed/Removed whose visible
	// surface differs from the stored one. Only these propagate to
	// consumers; everything else blows the fuse at the fragment itself.
	InterfaceChanged []store.FragID

	// Diagnostics are non-fatal problems: duplicate declarations and
	// unresolved references.
	Diagnostics []error

	// NoOp is true when the file text is byte-identical to the stored text.
	// Nothing is staged and nothing may be committed.
	NoOp bool
}

// IndexFile parses text and diffs it against the stored state of path.
// A first-seen file is staged with id 0; CommitFileIndex creates its row
// inside the commit transaction, so a parse failure leaves no trace.
func (ix *Indexer) IndexFile(path string, text []byte) (*IndexResult, error) {
	textHash := HashText(string(text))

	file, err := ix.store.FileByPath(path)
	if err != nil {
		return nil, err
	}
	if file != nil && file.TextHash == textHash {
		// Re-saving without changes never reaches parsing, let alone
		// invalidation.
		return &IndexResult{NoOp: true}, nil
	}

	decls, err := ix.parser(path, text)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}

	var fileID int64
	if file != nil {
		fileID = file.ID
	}
	res := &IndexResult{
		Index: &store.FileIndex{
			File: &store.File{
				ID:          fileID,
				Path:        path,
				Text:        text,
				TextHash:    textHash,
				LastIndexed: time.Now(),
			},
		},
	}

	var old []*store.Fragment
	if file != nil {
		old, err = ix.store.FragmentsByFile(fileID)
		if err != nil {
			return nil, err
		}
	}
	oldByID := make(map[store.FragID]*store.Fragment, len(old))
	for _, frag := range old {
		oldByID[frag.ID] = frag
	}

	seen := map[store.FragID]bool{}
	kept := make([]*Decl, 0, len(decls))
	for i := range decls {
		d := &decls[i]
		id := store.FragID{FileID: fileID, Kind: d.Kind, Name: d.Name}
		if seen[id] {
			res.Diagnostics = append(res.Diagnostics,
				&DuplicateDeclError{Path: path, Kind: d.Kind, Name: d.Name})
			continue
		}
		seen[id] = true
		kept = append(kept, d)

		if err := ix.stageDecl(res, id, d, oldByID[id]); err != nil {
			return nil, err
		}
	}

	for _, frag := range old {
		if seen[frag.ID] {
			continue
		}
		res.Index.Removed = append(res.Index.Removed, frag.ID)
		res.Removed = append(res.Removed, frag.ID)
		// A deleted declaration is an interface change for everyone who
		// referenced it.
		res.InterfaceChanged = append(res.InterfaceChanged, frag.ID)
	}

	ix.stageSymbolsAndEdges(res, fileID, kept)
	return res, nil
}

// stageDecl hashes one declaration, classifies it against the stored
// fragment, and stages the write if anything changed.
func (ix *Indexer) stageDecl(res *IndexResult, id store.FragID, d *Decl, old *store.Fragment) error {
	textHash := HashText(d.Text)
	if old != nil && old.TextHash == textHash {
		return nil // untouched declaration, not even restaged
	}

	structHash := HashStructure(d)
	ifaceHash := HashInterface(d)
	ast, err := d.MarshalCanonical()
	if err != nil {
		return err
	}

	frag := store.Fragment{
		ID:            id,
		TextHash:      textHash,
		StructureHash: structHash,
		InterfaceHash: ifaceHash,
		AST:           ast,
	}

	switch {
	case old == nil:
		frag.Dirty = true
		res.Added = append(res.Added, id)
		// A new definition can satisfy previously dangling references, so
		// consumers of the name must be revisited.
		res.InterfaceChanged = append(res.InterfaceChanged, id)
	case old.StructureHash == structHash:
		// Formatting-only edit: record the new text digest, keep everything
		// else, do not flag dirty.
		frag.Dirty = old.Dirty
	default:
		frag.Dirty = true
		res.Changed = append(res.Changed, id)
		if old.InterfaceHash != ifaceHash {
			res.InterfaceChanged = append(res.InterfaceChanged, id)
		}
	}

	res.Index.Upserts = append(res.Index.Upserts, frag)
	return nil
}

// stageSymbolsAndEdges resolves every reference of the staged declarations.
// Names resolve against the database's symbol table overlaid with the
// symbols this very index introduces, so same-file forward references work
// on the first pass.
func (ix *Indexer) stageSymbolsAndEdges(res *IndexResult, fileID int64, decls []*Decl) {
	staged := make(map[string]store.FragID, len(decls))
	for _, d := range decls {
		id := store.FragID{FileID: fileID, Kind: d.Kind, Name: d.Name}
		staged[d.Name] = id
		res.Index.Symbols = append(res.Index.Symbols, store.Symbol{
			Name:     d.Name,
			Kind:     d.Kind,
			Frag:     id,
			TypeExpr: typeExprOf(d),
		})
	}

	resolve := func(name string) (store.FragID, bool) {
		if id, ok := staged[name]; ok {
			return id, true
		}
		sym, err := ix.store.SymbolByName(name)
		if err != nil || sym == nil {
			return store.FragID{}, false
		}
		return sym.Frag, true
	}

	// Only restaged consumers get their edges rebuilt; untouched fragments
	// keep their stored edge sets.
	restaged := make(map[store.FragID]bool, len(res.Index.Upserts))
	for i := range res.Index.Upserts {
		restaged[res.Index.Upserts[i].ID] = true
	}

	for _, d := range decls {
		consumer := store.FragID{FileID: fileID, Kind: d.Kind, Name: d.Name}
		if !restaged[consumer] {
			continue
		}
		edges := map[store.Edge]bool{}
		for _, name := range d.interfaceRefs() {
			if builtinTypes[name] {
				continue
			}
			provider, ok := resolve(name)
			if !ok {
				res.Diagnostics = append(res.Diagnostics,
					&DanglingDepError{Consumer: consumer, Name: name})
				continue
			}
			if provider == consumer {
				continue
			}
			edges[store.Edge{Consumer: consumer, Provider: provider, Kind: store.EdgeSignature}] = true
		}
		for _, name := range d.bodyRefs() {
			provider, ok := resolve(name)
			if !ok {
				res.Diagnostics = append(res.Diagnostics,
					&DanglingDepError{Consumer: consumer, Name: name})
				continue
			}
			if provider == consumer {
				continue // self-recursion is not a dependency edge
			}
			e := store.Edge{Consumer: consumer, Provider: provider, Kind: store.EdgeBody}
			// A signature edge to the same provider subsumes a body edge.
			if edges[store.Edge{Consumer: consumer, Provider: provider, Kind: store.EdgeSignature}] {
				continue
			}
			edges[e] = true
		}
		for e := range edges {
			res.Index.Edges = append(res.Index.Edges, e)
		}
	}
}

// typeExprOf renders a symbol's type for the type query: a function
// signature for fn declarations, the declared type otherwise.
func typeExprOf(d *Decl) string {
	if d.Kind != "fn" {
		return d.Ret
	}
	expr := "fn("
	for i, p := range d.Params {
		if i > 0 {
			expr += ", "
		}
		expr += p.Type
	}
	expr += ")"
	if d.Ret != "" {
		expr += " -> " + d.Ret
	}
	return expr
}

// builtinTypes never produce dependency edges.
var builtinTypes = map[string]bool{
	"int": true, "uint": true, "float": true, "bool": true,
	"str": true, "byte": true, "char": true, "void": true, "any": true,
}
