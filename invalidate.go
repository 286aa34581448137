package ice

import (
	"sort"

	"github.com/jward/ice/internal/store"
)

// Propagator walks the dependency graph in reverse after a commit and marks
// the fragments whose generated code can no longer be trusted.
//
// The walk is deliberately narrow. An edit whose interface digest is
// unchanged dirties only the edited fragment: its consumers compiled
// against a surface that still holds, so the fuse blows there and nothing
// propagates. An interface change fans out to direct consumers; whether it
// continues through a consumer depends on how that consumer uses the
// provider. A body edge (call or value reference) means the consumer's own
// surface is untouched, so it is re-dirtied and the walk stops. A signature
// edge (the provider's type appears in the consumer's parameters, return, or
// constraints) means the consumer's surface now denotes something different,
// so the walk continues through it as if its own interface had changed.
type Propagator struct {
	store *store.Store
}

// NewPropagator creates a Propagator over s.
func NewPropagator(s *store.Store) *Propagator {
	return &Propagator{store: s}
}

// Invalidate marks every fragment affected by the given interface changes
// and returns the ids it dirtied, in stable order. Safe to call twice with
// the same input: dirtying is idempotent. Cycles in the graph terminate
// through the visited set.
func (p *Propagator) Invalidate(interfaceChanged []store.FragID) ([]store.FragID, error) {
	visited := map[store.FragID]bool{}
	var dirtied []store.FragID

	queue := make([]store.FragID, 0, len(interfaceChanged))
	for _, id := range interfaceChanged {
		if !visited[id] {
			visited[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		provider := queue[0]
		queue = queue[1:]

		edges, err := p.store.ConsumersOf(provider)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if visited[e.Consumer] {
				continue
			}
			visited[e.Consumer] = true
			if err := p.store.MarkDirty(e.Consumer); err != nil {
				return nil, err
			}
			dirtied = append(dirtied, e.Consumer)
			if e.Kind == store.EdgeSignature {
				queue = append(queue, e.Consumer)
			}
		}
	}

	sort.Slice(dirtied, func(i, j int) bool {
		a, b := dirtied[i], dirtied[j]
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})
	return dirtied, nil
}

// InvalidateAll flags every stored fragment dirty. Used by full rebuilds and
// by schema upgrades that change the generated code format.
func (p *Propagator) InvalidateAll() (int, error) {
	frags, err := p.store.AllFragments()
	if err != nil {
		return 0, err
	}
	for _, frag := range frags {
		if err := p.store.MarkDirty(frag.ID); err != nil {
			return 0, err
		}
	}
	return len(frags), nil
}
