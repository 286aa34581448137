package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexer_DuplicateDeclarationKeepsFirst(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	decls := []Decl{
		fnDecl("foo", nil, "int", nRet(nConst("1"))),
		fnDecl("foo", nil, "int", nRet(nConst("2"))),
	}
	res, err := eng.RebuildFile("main.json", manifest(t, decls...))
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 1)
	var dup *DuplicateDeclError
	require.ErrorAs(t, res.Diagnostics[0], &dup)
	assert.Equal(t, "foo", dup.Name)

	// Only the first definition is stored.
	frags, err := eng.Store().AllFragments()
	require.NoError(t, err)
	require.Len(t, frags, 1)
	first := fnDecl("foo", nil, "int", nRet(nConst("1")))
	assert.Equal(t, HashStructure(&first), frags[0].StructureHash)
}

func TestIndexer_UnresolvedReferenceIsDiagnosticNotError(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	res, err := eng.RebuildFile("main.json", manifest(t,
		fnDecl("caller", nil, "int", nRet(nCall("missing")))))
	require.NoError(t, err)

	require.Len(t, res.Diagnostics, 1)
	var dangling *DanglingDepError
	require.ErrorAs(t, res.Diagnostics[0], &dangling)
	assert.Equal(t, "missing", dangling.Name)
	assert.Equal(t, "caller", dangling.Consumer.Name)

	// The consumer is still indexed.
	frags, err := eng.Store().AllFragments()
	require.NoError(t, err)
	assert.Len(t, frags, 1)
}

func TestIndexer_NewDefinitionInvalidatesFormerDanglingConsumers(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	_, err := eng.RebuildFile("app.json", manifest(t,
		fnDecl("caller", nil, "int", nRet(nCall("helper")))))
	require.NoError(t, err)

	// caller can't be generated yet.
	patches, errs := eng.GeneratePatches()
	assert.Empty(t, patches)
	require.Len(t, errs, 1)

	// Defining helper re-dirties nothing (caller has no edge yet, its
	// reference never resolved) but caller is still dirty from the failed
	// pass, and re-indexing it now records the edge.
	_, err = eng.RebuildFile("lib.json", manifest(t,
		fnDecl("helper", nil, "int", nRet(nConst("7")))))
	require.NoError(t, err)

	res, err := eng.RebuildFile("app.json", manifest(t,
		fnDecl("caller", nil, "int", nRet(nBin("+", nCall("helper"), nConst("0"))))))
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)

	patches, errs = eng.GeneratePatches()
	require.Empty(t, errs)
	assert.Len(t, patches, 2)
}

func TestIndexer_RemovedDeclarationReported(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	_, err := eng.RebuildFile("main.json", manifest(t, addAndMain()...))
	require.NoError(t, err)
	flush(t, eng)

	res, err := eng.RebuildFile("main.json", manifest(t, addAndMain()[1]))
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, "add", res.Removed[0].Name)
	// The caller is invalidated: its provider is gone.
	assert.Equal(t, []string{"main"}, dirtyNames(t, eng))

	frags, err := eng.Store().AllFragments()
	require.NoError(t, err)
	assert.Len(t, frags, 1)
}

func TestIndexer_SameNameDifferentKindAreDistinctFragments(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	res, err := eng.RebuildFile("main.json", manifest(t,
		Decl{Kind: "type", Name: "point"},
		Decl{Kind: "fn", Name: "point", Ret: "point", Body: []Node{nRet(nConst("0"))}},
	))
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.Len(t, res.Added, 2)
}

func TestDecl_ReferenceExtraction(t *testing.T) {
	t.Parallel()
	d := Decl{
		Kind:       "fn",
		Name:       "lookup",
		TypeParams: []TypeParam{{Name: "K", Constraint: "Hashable"}},
		Params: []Param{
			{Name: "m", Type: "Map<K, Entry>"},
			{Name: "n", Type: "int"},
		},
		Ret: "Entry",
		Body: []Node{
			nRet(nCall("probe", nLoad("m"), Node{Op: "global", Val: "defaultEntry"})),
		},
	}

	// Generic parameter K is shadowed; builtins are filtered at edge
	// construction, not here.
	assert.Equal(t, []string{"Entry", "Hashable", "Map", "int"}, d.interfaceRefs())
	assert.Equal(t, []string{"defaultEntry", "probe"}, d.bodyRefs())
}
