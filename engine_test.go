package ice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/ice/internal/store"
	"github.com/jward/ice/internal/wire"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ice.db")
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	eng, err := New(dbPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func manifest(t *testing.T, decls ...Decl) []byte {
	t.Helper()
	data, err := json.Marshal(decls)
	require.NoError(t, err)
	return data
}

// Declaration builders for tests.

func fnDecl(name string, params []Param, ret string, body ...Node) Decl {
	return Decl{Kind: "fn", Name: name, Params: params, Ret: ret, Body: body}
}

func nCall(name string, args ...Node) Node { return Node{Op: "call", Val: name, Kids: args} }
func nLoad(name string) Node               { return Node{Op: "load", Val: name} }
func nConst(v string) Node                 { return Node{Op: "const", Val: v} }
func nRet(kids ...Node) Node               { return Node{Op: "return", Kids: kids} }

func nBin(op string, l, r Node) Node {
	return Node{Op: "binary", Val: op, Kids: []Node{l, r}}
}

func intParams(names ...string) []Param {
	params := make([]Param, len(names))
	for i, n := range names {
		params[i] = Param{Name: n, Type: "int"}
	}
	return params
}

// addAndMain is the canonical two-declaration program: main calls add.
func addAndMain() []Decl {
	return []Decl{
		fnDecl("add", intParams("a", "b"), "int",
			nRet(nBin("+", nLoad("a"), nLoad("b")))),
		fnDecl("main", nil, "int",
			nRet(nCall("add", nConst("1"), nConst("2")))),
	}
}

// fragID resolves a symbol name to its defining fragment.
func fragID(t *testing.T, eng *Engine, name string) store.FragID {
	t.Helper()
	sym, err := eng.Store().SymbolByName(name)
	require.NoError(t, err)
	require.NotNil(t, sym, "symbol %q should exist", name)
	return sym.Frag
}

// dirtyNames returns the names of all dirty fragments.
func dirtyNames(t *testing.T, eng *Engine) []string {
	t.Helper()
	frags, err := eng.Store().DirtyFragments()
	require.NoError(t, err)
	names := make([]string, len(frags))
	for i, f := range frags {
		names[i] = f.ID.Name
	}
	return names
}

// flush generates and discards all pending patches so the next edit starts
// from a clean dirty set.
func flush(t *testing.T, eng *Engine) {
	t.Helper()
	_, errs := eng.GeneratePatches()
	require.Empty(t, errs)
	n, err := eng.Store().DirtyCount()
	require.NoError(t, err)
	require.Zero(t, n)
}

// =============================================================================
// End to end
// =============================================================================

func TestEngine_RebuildStatusPatchRoundTrip(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	res, err := eng.RebuildFile("main.json", manifest(t, addAndMain()...))
	require.NoError(t, err)
	assert.Len(t, res.Added, 2)
	assert.Empty(t, res.Diagnostics)
	assert.EqualValues(t, 1, res.Epoch)

	st, err := eng.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files)
	assert.Equal(t, 2, st.Fragments)
	assert.Equal(t, 2, st.Symbols)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 2, st.Dirty)

	patches, errs := eng.GeneratePatches()
	require.Empty(t, errs)
	require.Len(t, patches, 2)

	// Ship the batch to a loader and make sure every symbol resolves.
	var buf bytes.Buffer
	require.NoError(t, eng.WritePatches(&buf, patches))
	loader := wire.NewLoader()
	require.NoError(t, loader.Apply(&buf, nil))
	assert.Equal(t, 2, loader.Symbols())
	for _, p := range patches {
		assert.Equal(t, p.Code, loader.Resolve(p.SID))
	}

	st, err = eng.Status()
	require.NoError(t, err)
	assert.Zero(t, st.Dirty)
	assert.Equal(t, 2, st.Patches)
}

func TestEngine_ResaveUnchangedTextIsNoOp(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	text := manifest(t, addAndMain()...)
	_, err := eng.RebuildFile("main.json", text)
	require.NoError(t, err)
	flush(t, eng)

	before, err := eng.Store().Epoch()
	require.NoError(t, err)

	res, err := eng.RebuildFile("main.json", text)
	require.NoError(t, err)
	assert.True(t, res.NoOp)

	after, err := eng.Store().Epoch()
	require.NoError(t, err)
	assert.Equal(t, before, after, "no-op rebuild must not bump the epoch")
	assert.Empty(t, dirtyNames(t, eng))
}

func TestEngine_ParseFailureOnNewFileLeavesNoTrace(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	_, err := eng.RebuildFile("broken.json", []byte("{not json"))
	require.Error(t, err)

	// The file row is staged with its fragments and committed together, so
	// nothing reaches the database when parsing fails.
	n, err := eng.Store().CountFiles()
	require.NoError(t, err)
	assert.Zero(t, n)
	epoch, err := eng.Store().Epoch()
	require.NoError(t, err)
	assert.Zero(t, epoch)

	// The same path indexes normally once it parses, and the reported
	// fragment ids carry the id assigned at commit.
	res, err := eng.RebuildFile("broken.json", manifest(t, addAndMain()...))
	require.NoError(t, err)
	require.Len(t, res.Added, 2)
	file, err := eng.Store().FileByPath("broken.json")
	require.NoError(t, err)
	require.NotNil(t, file)
	for _, id := range res.Added {
		assert.Equal(t, file.ID, id.FileID)
	}
}

func TestEngine_BodyEditShipsOnlyEditedFragment(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	_, err := eng.RebuildFile("main.json", manifest(t, addAndMain()...))
	require.NoError(t, err)
	flush(t, eng)

	mainPatch, err := eng.Store().CommittedPatch(fragID(t, eng, "main"))
	require.NoError(t, err)
	require.NotNil(t, mainPatch)

	decls := addAndMain()
	decls[0].Body = []Node{nRet(nBin("*", nLoad("a"), nLoad("b")))}
	_, err = eng.RebuildFile("main.json", manifest(t, decls...))
	require.NoError(t, err)

	patches, errs := eng.GeneratePatches()
	require.Empty(t, errs)
	require.Len(t, patches, 1)
	assert.Equal(t, "add", patches[0].Frag.Name)

	after, err := eng.Store().CommittedPatch(fragID(t, eng, "main"))
	require.NoError(t, err)
	assert.Equal(t, mainPatch.Checksum, after.Checksum, "main's code must be untouched")
}

func TestEngine_RemoveFileInvalidatesConsumers(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)

	_, err := eng.RebuildFile("lib.json", manifest(t,
		fnDecl("helper", nil, "int", nRet(nConst("7")))))
	require.NoError(t, err)
	_, err = eng.RebuildFile("app.json", manifest(t,
		fnDecl("caller", nil, "int", nRet(nCall("helper")))))
	require.NoError(t, err)
	flush(t, eng)

	require.NoError(t, eng.RemoveFile("lib.json"))
	assert.Equal(t, []string{"caller"}, dirtyNames(t, eng))

	// The reference is now dangling: regeneration fails and reports it, and
	// caller stays dirty on its last good patch.
	patches, errs := eng.GeneratePatches()
	assert.Empty(t, patches)
	require.Len(t, errs, 1)
	var cerr *CodegenError
	require.ErrorAs(t, errs[0], &cerr)
	assert.Equal(t, "caller", cerr.Frag.Name)
}

func TestEngine_FailedCodegenLeavesLoaderOnOldCode(t *testing.T) {
	t.Parallel()
	fail := false
	backend := func(d *Decl, resolve ResolveFunc) ([]byte, error) {
		if fail && d.Name == "add" {
			return nil, fmt.Errorf("type error")
		}
		return GenerateCode(d, resolve)
	}
	eng := newTestEngine(t, WithCodegen(backend))

	_, err := eng.RebuildFile("main.json", manifest(t, addAndMain()...))
	require.NoError(t, err)

	patches, errs := eng.GeneratePatches()
	require.Empty(t, errs)
	var buf bytes.Buffer
	require.NoError(t, eng.WritePatches(&buf, patches))

	loader := wire.NewLoader()
	require.NoError(t, loader.Apply(&buf, nil))
	addSID := patches[0].SID
	if patches[0].Frag.Name != "add" {
		addSID = patches[1].SID
	}
	oldCode := loader.Resolve(addSID)
	require.NotNil(t, oldCode)

	// The next edit fails to compile. No patch ships for add, and the
	// loader keeps resolving the symbol to the last good code.
	fail = true
	decls := addAndMain()
	decls[0].Body = []Node{nRet(nConst("1"))}
	_, err = eng.RebuildFile("main.json", manifest(t, decls...))
	require.NoError(t, err)

	patches, errs = eng.GeneratePatches()
	assert.Empty(t, patches)
	require.Len(t, errs, 1)

	buf.Reset()
	require.NoError(t, eng.WritePatches(&buf, patches))
	require.NoError(t, loader.Apply(&buf, nil))
	assert.Equal(t, oldCode, loader.Resolve(addSID))
}

func TestEngine_StateSurvivesReopen(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "ice.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := New(dbPath, WithLogger(logger))
	require.NoError(t, err)
	_, err = eng.RebuildFile("main.json", manifest(t, addAndMain()...))
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	// The dirty set, fragments, and epoch are all durable; a new process
	// resumes exactly where the last one stopped.
	eng, err = New(dbPath, WithLogger(logger))
	require.NoError(t, err)
	defer eng.Close()

	st, err := eng.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Fragments)
	assert.Equal(t, 2, st.Dirty)
	assert.EqualValues(t, 1, st.Epoch)

	patches, errs := eng.GeneratePatches()
	require.Empty(t, errs)
	assert.Len(t, patches, 2)
}
