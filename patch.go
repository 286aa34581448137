package ice

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jward/ice/internal/store"
)

// RelocKind says how the loader rewrites a relocation site.
type RelocKind string

const (
	// RelocAbsolute sites hold the final address of the symbol's storage.
	RelocAbsolute RelocKind = "absolute"
	// RelocRelative sites hold a displacement from the site itself.
	RelocRelative RelocKind = "relative"
	// RelocIndirect sites hold an index into the loader's dispatch table,
	// so re-patching the target later requires no rewrite here.
	RelocIndirect RelocKind = "indirect"
)

// Reloc marks one symbol reference inside generated code: the byte offset
// of the operand, how to rewrite it, and which symbol it names.
type Reloc struct {
	Offset uint32    `json:"offset"`
	Kind   RelocKind `json:"kind"`
	SID    int64     `json:"sid"`
}

// Patch is one unit of live code replacement: new code for one symbol plus
// the relocation table the loader needs to bind it.
type Patch struct {
	Frag     store.FragID `json:"frag"`
	SID      int64        `json:"sid"`
	Code     []byte       `json:"code"`
	Relocs   []Reloc      `json:"relocs"`
	Checksum string       `json:"checksum"`
	Epoch    int64        `json:"epoch"`
}

// PatchGenerator regenerates code for dirty fragments and diffs the result
// against what was last shipped.
type PatchGenerator struct {
	store   *store.Store
	codegen CodegenFunc
}

// NewPatchGenerator creates a generator using backend for code emission.
func NewPatchGenerator(s *store.Store, backend CodegenFunc) *PatchGenerator {
	return &PatchGenerator{store: s, codegen: backend}
}

// Generate regenerates one dirty fragment. Outcomes:
//
//   - New code differs from the committed patch: the patch is committed and
//     returned, and the fragment's dirty flag clears.
//   - New code is byte-identical to the committed patch: nil patch, dirty
//     clears. A body edit that compiles to the same code ships nothing.
//   - The backend fails: a *CodegenError is returned, the fragment stays
//     dirty, and the committed patch is untouched, so the running program
//     keeps the last good code.
//   - The fragment was replaced while generating: ErrStaleGeneration, and
//     the result is abandoned. The replacement left the fragment dirty, so
//     the next pass redoes it against current state.
func (pg *PatchGenerator) Generate(frag *store.Fragment) (*Patch, error) {
	decl, err := UnmarshalDecl(frag.AST)
	if err != nil {
		return nil, &CodegenError{Frag: frag.ID, Err: err}
	}

	resolve := func(name string) (int64, bool) {
		sym, err := pg.store.SymbolByName(name)
		if err != nil || sym == nil {
			return 0, false
		}
		return sym.SID, true
	}

	code, err := pg.codegen(decl, resolve)
	if err != nil {
		return nil, &CodegenError{Frag: frag.ID, Err: err}
	}

	// The backend may have read other fragments' state through resolve; if
	// this fragment was replaced underneath us, the output describes a
	// revision that no longer exists.
	cur, err := pg.store.FragmentByID(frag.ID)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.Generation != frag.Generation {
		return nil, ErrStaleGeneration
	}

	if code == nil {
		// Declaration produces no code. Drop any stale patch from a prior
		// revision that did.
		if err := pg.store.DeletePatch(frag.ID); err != nil {
			return nil, err
		}
		return nil, pg.store.ClearDirty(frag.ID)
	}

	committed, err := pg.store.CommittedPatch(frag.ID)
	if err != nil {
		return nil, err
	}
	if committed != nil && bytes.Equal(committed.Code, code) {
		// Same bytes as what the loader already has: nothing to ship.
		return nil, pg.store.ClearDirty(frag.ID)
	}

	relocs, err := scanRelocs(code)
	if err != nil {
		return nil, &CodegenError{Frag: frag.ID, Err: err}
	}

	sym, err := pg.store.SymbolByName(frag.ID.Name)
	if err != nil {
		return nil, err
	}
	if sym == nil {
		return nil, &CodegenError{Frag: frag.ID, Err: fmt.Errorf("no symbol for %q", frag.ID.Name)}
	}

	epoch, err := pg.store.Epoch()
	if err != nil {
		return nil, err
	}

	patch := &Patch{
		Frag:     frag.ID,
		SID:      sym.SID,
		Code:     code,
		Relocs:   relocs,
		Checksum: HashBytes(code),
		Epoch:    epoch,
	}

	relocJSON, err := json.Marshal(patch.Relocs)
	if err != nil {
		return nil, fmt.Errorf("marshal relocations for %s: %w", frag.ID, err)
	}
	if err := pg.store.SavePatch(&store.PatchRecord{
		Frag:        patch.Frag,
		SID:         patch.SID,
		Code:        patch.Code,
		Relocations: relocJSON,
		Checksum:    patch.Checksum,
		Epoch:       patch.Epoch,
	}); err != nil {
		return nil, err
	}
	if err := pg.store.ClearDirty(frag.ID); err != nil {
		return nil, err
	}
	return patch, nil
}

// scanRelocs walks the bytecode and records every symbol-id operand. Calls
// dispatch through the loader's table, so their sites are indirect; global
// loads bind to the symbol's storage address, so their sites are absolute.
func scanRelocs(code []byte) ([]Reloc, error) {
	var relocs []Reloc
	i := 0
	for i < len(code) {
		op := code[i]
		switch op {
		case opConst:
			if i+5 > len(code) {
				return nil, fmt.Errorf("truncated const at offset %d", i)
			}
			n := binary.BigEndian.Uint32(code[i+1 : i+5])
			i += 5 + int(n)
		case opLoad:
			i += 2
		case opBinary:
			i += 2
		case opReturn:
			i++
		case opCall:
			if i+6 > len(code) {
				return nil, fmt.Errorf("truncated call at offset %d", i)
			}
			sid := binary.BigEndian.Uint32(code[i+1 : i+5])
			relocs = append(relocs, Reloc{Offset: uint32(i + 1), Kind: RelocIndirect, SID: int64(sid)})
			i += 6
		case opGlobal:
			if i+5 > len(code) {
				return nil, fmt.Errorf("truncated global at offset %d", i)
			}
			sid := binary.BigEndian.Uint32(code[i+1 : i+5])
			relocs = append(relocs, Reloc{Offset: uint32(i + 1), Kind: RelocAbsolute, SID: int64(sid)})
			i += 5
		default:
			return nil, fmt.Errorf("unknown opcode 0x%02x at offset %d", op, i)
		}
		if i > len(code) {
			return nil, fmt.Errorf("operand runs past end of code")
		}
	}
	return relocs, nil
}
