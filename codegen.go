package ice

import (
	"encoding/binary"
	"fmt"
)

// The reference code format is a flat stack bytecode. Every opcode has a
// fixed operand layout, so the patch generator can scan emitted code for
// the operands that name symbols:
//
//	opConst  0x01  u32 len, then len raw literal bytes
//	opLoad   0x02  u8 parameter index
//	opBinary 0x03  u8 operator byte
//	opReturn 0x04  no operands
//	opCall   0x05  u32 symbol id, u8 argument count
//	opGlobal 0x06  u32 symbol id
//
// Symbol ids in opCall and opGlobal are the relocatable operands: the bytes
// a loader rewrites when it binds the code into a running program.
const (
	opConst  byte = 0x01
	opLoad   byte = 0x02
	opBinary byte = 0x03
	opReturn byte = 0x04
	opCall   byte = 0x05
	opGlobal byte = 0x06
)

// ResolveFunc maps a referenced name to its stable symbol id.
type ResolveFunc func(name string) (int64, bool)

// CodegenFunc produces executable code for one declaration. A nil, nil
// return means the declaration produces no code (type declarations, for
// example); the engine then clears its dirty flag without emitting a patch.
type CodegenFunc func(d *Decl, resolve ResolveFunc) ([]byte, error)

// GenerateCode is the reference backend: it lowers a declaration body to the
// stack bytecode above. Real deployments substitute their own backend via
// WithCodegen; everything the engine does with the result (relocation
// scanning, checksumming, diffing against the committed patch) is
// format-driven and carries over.
func GenerateCode(d *Decl, resolve ResolveFunc) ([]byte, error) {
	if d.Kind == "type" {
		return nil, nil
	}

	params := make(map[string]int, len(d.Params))
	for i, p := range d.Params {
		params[p.Name] = i
	}

	g := &codeWriter{params: params, resolve: resolve}
	for i := range d.Body {
		if err := g.emit(&d.Body[i]); err != nil {
			return nil, err
		}
	}
	if len(g.buf) == 0 || g.buf[len(g.buf)-1] != opReturn {
		g.buf = append(g.buf, opReturn)
	}
	return g.buf, nil
}

type codeWriter struct {
	buf     []byte
	params  map[string]int
	resolve ResolveFunc
}

func (g *codeWriter) emit(n *Node) error {
	switch n.Op {
	case "const":
		g.buf = append(g.buf, opConst)
		g.buf = binary.BigEndian.AppendUint32(g.buf, uint32(len(n.Val)))
		g.buf = append(g.buf, n.Val...)

	case "load", "ident":
		if idx, ok := g.params[n.Val]; ok {
			g.buf = append(g.buf, opLoad, byte(idx))
			return nil
		}
		return g.emitGlobal(n.Val)

	case "global":
		return g.emitGlobal(n.Val)

	case "call":
		for i := range n.Kids {
			if err := g.emit(&n.Kids[i]); err != nil {
				return err
			}
		}
		sid, ok := g.resolve(n.Val)
		if !ok {
			return fmt.Errorf("unresolved call target %q", n.Val)
		}
		g.buf = append(g.buf, opCall)
		g.buf = binary.BigEndian.AppendUint32(g.buf, uint32(sid))
		g.buf = append(g.buf, byte(len(n.Kids)))

	case "binary":
		if len(n.Kids) != 2 {
			return fmt.Errorf("binary node %q needs 2 operands, got %d", n.Val, len(n.Kids))
		}
		for i := range n.Kids {
			if err := g.emit(&n.Kids[i]); err != nil {
				return err
			}
		}
		var op byte
		if n.Val != "" {
			op = n.Val[0]
		}
		g.buf = append(g.buf, opBinary, op)

	case "return":
		for i := range n.Kids {
			if err := g.emit(&n.Kids[i]); err != nil {
				return err
			}
		}
		g.buf = append(g.buf, opReturn)

	default:
		return fmt.Errorf("unknown node op %q", n.Op)
	}
	return nil
}

func (g *codeWriter) emitGlobal(name string) error {
	sid, ok := g.resolve(name)
	if !ok {
		return fmt.Errorf("unresolved reference %q", name)
	}
	g.buf = append(g.buf, opGlobal)
	g.buf = binary.BigEndian.AppendUint32(g.buf, uint32(sid))
	return nil
}
