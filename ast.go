package ice

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Decl is one top-level declaration in canonical form. The engine never
// lexes source text itself; a frontend hands it Decls through a ParseFunc
// and everything downstream (hashing, dependency extraction, codegen) works
// on this shape.
type Decl struct {
	Kind       string      `json:"kind"` // "fn", "type", "var", "const"
	Name       string      `json:"name"`
	Visibility string      `json:"visibility,omitempty"` // "pub" or ""
	TypeParams []TypeParam `json:"type_params,omitempty"`
	Params     []Param     `json:"params,omitempty"`
	Ret        string      `json:"ret,omitempty"`
	Body       []Node      `json:"body,omitempty"`
	Text       string      `json:"text"` // raw source span of this declaration
}

// Param is one value parameter of a fn declaration.
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypeParam is one generic parameter with an optional constraint.
type TypeParam struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
}

// Node is one body AST node. Line and Col are diagnostic positions only;
// canonical serialization drops them, so reformatting a body never changes
// its structure digest.
type Node struct {
	Op   string `json:"op"`            // "const", "load", "call", "global", "binary", "return", ...
	Val  string `json:"val,omitempty"` // literal text, identifier, or operator
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
	Kids []Node `json:"kids,omitempty"`
}

// FragKey returns the (kind, name) identity of the declaration within its
// file.
func (d *Decl) FragKey() (kind, name string) {
	return d.Kind, d.Name
}

// canonicalStructure writes a stable pre-order rendering of the whole
// declaration, positions stripped. Two declarations that differ only in
// whitespace, comments, or node positions render identically.
func (d *Decl) canonicalStructure(sb *strings.Builder) {
	d.canonicalInterface(sb)
	sb.WriteString("body(")
	for i := range d.Body {
		if i > 0 {
			sb.WriteByte(',')
		}
		d.Body[i].canonical(sb)
	}
	sb.WriteByte(')')
}

// canonicalInterface writes only the declaration's visible surface: kind,
// name, visibility, generic parameters, parameter types, and return type.
// Parameter NAMES are included deliberately: renaming a parameter changes
// call-site keyword syntax in the surface language, so it is an interface
// change. The body never appears here.
func (d *Decl) canonicalInterface(sb *strings.Builder) {
	sb.WriteString(d.Kind)
	sb.WriteByte(' ')
	if d.Visibility != "" {
		sb.WriteString(d.Visibility)
		sb.WriteByte(' ')
	}
	sb.WriteString(d.Name)
	if len(d.TypeParams) > 0 {
		sb.WriteByte('<')
		for i, tp := range d.TypeParams {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(tp.Name)
			if tp.Constraint != "" {
				sb.WriteByte(':')
				sb.WriteString(tp.Constraint)
			}
		}
		sb.WriteByte('>')
	}
	sb.WriteByte('(')
	for i, p := range d.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.Name)
		sb.WriteByte(' ')
		sb.WriteString(p.Type)
	}
	sb.WriteByte(')')
	if d.Ret != "" {
		sb.WriteString("->")
		sb.WriteString(d.Ret)
	}
	sb.WriteByte(';')
}

func (n *Node) canonical(sb *strings.Builder) {
	sb.WriteString(n.Op)
	if n.Val != "" {
		sb.WriteByte(':')
		sb.WriteString(n.Val)
	}
	if len(n.Kids) > 0 {
		sb.WriteByte('[')
		for i := range n.Kids {
			if i > 0 {
				sb.WriteByte(',')
			}
			n.Kids[i].canonical(sb)
		}
		sb.WriteByte(']')
	}
}

// stripPositions returns a copy of the body with all Line/Col cleared, for
// storage as the canonical AST.
func stripPositions(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = Node{Op: n.Op, Val: n.Val, Kids: stripPositions(n.Kids)}
	}
	return out
}

// MarshalCanonical serializes the declaration for storage: positions
// stripped, fields in fixed order.
func (d *Decl) MarshalCanonical() ([]byte, error) {
	canon := *d
	canon.Body = stripPositions(d.Body)
	canon.Text = ""
	data, err := json.Marshal(&canon)
	if err != nil {
		return nil, fmt.Errorf("marshal declaration %s %s: %w", d.Kind, d.Name, err)
	}
	return data, nil
}

// UnmarshalDecl decodes a stored canonical declaration.
func UnmarshalDecl(data []byte) (*Decl, error) {
	d := &Decl{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("unmarshal declaration: %w", err)
	}
	return d, nil
}

// ParseFunc turns one file's text into declarations. The frontend owns
// lexing and grammar; the engine only requires that the same text always
// yields the same declarations.
type ParseFunc func(path string, text []byte) ([]Decl, error)

// ParseManifest is the reference frontend: the file is a JSON array of
// declarations, as produced by a compiler frontend running ahead of the
// engine. Declarations missing a raw Text span get one synthesized from
// their canonical form so the raw-text digest is still meaningful.
func ParseManifest(path string, text []byte) ([]Decl, error) {
	var decls []Decl
	if err := json.Unmarshal(text, &decls); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range decls {
		if decls[i].Kind == "" || decls[i].Name == "" {
			return nil, fmt.Errorf("parse %s: declaration %d missing kind or name", path, i)
		}
		if decls[i].Text == "" {
			var sb strings.Builder
			decls[i].canonicalStructure(&sb)
			decls[i].Text = sb.String()
		}
	}
	return decls, nil
}

// interfaceRefs collects the type names the declaration's visible surface
// mentions: parameter types, return type, and generic constraints. Sorted
// and de-duplicated.
func (d *Decl) interfaceRefs() []string {
	seen := map[string]bool{}
	add := func(expr string) {
		for _, name := range typeNames(expr) {
			seen[name] = true
		}
	}
	for _, p := range d.Params {
		add(p.Type)
	}
	add(d.Ret)
	for _, tp := range d.TypeParams {
		add(tp.Constraint)
		// A generic parameter shadows any global type of the same name.
		delete(seen, tp.Name)
	}
	return sortedKeys(seen)
}

// bodyRefs collects the names the body references through call and global
// nodes. Sorted and de-duplicated.
func (d *Decl) bodyRefs() []string {
	seen := map[string]bool{}
	var walk func(nodes []Node)
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch n.Op {
			case "call", "global":
				if n.Val != "" {
					seen[n.Val] = true
				}
			}
			walk(n.Kids)
		}
	}
	walk(d.Body)
	return sortedKeys(seen)
}

// typeNames splits a type expression into its identifier components.
// "Map<str, List<int>>" yields Map, str, List, int. Lowercase builtin
// primitives are kept; resolution decides which names are user-defined.
func typeNames(expr string) []string {
	var names []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			names = append(names, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			cur.Len() > 0 && r >= '0' && r <= '9' {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return names
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
