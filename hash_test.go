package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addDecl() *Decl {
	return &Decl{
		Kind: "fn",
		Name: "add",
		Params: []Param{
			{Name: "a", Type: "int"},
			{Name: "b", Type: "int"},
		},
		Ret: "int",
		Body: []Node{
			{Op: "return", Kids: []Node{
				{Op: "binary", Val: "+", Kids: []Node{
					{Op: "load", Val: "a"},
					{Op: "load", Val: "b"},
				}},
			}},
		},
		Text: "fn add(a int, b int) int { a + b }",
	}
}

func TestHashText_SensitiveToEveryByte(t *testing.T) {
	t.Parallel()
	a := HashText("fn add(a, b) { a + b }")
	b := HashText("fn add(a, b) { a+b }")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, HashText("fn add(a, b) { a + b }"))
	assert.Len(t, a, 64)
}

func TestHashStructure_IgnoresPositionsAndText(t *testing.T) {
	t.Parallel()
	d1 := addDecl()
	d2 := addDecl()
	// Reformatting: the raw span and every node position move, the shape
	// does not.
	d2.Text = "fn add(a int,\n      b int) int {\n  a + b\n}"
	for i := range d2.Body {
		shiftPositions(&d2.Body[i], 7)
	}

	assert.NotEqual(t, HashText(d1.Text), HashText(d2.Text))
	assert.Equal(t, HashStructure(d1), HashStructure(d2))
}

func shiftPositions(n *Node, by int) {
	n.Line += by
	n.Col += by
	for i := range n.Kids {
		shiftPositions(&n.Kids[i], by)
	}
}

func TestHashStructure_SeesBodyEdits(t *testing.T) {
	t.Parallel()
	d1 := addDecl()
	d2 := addDecl()
	d2.Body[0].Kids[0].Kids[1] = Node{Op: "const", Val: "0"}

	assert.NotEqual(t, HashStructure(d1), HashStructure(d2))
}

func TestHashInterface_StableAcrossBodyEdits(t *testing.T) {
	t.Parallel()
	d1 := addDecl()
	d2 := addDecl()
	d2.Body = []Node{{Op: "return", Kids: []Node{{Op: "const", Val: "42"}}}}

	assert.Equal(t, HashInterface(d1), HashInterface(d2))
	assert.NotEqual(t, HashStructure(d1), HashStructure(d2))
}

func TestHashInterface_SeesSignatureEdits(t *testing.T) {
	t.Parallel()
	base := HashInterface(addDecl())

	extra := addDecl()
	extra.Params = append(extra.Params, Param{Name: "c", Type: "int"})
	assert.NotEqual(t, base, HashInterface(extra))

	ret := addDecl()
	ret.Ret = "float"
	assert.NotEqual(t, base, HashInterface(ret))

	vis := addDecl()
	vis.Visibility = "pub"
	assert.NotEqual(t, base, HashInterface(vis))

	renamed := addDecl()
	renamed.Params[0].Name = "x"
	assert.NotEqual(t, base, HashInterface(renamed), "parameter names are part of the call surface")
}

func TestHashInterface_GenericConstraints(t *testing.T) {
	t.Parallel()
	d1 := &Decl{Kind: "fn", Name: "max", TypeParams: []TypeParam{{Name: "T", Constraint: "Ord"}}}
	d2 := &Decl{Kind: "fn", Name: "max", TypeParams: []TypeParam{{Name: "T", Constraint: "Eq"}}}
	assert.NotEqual(t, HashInterface(d1), HashInterface(d2))
}

func TestMarshalCanonical_RoundTripDropsPositions(t *testing.T) {
	t.Parallel()
	d := addDecl()
	d.Body[0].Line = 3
	d.Body[0].Col = 9

	data, err := d.MarshalCanonical()
	require.NoError(t, err)

	back, err := UnmarshalDecl(data)
	require.NoError(t, err)
	assert.Equal(t, "add", back.Name)
	assert.Zero(t, back.Body[0].Line)
	assert.Empty(t, back.Text)
	assert.Equal(t, HashStructure(d), HashStructure(back))
}
