package ice

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// The three content digests of a declaration, ordered from most to least
// volatile. Change classification compares them pairwise:
//
//	TextHash differs, StructureHash same  -> formatting-only edit, no-op
//	StructureHash differs, InterfaceHash same -> body edit, regen this
//	                                             fragment only
//	InterfaceHash differs                 -> interface edit, consumers
//	                                         invalidated
//
// All three are hex-encoded SHA-256.

// HashText digests the raw source span of a declaration.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashStructure digests the canonical form of the whole declaration,
// positions stripped. Whitespace and comment edits never change it.
func HashStructure(d *Decl) string {
	var sb strings.Builder
	d.canonicalStructure(&sb)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashInterface digests only the declaration's visible surface. Any body
// edit leaves it unchanged, which is the property the invalidation fuse is
// built on.
func HashInterface(d *Decl) string {
	var sb strings.Builder
	d.canonicalInterface(&sb)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashBytes digests arbitrary bytes; used for patch checksums.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
