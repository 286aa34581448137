package ice

import (
	"errors"
	"fmt"

	"github.com/jward/ice/internal/store"
	"github.com/jward/ice/internal/wire"
)

// DuplicateDeclError reports two declarations with the same kind and name in
// one file. The first definition wins; the duplicate is skipped and this
// diagnostic is attached to the rebuild result.
type DuplicateDeclError struct {
	Path string
	Kind string
	Name string
}

func (e *DuplicateDeclError) Error() string {
	return fmt.Sprintf("%s: duplicate %s %q (first definition kept)", e.Path, e.Kind, e.Name)
}

// DanglingDepError reports a reference to a name with no definition anywhere
// in the database. The consumer is still indexed; the unresolved reference
// surfaces again at codegen time if it is still unresolved.
type DanglingDepError struct {
	Consumer store.FragID
	Name     string
}

func (e *DanglingDepError) Error() string {
	return fmt.Sprintf("%s: unresolved reference to %q", e.Consumer, e.Name)
}

// CodegenError wraps a code generation failure for one fragment. The
// fragment stays dirty and its last committed patch stays valid, so a
// running program keeps the old code until the source is fixed.
type CodegenError struct {
	Frag store.FragID
	Err  error
}

func (e *CodegenError) Error() string {
	return fmt.Sprintf("codegen %s: %v", e.Frag, e.Err)
}

func (e *CodegenError) Unwrap() error {
	return e.Err
}

// ChecksumError reports a patch whose code bytes do not match their declared
// digest. The loader rejects the patch and keeps whatever code the symbol
// had before.
type ChecksumError = wire.ChecksumError

// ErrStaleGeneration is returned when a patch was generated against a
// fragment revision that was replaced mid-generation. The caller abandons
// the patch; the fragment is still dirty and the next pass regenerates it.
var ErrStaleGeneration = errors.New("fragment replaced during generation")
