package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// ChecksumError reports a patch whose code does not match its declared
// digest.
type ChecksumError struct {
	SID  int64
	Want string
	Got  string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("patch for sid %d: checksum mismatch: want %s, got %s", e.SID, e.Want, e.Got)
}

// Loader is the reference runtime side of the protocol. It keeps one code
// blob per symbol id behind an indirection table; committing a patch swaps
// the blob, and call sites that dispatch through the table pick up the new
// code on their next call without being rewritten.
//
// A patch becomes visible only after its digest verifies at commit. Until
// then its chunks sit in a staging buffer, so a running program never
// observes half a patch, and a corrupted patch leaves the previous code in
// place.
type Loader struct {
	mu    sync.RWMutex
	table map[int64][]byte
	epoch int64
}

// NewLoader creates an empty loader.
func NewLoader() *Loader {
	return &Loader{table: map[int64][]byte{}}
}

// Resolve returns the current code for a symbol id, or nil if the symbol
// has never been patched in.
func (l *Loader) Resolve(sid int64) []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.table[sid]
}

// Epoch returns the database epoch of the last committed patch.
func (l *Loader) Epoch() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Symbols returns the number of loaded symbols.
func (l *Loader) Symbols() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.table)
}

// Apply reads patches from r until EOF and applies each one that verifies.
// Replies (STATUS on success, PATCH_ROLLBACK on verification failure) are
// written to reply; a nil reply discards them. On a failed patch the
// loader's table keeps the previous code for that symbol and Apply returns
// the error; already-committed patches from the same stream stay applied.
func (l *Loader) Apply(r io.Reader, reply io.Writer) error {
	for {
		typ, payload, err := ReadFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if typ != MsgPatchBegin {
			return fmt.Errorf("wire: expected begin frame, got 0x%02x", typ)
		}
		var begin Begin
		if err := decode(payload, &begin); err != nil {
			return err
		}
		if err := l.applyOne(r, reply, &begin); err != nil {
			return err
		}
	}
}

// applyOne stages one patch's chunks and commits or discards them.
func (l *Loader) applyOne(r io.Reader, reply io.Writer, begin *Begin) error {
	staged := make([]byte, 0, begin.Size)
	for {
		typ, payload, err := ReadFrame(r)
		if err != nil {
			return fmt.Errorf("wire: patch for sid %d truncated: %w", begin.SID, err)
		}

		switch typ {
		case MsgPatchData:
			var data Data
			if err := decode(payload, &data); err != nil {
				return err
			}
			staged = append(staged, data.Chunk...)
			if len(staged) > begin.Size {
				return fmt.Errorf("wire: patch for sid %d: %d bytes exceeds declared size %d",
					begin.SID, len(staged), begin.Size)
			}

		case MsgPatchCommit:
			var commit Commit
			if err := decode(payload, &commit); err != nil {
				return err
			}
			sum := sha256.Sum256(staged)
			got := hex.EncodeToString(sum[:])
			if got != commit.Checksum || len(staged) != begin.Size {
				cerr := &ChecksumError{SID: begin.SID, Want: commit.Checksum, Got: got}
				if reply != nil {
					WriteFrame(reply, MsgPatchRollback, Rollback{SID: begin.SID, Reason: cerr.Error()})
				}
				return cerr
			}
			l.mu.Lock()
			l.table[begin.SID] = staged
			if begin.Epoch > l.epoch {
				l.epoch = begin.Epoch
			}
			symbols := len(l.table)
			l.mu.Unlock()
			if reply != nil {
				if err := WriteFrame(reply, MsgStatus, Status{
					SID: begin.SID, Checksum: got, Epoch: begin.Epoch, Symbols: symbols,
				}); err != nil {
					return err
				}
			}
			return nil

		case MsgPatchRollback:
			var rb Rollback
			if err := decode(payload, &rb); err != nil {
				return err
			}
			// Sender abandoned the patch; forget the staged chunks.
			return fmt.Errorf("wire: patch for sid %d rolled back: %s", begin.SID, rb.Reason)

		default:
			return fmt.Errorf("wire: unexpected frame 0x%02x inside patch", typ)
		}
	}
}
