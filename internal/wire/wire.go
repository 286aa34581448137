// Package wire is the patch transport: a length-prefixed frame protocol the
// engine speaks to a running program's loader, and a reference Loader that
// applies patches transactionally.
//
// One patch travels as PATCH_BEGIN, then PATCH_DATA frames carrying the
// code in chunks, then PATCH_COMMIT carrying the digest. The loader replies
// with a STATUS frame on success; on a digest mismatch it replies
// PATCH_ROLLBACK, discards the staged chunks, and keeps running the code it
// had.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame types.
const (
	MsgPatchBegin    byte = 0x01
	MsgPatchData     byte = 0x02
	MsgPatchCommit   byte = 0x03
	MsgPatchRollback byte = 0x04
	MsgStatus        byte = 0x05
)

// maxFrameSize bounds a single frame payload. Patches are per-declaration
// and chunked, so anything near this is a protocol error, not a big
// function.
const maxFrameSize = 16 << 20

// ChunkSize is how much code one PATCH_DATA frame carries.
const ChunkSize = 4096

// Reloc mirrors one relocation entry on the wire.
type Reloc struct {
	Offset uint32 `json:"offset"`
	Kind   string `json:"kind"`
	SID    int64  `json:"sid"`
}

// Begin opens one patch: which symbol is being replaced, how many code
// bytes follow, and where its relocation sites are.
type Begin struct {
	SID    int64   `json:"sid"`
	Frag   string  `json:"frag"`
	Size   int     `json:"size"`
	Relocs []Reloc `json:"relocs,omitempty"`
	Epoch  int64   `json:"epoch"`
}

// Data carries one chunk of code.
type Data struct {
	Chunk []byte `json:"chunk"`
}

// Commit closes a patch. Checksum is the hex SHA-256 of the complete code.
type Commit struct {
	Checksum string `json:"checksum"`
}

// Rollback abandons the patch in flight. Sent by either side: the engine
// when it cannot finish streaming, the loader when verification fails.
type Rollback struct {
	SID    int64  `json:"sid"`
	Reason string `json:"reason,omitempty"`
}

// Status is the loader's reply after a successful commit.
type Status struct {
	SID      int64  `json:"sid"`
	Checksum string `json:"checksum"`
	Epoch    int64  `json:"epoch"`
	Symbols  int    `json:"symbols"`
}

// WriteFrame writes one frame: type byte, big-endian u32 payload length,
// then the JSON payload.
func WriteFrame(w io.Writer, typ byte, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal frame 0x%02x: %w", typ, err)
	}
	header := [5]byte{typ}
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its type and raw payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("wire: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return header[0], payload, nil
}

// decode unmarshals a payload into msg.
func decode(payload []byte, msg any) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}
