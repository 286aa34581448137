package ice

import (
	"io"

	"github.com/jward/ice/internal/wire"
)

// writePatchStream frames patches for a loader. Each patch travels as a
// begin frame, its code in chunks, and a commit frame carrying the digest.
// If a chunk cannot be written mid-patch, a rollback frame is attempted so
// the far side discards what it staged.
func writePatchStream(w io.Writer, patches []*Patch) error {
	for _, p := range patches {
		relocs := make([]wire.Reloc, len(p.Relocs))
		for i, r := range p.Relocs {
			relocs[i] = wire.Reloc{Offset: r.Offset, Kind: string(r.Kind), SID: r.SID}
		}
		begin := wire.Begin{
			SID:    p.SID,
			Frag:   p.Frag.String(),
			Size:   len(p.Code),
			Relocs: relocs,
			Epoch:  p.Epoch,
		}
		if err := wire.WriteFrame(w, wire.MsgPatchBegin, begin); err != nil {
			return err
		}
		for off := 0; off < len(p.Code); off += wire.ChunkSize {
			end := off + wire.ChunkSize
			if end > len(p.Code) {
				end = len(p.Code)
			}
			if err := wire.WriteFrame(w, wire.MsgPatchData, wire.Data{Chunk: p.Code[off:end]}); err != nil {
				wire.WriteFrame(w, wire.MsgPatchRollback, wire.Rollback{SID: p.SID, Reason: err.Error()})
				return err
			}
		}
		if err := wire.WriteFrame(w, wire.MsgPatchCommit, wire.Commit{Checksum: p.Checksum}); err != nil {
			return err
		}
	}
	return nil
}
