package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checksum(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// writePatch frames one complete patch into buf.
func writePatch(t *testing.T, buf *bytes.Buffer, sid int64, code []byte, sum string) {
	t.Helper()
	require.NoError(t, WriteFrame(buf, MsgPatchBegin, Begin{SID: sid, Size: len(code), Epoch: 1}))
	require.NoError(t, WriteFrame(buf, MsgPatchData, Data{Chunk: code}))
	require.NoError(t, WriteFrame(buf, MsgPatchCommit, Commit{Checksum: sum}))
}

func TestFrame_RoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	msg := Begin{SID: 42, Frag: "1/fn/add", Size: 9, Epoch: 3,
		Relocs: []Reloc{{Offset: 6, Kind: "indirect", SID: 7}}}
	require.NoError(t, WriteFrame(&buf, MsgPatchBegin, msg))

	typ, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPatchBegin, typ)

	var got Begin
	require.NoError(t, decode(payload, &got))
	assert.Equal(t, msg, got)

	_, _, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestLoader_ApplyAndResolve(t *testing.T) {
	t.Parallel()
	code := []byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x37, 0x04}

	var buf bytes.Buffer
	writePatch(t, &buf, 5, code, checksum(code))

	l := NewLoader()
	var reply bytes.Buffer
	require.NoError(t, l.Apply(&buf, &reply))

	assert.Equal(t, code, l.Resolve(5))
	assert.Equal(t, 1, l.Symbols())
	assert.EqualValues(t, 1, l.Epoch())

	typ, payload, err := ReadFrame(&reply)
	require.NoError(t, err)
	assert.Equal(t, MsgStatus, typ)
	var st Status
	require.NoError(t, decode(payload, &st))
	assert.Equal(t, checksum(code), st.Checksum)
	assert.EqualValues(t, 5, st.SID)
}

func TestLoader_ChunkedCodeReassembles(t *testing.T) {
	t.Parallel()
	code := bytes.Repeat([]byte{0x04}, ChunkSize*2+17)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgPatchBegin, Begin{SID: 9, Size: len(code)}))
	for off := 0; off < len(code); off += ChunkSize {
		end := off + ChunkSize
		if end > len(code) {
			end = len(code)
		}
		require.NoError(t, WriteFrame(&buf, MsgPatchData, Data{Chunk: code[off:end]}))
	}
	require.NoError(t, WriteFrame(&buf, MsgPatchCommit, Commit{Checksum: checksum(code)}))

	l := NewLoader()
	require.NoError(t, l.Apply(&buf, nil))
	assert.Equal(t, code, l.Resolve(9))
}

func TestLoader_ChecksumMismatchKeepsPreviousCode(t *testing.T) {
	t.Parallel()
	oldCode := []byte{0x01, 0x04}
	newCode := []byte{0x02, 0x04}

	l := NewLoader()
	var buf bytes.Buffer
	writePatch(t, &buf, 5, oldCode, checksum(oldCode))
	require.NoError(t, l.Apply(&buf, nil))

	// Corrupted in transit: the declared digest does not match the bytes.
	buf.Reset()
	writePatch(t, &buf, 5, newCode, checksum([]byte("something else")))

	var reply bytes.Buffer
	err := l.Apply(&buf, &reply)
	var cerr *ChecksumError
	require.ErrorAs(t, err, &cerr)
	assert.EqualValues(t, 5, cerr.SID)

	// The loader keeps running the previous code and told the sender so.
	assert.Equal(t, oldCode, l.Resolve(5))
	typ, payload, err := ReadFrame(&reply)
	require.NoError(t, err)
	assert.Equal(t, MsgPatchRollback, typ)
	var rb Rollback
	require.NoError(t, decode(payload, &rb))
	assert.EqualValues(t, 5, rb.SID)
}

func TestLoader_SenderRollbackDiscardsStaged(t *testing.T) {
	t.Parallel()
	l := NewLoader()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgPatchBegin, Begin{SID: 3, Size: 8}))
	require.NoError(t, WriteFrame(&buf, MsgPatchData, Data{Chunk: []byte{1, 2, 3, 4}}))
	require.NoError(t, WriteFrame(&buf, MsgPatchRollback, Rollback{SID: 3, Reason: "source edited"}))

	err := l.Apply(&buf, nil)
	require.Error(t, err)
	assert.Nil(t, l.Resolve(3))
}

func TestLoader_TruncatedPatchIsError(t *testing.T) {
	t.Parallel()
	l := NewLoader()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgPatchBegin, Begin{SID: 3, Size: 8}))
	require.NoError(t, WriteFrame(&buf, MsgPatchData, Data{Chunk: []byte{1, 2}}))

	err := l.Apply(&buf, nil)
	require.Error(t, err)
	assert.Nil(t, l.Resolve(3))
}

func TestLoader_OversizedPatchRejected(t *testing.T) {
	t.Parallel()
	l := NewLoader()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgPatchBegin, Begin{SID: 3, Size: 2}))
	require.NoError(t, WriteFrame(&buf, MsgPatchData, Data{Chunk: []byte{1, 2, 3}}))

	err := l.Apply(&buf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds declared size")
}

func TestLoader_EarlierPatchesInStreamStayApplied(t *testing.T) {
	t.Parallel()
	good := []byte{0x01, 0x04}
	bad := []byte{0x02, 0x04}

	var buf bytes.Buffer
	writePatch(t, &buf, 1, good, checksum(good))
	writePatch(t, &buf, 2, bad, checksum([]byte("corrupt")))

	l := NewLoader()
	err := l.Apply(&buf, nil)
	require.Error(t, err)

	assert.Equal(t, good, l.Resolve(1), "committed patches precede the failure")
	assert.Nil(t, l.Resolve(2))
}
