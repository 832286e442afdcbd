package typed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	w := NewWriteBuffer(buf)

	require.NoError(t, w.WriteByte(0x7F))
	require.NoError(t, w.WriteUint16(0xBEEF))
	require.NoError(t, w.WriteUint32(0xDEADBEEF))
	require.NoError(t, w.WriteUint64(0x0102030405060708))
	require.NoError(t, w.WriteString8("hello"))
	require.NoError(t, w.WriteString16("tchannel"))

	r := NewReadBuffer(w.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x7F), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)

	s8, err := r.ReadString8()
	require.NoError(t, err)
	require.Equal(t, "hello", s8)

	s16, err := r.ReadString16()
	require.NoError(t, err)
	require.Equal(t, "tchannel", s16)

	require.Zero(t, r.BytesRemaining())
}

func TestWriteBufferFullReturnsErrFull(t *testing.T) {
	w := NewWriteBuffer(make([]byte, 1))
	require.NoError(t, w.WriteByte(1))
	require.ErrorIs(t, w.WriteByte(2), ErrFull)
}

func TestReadBufferEOFReturnsErrEOF(t *testing.T) {
	r := NewReadBuffer(make([]byte, 1))
	_, err := r.ReadByte()
	require.NoError(t, err)
	_, err = r.ReadByte()
	require.ErrorIs(t, err, ErrEOF)
}

func TestWriteString8RejectsOverlongStrings(t *testing.T) {
	w := NewWriteBuffer(make([]byte, 512))
	err := w.WriteString8(string(make([]byte, 256)))
	require.Error(t, err)
}

func TestFillFromResetsPosition(t *testing.T) {
	r := NewReadBufferWithSize(4)
	src := bytesReader{data: []byte{1, 2, 3, 4, 5, 6}}

	n, err := r.FillFrom(&src, 4)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(1), b)
}

type bytesReader struct {
	data []byte
	pos  int
}

func (b *bytesReader) Read(p []byte) (int, error) {
	n := copy(p, b.data[b.pos:])
	b.pos += n
	if n == 0 {
		return 0, errEOFSentinel
	}
	return n, nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errEOFSentinel = sentinelErr("bytesReader: exhausted")
