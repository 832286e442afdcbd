package tchannel

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kschoon/tchannel/checksum"
	"github.com/kschoon/tchannel/typed"
)

// noopMessage is a Message with no fixed fields of its own, used so these
// tests exercise only the generic fragment/chunk machinery.
type noopMessage struct{ id uint32 }

func (m *noopMessage) Id() uint32                       { return m.id }
func (m *noopMessage) Type() MessageType                { return MessageTypeCallReqContinue }
func (m *noopMessage) write(w *typed.WriteBuffer) error { return nil }
func (m *noopMessage) read(r *typed.ReadBuffer) error   { return nil }

// fakeOutChannel collects fragments into frames, as a Connection would send
// them over the wire.
type fakeOutChannel struct {
	pool   FramePool
	msg    Message
	cs     checksum.Checksum
	frames []*Frame
}

func (f *fakeOutChannel) beginFragment() (*outFragment, error) {
	return newOutboundFragment(f.pool.Get(), f.msg, f.cs)
}

func (f *fakeOutChannel) flushFragment(frag *outFragment, last bool) error {
	f.frames = append(f.frames, frag.finish(last))
	return nil
}

// fakeInChannel replays frames previously produced by a fakeOutChannel,
// mirroring how InboundCall/OutboundCallResponse implement
// inFragmentChannel: it hands back the current fragment while it still has
// unconsumed chunks (so a part boundary falling mid-fragment resumes
// correctly), only pulling a new frame off the wire once that fragment is
// exhausted, and chains the checksum across fragments.
type fakeInChannel struct {
	frames []*Frame
	idx    int

	curFragment *inFragment
	recvLast    bool
}

func (f *fakeInChannel) waitForFragment() (*inFragment, error) {
	if f.curFragment != nil && f.curFragment.hasMoreChunks() {
		return f.curFragment, nil
	}

	if f.recvLast || f.idx >= len(f.frames) {
		return nil, io.EOF
	}

	frame := f.frames[f.idx]
	f.idx++

	var cs checksum.Checksum
	if f.curFragment != nil {
		cs = f.curFragment.checksum
	}

	frag, err := newInboundFragment(frame, &noopMessage{}, cs)
	if err != nil {
		return nil, err
	}
	f.curFragment = frag
	f.recvLast = frag.last
	return frag, nil
}

func writeParts(t *testing.T, cs checksum.Checksum, parts [][]byte) []*Frame {
	t.Helper()
	out := &fakeOutChannel{pool: &syncPoolFramePool{}, msg: &noopMessage{}, cs: cs}
	w := newMultiPartWriter(out)

	for i, part := range parts {
		last := i == len(parts)-1
		require.NoError(t, w.WritePart(BytesOutput(part), last))
	}

	return out.frames
}

func readParts(t *testing.T, frames []*Frame, n int) [][]byte {
	t.Helper()
	in := &fakeInChannel{frames: frames}

	got := make([][]byte, n)
	for i := 0; i < n; i++ {
		r := newMultiPartReader(in, i == n-1)
		var b []byte
		require.NoError(t, r.ReadPart(NewBytesInput(&b), i == n-1))
		got[i] = b
	}
	return got
}

func TestFragmentationSinglePartFitsOneFragment(t *testing.T) {
	parts := [][]byte{[]byte("hello, tchannel")}
	frames := writeParts(t, checksum.New(checksum.TypeCrc32), parts)
	require.Len(t, frames, 1)

	got := readParts(t, frames, 1)
	require.Equal(t, parts, got)
}

func TestFragmentationMultiplePartsOneCall(t *testing.T) {
	parts := [][]byte{[]byte("arg1op"), []byte("arg2data"), []byte("arg3 payload, bigger")}
	frames := writeParts(t, checksum.New(checksum.TypeCrc32), parts)

	got := readParts(t, frames, len(parts))
	require.Equal(t, parts, got)
}

func TestFragmentationSpansManyFrames(t *testing.T) {
	big := make([]byte, 5*MaxFramePayloadSize+123)
	for i := range big {
		big[i] = byte(i)
	}

	frames := writeParts(t, checksum.New(checksum.TypeFarmhash32), [][]byte{big})
	require.Greater(t, len(frames), 1)

	got := readParts(t, frames, 1)
	require.Equal(t, big, got[0])
}

func TestFragmentationAlignsExactlyAtFragmentBoundary(t *testing.T) {
	// Discover the first fragment's exact chunk capacity, then write a part
	// that exactly fills it: the writer must still emit a trailing fragment
	// carrying a zero-length chunk so the reader can tell the part ended
	// there rather than continuing into the next fragment.
	probe := &fakeOutChannel{pool: &syncPoolFramePool{}, msg: &noopMessage{}, cs: checksum.New(checksum.TypeNone)}
	frag, err := probe.beginFragment()
	require.NoError(t, err)
	require.NoError(t, frag.beginChunk())
	capacity := frag.bytesRemaining()

	exact := make([]byte, capacity)
	for i := range exact {
		exact[i] = byte(i)
	}

	frames := writeParts(t, checksum.New(checksum.TypeNone), [][]byte{exact, []byte("second part")})
	// The first part exactly fills one fragment, forcing the writer to open
	// a fresh fragment (carrying a zero-length "boundary" chunk) before the
	// second part's bytes; that second fragment is what actually goes out.
	require.Len(t, frames, 2)

	got := readParts(t, frames, 2)
	require.Equal(t, exact, got[0])
	require.Equal(t, []byte("second part"), got[1])
}

func TestFragmentationMismatchedChecksumDetected(t *testing.T) {
	frames := writeParts(t, checksum.New(checksum.TypeCrc32), [][]byte{[]byte("tamper me")})
	require.Len(t, frames, 1)

	// Flip a payload byte after the checksum was stamped so the reader's
	// recomputed checksum no longer matches.
	frames[0].Payload[frames[0].Header.Size-FrameHeaderSize-1] ^= 0xFF

	in := &fakeInChannel{frames: frames}
	_, err := in.waitForFragment()
	require.ErrorIs(t, err, ErrMismatchedChecksum)
}

func TestFragmentationLeftoverDataRejected(t *testing.T) {
	frames := writeParts(t, checksum.New(checksum.TypeCrc32), [][]byte{[]byte("0123456789")})

	in := &fakeInChannel{frames: frames}
	r := newMultiPartReader(in, true)

	var short []byte
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	short = buf[:n]
	require.Equal(t, []byte("0123"), short)

	require.ErrorIs(t, r.endPart(), ErrDataLeftover)
}
