package tchannel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/kschoon/tchannel/checksum"
	"github.com/kschoon/tchannel/typed"
)

var (
	// ErrMismatchedChecksumTypes: peer sent a different checksum type for a
	// continuation fragment than the call started with.
	ErrMismatchedChecksumTypes = errors.New("tchannel: peer sent a different checksum type for fragment")

	// ErrWriteAfterComplete: caller attempted to write to a body after the
	// last fragment was sent.
	ErrWriteAfterComplete = errors.New("tchannel: attempted to write to a stream after the last fragment sent")

	// ErrMismatchedChecksum: local checksum calculation differs from that
	// reported by the peer.
	ErrMismatchedChecksum = errors.New("tchannel: local checksum differs from peer")

	// ErrDataLeftover: caller considers an argument complete, but there is
	// more data remaining in the argument.
	ErrDataLeftover = errors.New("tchannel: more data remaining in argument")

	errTooLarge                   = errors.New("tchannel: impl error, data exceeds remaining fragment size")
	errAlignedAtEndOfOpenFragment = errors.New("tchannel: impl error; align-at-end of open fragment")
	errNoOpenChunk                = errors.New("tchannel: impl error, writeChunkData or endChunk called with no open chunk")
	errChunkAlreadyOpen           = errors.New("tchannel: impl error, beginChunk called with an already open chunk")
)

// flagMoreFragments is bit 0 of the fragment flags byte.
const flagMoreFragments = 0x01

// outFragment is a fragment being sent to a peer.
type outFragment struct {
	frame         *Frame
	checksum      checksum.Checksum
	checksumBytes []byte
	chunkStart    []byte
	chunkSize     int
	remaining     []byte
}

func (f *outFragment) bytesRemaining() int { return len(f.remaining) }

// finish closes any open chunk, sets the more-fragments flag, stamps the
// checksum, and returns the frame ready to send.
func (f *outFragment) finish(last bool) *Frame {
	if f.chunkOpen() {
		f.endChunk()
	}

	if last {
		f.frame.Payload[0] &= ^byte(flagMoreFragments)
	} else {
		f.frame.Payload[0] |= flagMoreFragments
	}

	copy(f.checksumBytes, f.checksum.Sum())
	f.frame.Header.Size = uint16(len(f.frame.Payload)-len(f.remaining)) + FrameHeaderSize
	return f.frame
}

func (f *outFragment) writeChunkData(b []byte) (int, error) {
	if len(b) > len(f.remaining) {
		return 0, errTooLarge
	}

	if len(f.chunkStart) == 0 {
		return 0, errNoOpenChunk
	}

	copy(f.remaining, b)
	f.remaining = f.remaining[len(b):]
	f.chunkSize += len(b)
	f.checksum.Add(b)
	return len(b), nil
}

func (f *outFragment) canFitNewChunk() bool { return len(f.remaining) > 2 }

func (f *outFragment) beginChunk() error {
	if f.chunkOpen() {
		return errChunkAlreadyOpen
	}

	f.chunkStart = f.remaining[0:2]
	f.chunkSize = 0
	f.remaining = f.remaining[2:]
	return nil
}

func (f *outFragment) endChunk() error {
	if !f.chunkOpen() {
		return errNoOpenChunk
	}

	binary.BigEndian.PutUint16(f.chunkStart, uint16(f.chunkSize))
	f.chunkStart = nil
	f.chunkSize = 0
	return nil
}

func (f *outFragment) chunkOpen() bool { return len(f.chunkStart) > 0 }

// newOutboundFragment lays out a fresh frame around msg's fixed header
// fields, then reserves space for the checksum type/value, leaving
// everything after that available for chunked argument data.
func newOutboundFragment(frame *Frame, msg Message, cs checksum.Checksum) (*outFragment, error) {
	f := &outFragment{frame: frame, checksum: cs}
	f.frame.Header.Id = msg.Id()
	f.frame.Header.Type = msg.Type()

	wbuf := typed.NewWriteBuffer(f.frame.Payload[:])

	if err := wbuf.WriteByte(0); err != nil { // reserve fragment flag
		return nil, err
	}

	if err := msg.write(wbuf); err != nil {
		return nil, err
	}

	if err := wbuf.WriteByte(byte(f.checksum.Type())); err != nil {
		return nil, err
	}

	f.remaining = f.frame.Payload[wbuf.CurrentPos():]
	size := f.checksum.Type().Size()
	f.checksumBytes = f.remaining[:size]
	f.remaining = f.remaining[size:]
	return f, nil
}

// outFragmentChannel is a pseudo-channel for sending fragments to a peer.
type outFragmentChannel interface {
	// beginFragment opens a fragment for sending, allocating a new one if
	// there is no open fragment.
	beginFragment() (*outFragment, error)

	// flushFragment ends the currently open fragment, optionally marking it
	// as the last fragment, and sends it.
	flushFragment(f *outFragment, last bool) error
}

// multiPartWriter is an io.Writer for a sequence of parts (arg1, arg2,
// arg3), capable of splitting a large part across several fragments.
type multiPartWriter struct {
	fragments   outFragmentChannel
	fragment    *outFragment
	alignsAtEnd bool
	complete    bool
}

func newMultiPartWriter(ch outFragmentChannel) *multiPartWriter {
	return &multiPartWriter{fragments: ch}
}

// WritePart writes an entire part (e.g. all of arg2) and marks the part
// boundary.
func (w *multiPartWriter) WritePart(output Output, last bool) error {
	if w.complete {
		return ErrWriteAfterComplete
	}

	// Open the part's chunk before writing so that an empty part still
	// goes out as a zero-length chunk marking its boundary.
	if err := w.ensureOpenChunk(); err != nil {
		return err
	}

	if err := output.WriteTo(w); err != nil {
		return err
	}
	return w.endPart(last)
}

func (w *multiPartWriter) Write(b []byte) (int, error) {
	if w.complete {
		return 0, ErrWriteAfterComplete
	}

	written := 0
	for len(b) > 0 {
		if err := w.ensureOpenChunk(); err != nil {
			return written, err
		}

		remaining := w.fragment.bytesRemaining()
		if remaining < len(b) {
			if n, err := w.fragment.writeChunkData(b[:remaining]); err != nil {
				return written + n, err
			}

			if err := w.finishFragment(false); err != nil {
				return written, err
			}

			written += remaining
			b = b[remaining:]
		} else {
			if n, err := w.fragment.writeChunkData(b); err != nil {
				return written + n, err
			}

			written += len(b)
			w.alignsAtEnd = w.fragment.bytesRemaining() == 0
			b = nil
		}
	}

	if w.fragment != nil && w.fragment.bytesRemaining() == 0 {
		if err := w.finishFragment(false); err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *multiPartWriter) ensureOpenChunk() error {
	for {
		if w.fragment == nil {
			var err error
			if w.fragment, err = w.fragments.beginFragment(); err != nil {
				return err
			}
		}

		if w.fragment.chunkOpen() {
			return nil
		}

		if w.fragment.canFitNewChunk() {
			return w.fragment.beginChunk()
		}

		if err := w.finishFragment(false); err != nil {
			return err
		}
	}
}

func (w *multiPartWriter) finishFragment(last bool) error {
	w.fragment.endChunk()
	if err := w.fragments.flushFragment(w.fragment, last); err != nil {
		w.fragment = nil
		return err
	}

	w.fragment = nil
	return nil
}

// endPart marks the part complete. If the part's last chunk landed exactly
// on a fragment boundary, an extra fragment carrying a zero-length chunk is
// sent so the reader can distinguish "part ended here" from "more data is
// coming in the next fragment".
func (w *multiPartWriter) endPart(last bool) error {
	if w.alignsAtEnd {
		if w.fragment != nil {
			return errAlignedAtEndOfOpenFragment
		}

		var err error
		if w.fragment, err = w.fragments.beginFragment(); err != nil {
			return err
		}

		w.fragment.beginChunk()
		w.alignsAtEnd = false
	}

	if w.fragment != nil && w.fragment.chunkOpen() {
		w.fragment.endChunk()
	}

	if last {
		if w.fragment == nil {
			var err error
			if w.fragment, err = w.fragments.beginFragment(); err != nil {
				return err
			}
		}

		if err := w.fragments.flushFragment(w.fragment, true); err != nil {
			return err
		}

		w.fragment = nil
		w.complete = true
	}

	return nil
}

// inFragment is a fragment received from a peer, already checksum-verified.
type inFragment struct {
	frame    *Frame
	last     bool
	checksum checksum.Checksum
	chunks   [][]byte
}

// newInboundFragment parses frame as a fragment of msg. cs is the call's
// running checksum (nil on the first fragment, in which case one is created
// from the fragment's declared checksumType).
func newInboundFragment(frame *Frame, msg Message, cs checksum.Checksum) (*inFragment, error) {
	f := &inFragment{checksum: cs, frame: frame}

	payload := frame.Payload[:frame.Header.Size-FrameHeaderSize]
	rbuf := typed.NewReadBuffer(payload)

	flags, err := rbuf.ReadByte()
	if err != nil {
		return nil, err
	}
	f.last = (flags & flagMoreFragments) == 0

	if err := msg.read(rbuf); err != nil {
		return nil, err
	}

	checksumTypeByte, err := rbuf.ReadByte()
	if err != nil {
		return nil, err
	}
	checksumType := checksum.Type(checksumTypeByte)
	if !checksumType.Valid() {
		return nil, NewProtocolError(ErrorCodeFatal, "unknown checksum type %d", checksumTypeByte)
	}

	if f.checksum == nil {
		f.checksum = checksum.New(checksumType)
	} else if f.checksum.Type() != checksumType {
		return nil, ErrMismatchedChecksumTypes
	}

	peerChecksum, err := rbuf.ReadBytes(checksumType.Size())
	if err != nil {
		return nil, err
	}

	for rbuf.BytesRemaining() > 0 {
		chunkSize, err := rbuf.ReadUint16()
		if err != nil {
			return nil, err
		}

		chunkBytes, err := rbuf.ReadBytes(int(chunkSize))
		if err != nil {
			return nil, err
		}

		f.chunks = append(f.chunks, chunkBytes)
		f.checksum.Add(chunkBytes)
	}

	if !bytes.Equal(peerChecksum, f.checksum.Sum()) {
		return nil, ErrMismatchedChecksum
	}

	return f, nil
}

func (f *inFragment) nextChunk() []byte {
	if len(f.chunks) == 0 {
		return nil
	}

	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk
}

func (f *inFragment) hasMoreChunks() bool { return len(f.chunks) > 0 }

// inFragmentChannel is a pseudo-channel for receiving inbound fragments.
type inFragmentChannel interface {
	waitForFragment() (*inFragment, error)
}

// multiPartReader is an io.Reader for one part of a message, reassembling
// it from however many fragments it was split across.
type multiPartReader struct {
	fragments           inFragmentChannel
	chunk               []byte
	lastChunkInFragment bool
	lastPartInMessage   bool
}

func newMultiPartReader(ch inFragmentChannel, last bool) *multiPartReader {
	return &multiPartReader{fragments: ch, lastPartInMessage: last}
}

// ReadPart reads an entire part into input and confirms the part boundary.
func (r *multiPartReader) ReadPart(input Input, last bool) error {
	if err := input.ReadFrom(r); err != nil {
		return err
	}
	return r.endPart()
}

func (r *multiPartReader) Read(b []byte) (int, error) {
	total := 0

	for len(b) > 0 {
		if len(r.chunk) == 0 {
			if r.lastChunkInFragment {
				return total, io.EOF
			}

			frag, err := r.fragments.waitForFragment()
			if err != nil {
				return total, err
			}

			r.chunk = frag.nextChunk()
			r.lastChunkInFragment = frag.hasMoreChunks() // remaining chunks belong to a later part
		}

		n := copy(b, r.chunk)
		total += n
		r.chunk = r.chunk[n:]
		b = b[n:]
	}

	return total, nil
}

// endPart confirms the reader consumed exactly one part's worth of bytes:
// no leftover bytes in the current chunk, and if the part ended exactly on
// a fragment boundary, the next fragment must open with a zero-length
// chunk (the writer's "aligns at end" marker).
func (r *multiPartReader) endPart() error {
	if len(r.chunk) > 0 {
		return ErrDataLeftover
	}

	if !r.lastChunkInFragment && !r.lastPartInMessage {
		frag, err := r.fragments.waitForFragment()
		if err != nil {
			return err
		}

		r.chunk = frag.nextChunk()
		r.lastChunkInFragment = frag.hasMoreChunks()
		if len(r.chunk) > 0 {
			return ErrDataLeftover
		}
	}

	return nil
}
