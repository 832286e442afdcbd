package tchannel

import (
	"sync"

	"github.com/kschoon/tchannel/typed"
)

// FrameHeaderSize is the size in bytes of the fixed frame envelope that
// precedes every frame's body: size(2) + type(1) + reserved(1) + id(4) +
// reserved(8).
const FrameHeaderSize = 16

// MaxFrameSize is the largest value the `size` field may take, and thus the
// largest a frame may be on the wire, envelope included.
const MaxFrameSize = 65535

// MaxFramePayloadSize is the most body bytes a single frame can carry.
const MaxFramePayloadSize = MaxFrameSize - FrameHeaderSize

// MessageType identifies the kind of body a frame carries.
type MessageType byte

const (
	MessageTypeInitReq            MessageType = 0x01
	MessageTypeInitRes            MessageType = 0x02
	MessageTypeCallReq            MessageType = 0x03
	MessageTypeCallRes            MessageType = 0x04
	MessageTypeCallReqContinue    MessageType = 0x13
	MessageTypeCallResContinue    MessageType = 0x14
	MessageTypeCancel             MessageType = 0xC0
	MessageTypeClaim              MessageType = 0xC1
	MessageTypePingReq            MessageType = 0xD0
	MessageTypePingRes            MessageType = 0xD1
	MessageTypeError              MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeInitReq:
		return "InitReq"
	case MessageTypeInitRes:
		return "InitRes"
	case MessageTypeCallReq:
		return "CallReq"
	case MessageTypeCallRes:
		return "CallRes"
	case MessageTypeCallReqContinue:
		return "CallReqContinue"
	case MessageTypeCallResContinue:
		return "CallResContinue"
	case MessageTypeCancel:
		return "Cancel"
	case MessageTypeClaim:
		return "Claim"
	case MessageTypePingReq:
		return "PingReq"
	case MessageTypePingRes:
		return "PingRes"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// FrameHeader is the fixed envelope preceding every frame body.
type FrameHeader struct {
	Size uint16
	Type MessageType
	Id   uint32
}

func (h *FrameHeader) read(r *typed.ReadBuffer) error {
	size, err := r.ReadUint16()
	if err != nil {
		return err
	}

	typ, err := r.ReadByte()
	if err != nil {
		return err
	}

	if _, err := r.ReadByte(); err != nil { // reserved
		return err
	}

	id, err := r.ReadUint32()
	if err != nil {
		return err
	}

	if _, err := r.ReadBytes(8); err != nil { // reserved
		return err
	}

	h.Size = size
	h.Type = MessageType(typ)
	h.Id = id
	return nil
}

func (h *FrameHeader) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint16(h.Size); err != nil {
		return err
	}

	if err := w.WriteByte(byte(h.Type)); err != nil {
		return err
	}

	if err := w.WriteByte(0); err != nil { // reserved
		return err
	}

	if err := w.WriteUint32(h.Id); err != nil {
		return err
	}

	return w.WriteBytes(make([]byte, 8)) // reserved
}

// Frame is a single envelope+body unit as it travels the wire. Payload is
// sized to the largest legal frame body so Frames can be pooled and reused
// without reallocating; Header.Size - FrameHeaderSize bytes of it are live.
type Frame struct {
	Header  FrameHeader
	Payload [MaxFramePayloadSize]byte
}

// SizedPayload returns the portion of Payload that is actually populated,
// per Header.Size.
func (f *Frame) SizedPayload() []byte {
	return f.Payload[:f.Header.Size-FrameHeaderSize]
}

// FramePool hands out and reclaims Frame instances so steady-state traffic
// doesn't churn the allocator.
type FramePool interface {
	Get() *Frame
	Release(f *Frame)
}

type syncPoolFramePool struct {
	pool sync.Pool
}

func (p *syncPoolFramePool) Get() *Frame {
	if f, ok := p.pool.Get().(*Frame); ok {
		f.Header = FrameHeader{}
		return f
	}
	return &Frame{}
}

func (p *syncPoolFramePool) Release(f *Frame) {
	p.pool.Put(f)
}

// DefaultFramePool is a sync.Pool backed FramePool used when no FramePool is
// supplied to a Connection or Channel.
var DefaultFramePool FramePool = &syncPoolFramePool{}

// Message is anything that can be marshalled into / unmarshalled from a
// frame's body. CallReq/CallRes/Continue messages carry only their fixed
// fields here; their flags, checksum, and chunked argument bytes are laid
// out around them by the fragment machinery in fragmentation.go.
type Message interface {
	Id() uint32
	Type() MessageType
	read(r *typed.ReadBuffer) error
	write(w *typed.WriteBuffer) error
}

// MarshalMessage encodes a non-fragmented control message (init, ping,
// error, cancel, claim) into a pooled Frame.
func MarshalMessage(msg Message, pool FramePool) (*Frame, error) {
	f := pool.Get()

	wbuf := typed.NewWriteBuffer(f.Payload[:])
	if err := msg.write(wbuf); err != nil {
		pool.Release(f)
		return nil, err
	}

	if wbuf.BytesWritten()+FrameHeaderSize > MaxFrameSize {
		pool.Release(f)
		return nil, NewProtocolError(ErrorCodeFatal, "encoded message exceeds max frame size")
	}

	f.Header.Id = msg.Id()
	f.Header.Type = msg.Type()
	f.Header.Size = uint16(wbuf.BytesWritten()) + FrameHeaderSize

	return f, nil
}

// DecodeFrameHeader peeks the fixed envelope off the front of buf. It
// returns ErrIncomplete if buf holds fewer than FrameHeaderSize bytes.
func DecodeFrameHeader(buf []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(buf) < FrameHeaderSize {
		return h, ErrIncomplete
	}
	r := typed.NewReadBuffer(buf[:FrameHeaderSize])
	err := h.read(r)
	return h, err
}

// DecodeFrame consumes one whole frame off the front of buf into a pooled
// Frame, returning it and the number of bytes consumed. If buf holds less
// than a complete frame (judged by peeking the two-byte size field), it
// returns ErrIncomplete and consumes nothing, so the caller can retry once
// more bytes have been buffered.
func DecodeFrame(buf []byte, pool FramePool) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	size, err := typed.NewReadBuffer(buf[:2]).ReadUint16()
	if err != nil {
		return nil, 0, err
	}
	if int(size) < FrameHeaderSize {
		return nil, 0, NewProtocolError(ErrorCodeFatal, "frame size %d below envelope size", size)
	}
	if len(buf) < int(size) {
		return nil, 0, ErrIncomplete
	}

	header, err := DecodeFrameHeader(buf)
	if err != nil {
		return nil, 0, NewProtocolError(ErrorCodeFatal, "bad frame header: %v", err)
	}

	switch header.Type {
	case MessageTypeInitReq, MessageTypeInitRes, MessageTypeCallReq, MessageTypeCallRes,
		MessageTypeCallReqContinue, MessageTypeCallResContinue, MessageTypeCancel,
		MessageTypeClaim, MessageTypePingReq, MessageTypePingRes, MessageTypeError:
	default:
		return nil, 0, NewProtocolError(ErrorCodeFatal, "unknown frame type 0x%02x", byte(header.Type))
	}

	f := pool.Get()
	f.Header = header
	copy(f.Payload[:], buf[FrameHeaderSize:size])
	return f, int(size), nil
}
