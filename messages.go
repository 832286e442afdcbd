package tchannel

import (
	"github.com/kschoon/tchannel/typed"
)

// CurrentProtocolVersion is the only init version this implementation
// speaks.
const CurrentProtocolVersion uint16 = 0x02

// Required init header keys.
const (
	InitParamHostPort    = "host_port"
	InitParamProcessName = "process_name"
)

// InitParams are the string headers carried by InitReq/InitRes.
type InitParams map[string]string

func (p InitParams) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint16(uint16(len(p))); err != nil {
		return err
	}

	for k, v := range p {
		if err := w.WriteString16(k); err != nil {
			return err
		}
		if err := w.WriteString16(v); err != nil {
			return err
		}
	}

	return nil
}

func readInitParams(r *typed.ReadBuffer) (InitParams, error) {
	nh, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}

	params := make(InitParams, nh)
	for i := 0; i < int(nh); i++ {
		k, err := r.ReadString16()
		if err != nil {
			return nil, err
		}

		v, err := r.ReadString16()
		if err != nil {
			return nil, err
		}

		params[k] = v
	}

	return params, nil
}

// initMessage carries the fields common to InitReq and InitRes.
type initMessage struct {
	id         uint32
	Version    uint16
	InitParams InitParams
}

func (m *initMessage) Id() uint32 { return m.id }

func (m *initMessage) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint16(m.Version); err != nil {
		return err
	}
	return m.InitParams.write(w)
}

func (m *initMessage) read(r *typed.ReadBuffer) error {
	v, err := r.ReadUint16()
	if err != nil {
		return err
	}
	m.Version = v

	params, err := readInitParams(r)
	if err != nil {
		return err
	}
	m.InitParams = params
	return nil
}

// InitReq is the active side's version-negotiating handshake message.
type InitReq struct{ initMessage }

func (m *InitReq) Type() MessageType { return MessageTypeInitReq }

// InitRes is the passive side's reply to InitReq.
type InitRes struct{ initMessage }

func (m *InitRes) Type() MessageType { return MessageTypeInitRes }

// Tracing is the 25-byte protocol-level trace context carried by call
// frames: spanId, parentId and traceId are opaque 64-bit identifiers
// assigned by the tracer; traceFlags is a bitmask (bit 0 conventionally
// means "sampled").
type Tracing struct {
	SpanId     uint64
	ParentId   uint64
	TraceId    uint64
	TraceFlags byte
}

func (t *Tracing) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint64(t.SpanId); err != nil {
		return err
	}
	if err := w.WriteUint64(t.ParentId); err != nil {
		return err
	}
	if err := w.WriteUint64(t.TraceId); err != nil {
		return err
	}
	return w.WriteByte(t.TraceFlags)
}

func (t *Tracing) read(r *typed.ReadBuffer) error {
	var err error
	if t.SpanId, err = r.ReadUint64(); err != nil {
		return err
	}
	if t.ParentId, err = r.ReadUint64(); err != nil {
		return err
	}
	if t.TraceId, err = r.ReadUint64(); err != nil {
		return err
	}
	if t.TraceFlags, err = r.ReadByte(); err != nil {
		return err
	}
	return nil
}

// CallHeaders are the transport-level headers carried by call req/res
// frames as a uint8-counted run of length-prefixed key/value pairs.
// Tracer-owned ($tracing$-prefixed) headers live here until
// trace.StartInbound strips them.
type CallHeaders map[string]string

func (h CallHeaders) write(w *typed.WriteBuffer) error {
	if len(h) > 0xFF {
		return NewProtocolError(ErrorCodeBadRequest, "too many call headers: %d", len(h))
	}

	if err := w.WriteByte(byte(len(h))); err != nil {
		return err
	}

	for k, v := range h {
		if err := w.WriteString8(k); err != nil {
			return err
		}
		if err := w.WriteString8(v); err != nil {
			return err
		}
	}

	return nil
}

func readCallHeaders(r *typed.ReadBuffer) (CallHeaders, error) {
	nh, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	headers := make(CallHeaders, nh)
	for i := 0; i < int(nh); i++ {
		k, err := r.ReadString8()
		if err != nil {
			return nil, err
		}

		v, err := r.ReadString8()
		if err != nil {
			return nil, err
		}

		headers[k] = v
	}

	return headers, nil
}

// MaxServiceNameLen is the largest `service` field the wire format allows.
const MaxServiceNameLen = 255

// CallReq is the fixed-field header of the first fragment of an outgoing
// call. The variable-length args (arg1/arg2/arg3) are handled by the
// fragment assembler, not by this struct's write/read.
type CallReq struct {
	id      uint32
	TTL     uint32 // milliseconds
	Tracing Tracing
	Service string
	Headers CallHeaders
}

func (m *CallReq) Id() uint32        { return m.id }
func (m *CallReq) Type() MessageType { return MessageTypeCallReq }

func (m *CallReq) write(w *typed.WriteBuffer) error {
	if err := w.WriteUint32(m.TTL); err != nil {
		return err
	}
	if err := m.Tracing.write(w); err != nil {
		return err
	}
	if len(m.Service) > MaxServiceNameLen {
		return NewProtocolError(ErrorCodeBadRequest, "service name exceeds %d bytes", MaxServiceNameLen)
	}
	if err := w.WriteString8(m.Service); err != nil {
		return err
	}
	return m.Headers.write(w)
}

func (m *CallReq) read(r *typed.ReadBuffer) error {
	ttl, err := r.ReadUint32()
	if err != nil {
		return err
	}
	m.TTL = ttl

	if err := m.Tracing.read(r); err != nil {
		return err
	}

	svc, err := r.ReadString8()
	if err != nil {
		return err
	}
	m.Service = svc

	headers, err := readCallHeaders(r)
	if err != nil {
		return err
	}
	m.Headers = headers
	return nil
}

// ResponseCode is the wire `code` byte of a CallRes.
type ResponseCode byte

const (
	ResponseOK               ResponseCode = 0
	ResponseApplicationError ResponseCode = 1
)

// CallRes is the fixed-field header of the first fragment of a call
// response.
type CallRes struct {
	id           uint32
	ResponseCode ResponseCode
	Tracing      Tracing
	Headers      CallHeaders
}

func (m *CallRes) Id() uint32        { return m.id }
func (m *CallRes) Type() MessageType { return MessageTypeCallRes }

func (m *CallRes) write(w *typed.WriteBuffer) error {
	if err := w.WriteByte(byte(m.ResponseCode)); err != nil {
		return err
	}
	if err := m.Tracing.write(w); err != nil {
		return err
	}
	return m.Headers.write(w)
}

func (m *CallRes) read(r *typed.ReadBuffer) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.ResponseCode = ResponseCode(code)

	if err := m.Tracing.read(r); err != nil {
		return err
	}

	headers, err := readCallHeaders(r)
	if err != nil {
		return err
	}
	m.Headers = headers
	return nil
}

// CallReqContinue carries a tail of arg bytes continuing an outgoing call;
// it has no message-specific fixed fields beyond the generic fragment
// envelope (flags + checksumType + checksum), so read/write are no-ops.
type CallReqContinue struct{ id uint32 }

func (m *CallReqContinue) Id() uint32                       { return m.id }
func (m *CallReqContinue) Type() MessageType                { return MessageTypeCallReqContinue }
func (m *CallReqContinue) write(w *typed.WriteBuffer) error { return nil }
func (m *CallReqContinue) read(r *typed.ReadBuffer) error   { return nil }

// CallResContinue carries a tail of arg bytes continuing a call response.
type CallResContinue struct{ id uint32 }

func (m *CallResContinue) Id() uint32                       { return m.id }
func (m *CallResContinue) Type() MessageType                { return MessageTypeCallResContinue }
func (m *CallResContinue) write(w *typed.WriteBuffer) error { return nil }
func (m *CallResContinue) read(r *typed.ReadBuffer) error   { return nil }

// ErrorMessage is the single-frame Error body: a wire ErrorCode, the
// protocol tracing field (so a trace can record where a call died), and a
// human-readable message.
type ErrorMessage struct {
	id      uint32
	Code    ErrorCode
	Tracing Tracing
	Message string
}

func (m *ErrorMessage) Id() uint32        { return m.id }
func (m *ErrorMessage) Type() MessageType { return MessageTypeError }

func (m *ErrorMessage) write(w *typed.WriteBuffer) error {
	if err := w.WriteByte(byte(m.Code)); err != nil {
		return err
	}
	if err := m.Tracing.write(w); err != nil {
		return err
	}
	return w.WriteString16(m.Message)
}

func (m *ErrorMessage) read(r *typed.ReadBuffer) error {
	code, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Code = ErrorCode(code)

	if err := m.Tracing.read(r); err != nil {
		return err
	}

	msg, err := r.ReadString16()
	if err != nil {
		return err
	}
	m.Message = msg
	return nil
}

// CancelMessage asks the peer to abandon the outgoing call it addresses.
type CancelMessage struct {
	id      uint32
	Tracing Tracing
}

func (m *CancelMessage) Id() uint32                       { return m.id }
func (m *CancelMessage) Type() MessageType                { return MessageTypeCancel }
func (m *CancelMessage) write(w *typed.WriteBuffer) error { return m.Tracing.write(w) }
func (m *CancelMessage) read(r *typed.ReadBuffer) error   { return m.Tracing.read(r) }

// ClaimMessage is decoded and encoded for wire compatibility but carries no
// operational semantics here; nothing in this package ever sends one.
type ClaimMessage struct {
	id      uint32
	Tracing Tracing
}

func (m *ClaimMessage) Id() uint32                       { return m.id }
func (m *ClaimMessage) Type() MessageType                { return MessageTypeClaim }
func (m *ClaimMessage) write(w *typed.WriteBuffer) error { return m.Tracing.write(w) }
func (m *ClaimMessage) read(r *typed.ReadBuffer) error   { return m.Tracing.read(r) }

// PingReq is an empty-bodied keepalive probe.
type PingReq struct{ id uint32 }

func (m *PingReq) Id() uint32                       { return m.id }
func (m *PingReq) Type() MessageType                { return MessageTypePingReq }
func (m *PingReq) write(w *typed.WriteBuffer) error { return nil }
func (m *PingReq) read(r *typed.ReadBuffer) error   { return nil }

// PingRes replies to a PingReq with the same id.
type PingRes struct{ id uint32 }

func (m *PingRes) Id() uint32                       { return m.id }
func (m *PingRes) Type() MessageType                { return MessageTypePingRes }
func (m *PingRes) write(w *typed.WriteBuffer) error { return nil }
func (m *PingRes) read(r *typed.ReadBuffer) error   { return nil }
