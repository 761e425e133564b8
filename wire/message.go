// Package wire implements the fixed-layout, authenticated frames exchanged
// between sites and administrative clients.
//
// Every frame is a 48 byte header, an optional body and a trailing
// authenticator. All integers are big-endian and there is no padding:
//
//	header  opts secs usecs magic version from length cmd request options reason result
//	ticket  name[64] leader term valid_for
//	attr    ticket[64] name[64] value[128]
//	auth    hash_id digest[24]
//
// Fields are written and read one at a time; no in-memory struct layout is
// ever reinterpreted as wire data.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	Magic   = 0x5F1BA08C
	Version = 0x00010003

	NameLen      = 64
	AttrValueLen = 128
	DigestSize   = 24

	HeaderSize     = 12 * 4
	TicketBodySize = NameLen + 3*4
	AttrBodySize   = 2*NameLen + AttrValueLen
	AuthSize       = 4 + DigestSize

	DefaultPort    = 9929
	DefaultMaxSkew = 600 * time.Second

	// NoOne is the leader value meaning the ticket is not held anywhere.
	NoOne uint32 = 0xFFFFFFFF
)

// Header flag bits.
const (
	FlagAuth uint32 = 1
	FlagAttr uint32 = 4
)

// Header is the fixed part of every frame.
type Header struct {
	Opts    uint32
	Secs    uint32
	Usecs   uint32
	Magic   uint32
	Version uint32
	From    uint32
	Length  uint32
	Cmd     Cmd
	Request Cmd
	Options Options
	Reason  Reason
	Result  Result
}

// Time returns the sender's timestamp.
func (h Header) Time() time.Time {
	return time.Unix(int64(h.Secs), int64(h.Usecs)*1000)
}

// TicketBody carries the sender's view of one ticket. ValidFor is the
// remaining lease in milliseconds.
type TicketBody struct {
	Name     string
	Leader   uint32
	Term     uint32
	ValidFor uint32
}

// Validity returns ValidFor as a duration.
func (t TicketBody) Validity() time.Duration {
	return time.Duration(t.ValidFor) * time.Millisecond
}

// AttrBody carries one ticket attribute.
type AttrBody struct {
	Ticket string
	Name   string
	Value  string
}

// Auth is the trailing authenticator.
type Auth struct {
	HashID HashID
	Digest [DigestSize]byte
}

// Message is one decoded frame. At most one of Ticket and Attr is set.
type Message struct {
	Header Header
	Ticket *TicketBody
	Attr   *AttrBody
	Auth   Auth
}

// Size is the encoded length of m.
func (m *Message) Size() int {
	switch {
	case m.Ticket != nil:
		return HeaderSize + TicketBodySize + AuthSize
	case m.Attr != nil:
		return HeaderSize + AttrBodySize + AuthSize
	}
	return HeaderSize + AuthSize
}

func (m *Message) String() string {
	h := m.Header
	s := fmt.Sprintf("%s from=%#x req=%s res=%s reason=%s", h.Cmd, h.From, h.Request, h.Result, h.Reason)
	if m.Ticket != nil {
		s += fmt.Sprintf(" ticket=%q leader=%#x term=%d valid=%dms", m.Ticket.Name, m.Ticket.Leader, m.Ticket.Term, m.Ticket.ValidFor)
	}
	if m.Attr != nil {
		s += fmt.Sprintf(" ticket=%q attr=%q", m.Attr.Ticket, m.Attr.Name)
	}
	return s
}

// Encode serializes m, filling in the magic, version, length, body flag
// and authenticator. When a is nil the frame is sent unauthenticated.
// m is updated to reflect exactly what was written, so decoding the
// result yields an equal message.
func Encode(m *Message, a Authenticator) ([]byte, error) {
	if m.Ticket != nil && m.Attr != nil {
		return nil, ErrBothBodies
	}
	if m.Header.Cmd == CmdNone {
		return nil, ErrNoCmd
	}

	size := m.Size()
	h := &m.Header
	h.Magic = Magic
	h.Version = Version
	h.Length = uint32(size)
	h.Opts &^= FlagAuth | FlagAttr
	if m.Attr != nil {
		h.Opts |= FlagAttr
	}
	if a != nil {
		h.Opts |= FlagAuth
	}

	buf := make([]byte, size)
	w := writer{buf: buf}
	w.u32(h.Opts)
	w.u32(h.Secs)
	w.u32(h.Usecs)
	w.u32(h.Magic)
	w.u32(h.Version)
	w.u32(h.From)
	w.u32(h.Length)
	w.u32(uint32(h.Cmd))
	w.u32(uint32(h.Request))
	w.u32(uint32(h.Options))
	w.u32(uint32(h.Reason))
	w.u32(uint32(h.Result))

	switch {
	case m.Ticket != nil:
		if err := w.str(m.Ticket.Name, NameLen, ErrNameTooLong); err != nil {
			return nil, err
		}
		w.u32(m.Ticket.Leader)
		w.u32(m.Ticket.Term)
		w.u32(m.Ticket.ValidFor)
	case m.Attr != nil:
		if err := w.str(m.Attr.Ticket, NameLen, ErrNameTooLong); err != nil {
			return nil, err
		}
		if err := w.str(m.Attr.Name, NameLen, ErrNameTooLong); err != nil {
			return nil, err
		}
		if err := w.str(m.Attr.Value, AttrValueLen, ErrValueTooLong); err != nil {
			return nil, err
		}
	}

	m.Auth = Auth{HashID: HashNone}
	if a != nil {
		m.Auth = Auth{HashID: a.ID(), Digest: a.Sum(buf[:w.off])}
	}
	w.u32(uint32(m.Auth.HashID))
	copy(buf[w.off:], m.Auth.Digest[:])
	return buf, nil
}

// Decode parses a frame and checks its structure and codes. It performs
// no freshness or digest checks; use a Verifier for frames received from
// the network.
func Decode(frame []byte) (*Message, error) {
	m, err := parse(frame)
	if err != nil {
		return nil, err
	}
	if err := m.checkCodes(); err != nil {
		return nil, decodeErr(m.Header.From, err)
	}
	return m, nil
}

// parse validates length, magic and version and reads every field.
func parse(frame []byte) (*Message, error) {
	if len(frame) < HeaderSize+AuthSize {
		return nil, decodeErr(NoOne, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame)))
	}
	r := reader{buf: frame}
	m := &Message{}
	h := &m.Header
	h.Opts = r.u32()
	h.Secs = r.u32()
	h.Usecs = r.u32()
	h.Magic = r.u32()
	h.Version = r.u32()
	h.From = r.u32()
	h.Length = r.u32()
	h.Cmd = Cmd(r.u32())
	h.Request = Cmd(r.u32())
	h.Options = Options(r.u32())
	h.Reason = Reason(r.u32())
	h.Result = Result(r.u32())

	if h.Magic != Magic {
		return nil, decodeErr(h.From, fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic))
	}
	if h.Version != Version {
		return nil, decodeErr(h.From, fmt.Errorf("%w: %#08x", ErrBadVersion, h.Version))
	}
	if int(h.Length) != len(frame) {
		return nil, decodeErr(h.From, fmt.Errorf("%w: header says %d, got %d", ErrBadLength, h.Length, len(frame)))
	}

	switch body := len(frame) - HeaderSize - AuthSize; {
	case body == 0:
	case h.Opts&FlagAttr != 0 && body == AttrBodySize:
		m.Attr = &AttrBody{
			Ticket: r.str(NameLen),
			Name:   r.str(NameLen),
			Value:  r.str(AttrValueLen),
		}
	case h.Opts&FlagAttr == 0 && body == TicketBodySize:
		m.Ticket = &TicketBody{
			Name:     r.str(NameLen),
			Leader:   r.u32(),
			Term:     r.u32(),
			ValidFor: r.u32(),
		}
	default:
		return nil, decodeErr(h.From, fmt.Errorf("%w: no body of %d bytes", ErrBadLength, body))
	}

	m.Auth.HashID = HashID(r.u32())
	copy(m.Auth.Digest[:], frame[r.off:])
	return m, nil
}

func (m *Message) checkCodes() error {
	h := m.Header
	if _, err := ParseCmd(uint32(h.Cmd)); err != nil {
		return err
	}
	if h.Request != CmdNone {
		if _, err := ParseCmd(uint32(h.Request)); err != nil {
			return err
		}
	}
	if _, err := ParseOptions(uint32(h.Options)); err != nil {
		return err
	}
	if _, err := ParseReason(uint32(h.Reason)); err != nil {
		return err
	}
	if _, err := ParseResult(uint32(h.Result)); err != nil {
		return err
	}
	return nil
}

// signed returns the part of frame covered by the digest.
func signed(frame []byte) []byte {
	return frame[:len(frame)-AuthSize]
}

type writer struct {
	buf []byte
	off int
}

func (w *writer) u32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

// str writes s NUL padded into a field of n bytes. The last byte is
// always NUL.
func (w *writer) str(s string, n int, tooLong error) error {
	if len(s) >= n {
		return fmt.Errorf("%w: %d bytes, max %d", tooLong, len(s), n-1)
	}
	copy(w.buf[w.off:w.off+n], s)
	w.off += n
	return nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) str(n int) string {
	field := r.buf[r.off : r.off+n]
	r.off += n
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
