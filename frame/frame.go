// Package frame implements the 1-byte-header framing protocol shared by the
// device application and the host's serial client: a frame ID, a length
// code selecting one of the four fixed payload sizes {1,4,32,128}, and a
// destination endpoint.
package frame

import (
	"fmt"
	"io"
)

// Endpoint selects which side of the device a frame is addressed to.
type Endpoint uint8

const (
	DestFirmware Endpoint = 0
	DestApp      Endpoint = 1
)

func (e Endpoint) String() string {
	switch e {
	case DestFirmware:
		return "firmware"
	case DestApp:
		return "app"
	default:
		return fmt.Sprintf("endpoint(%d)", uint8(e))
	}
}

// CmdLen is the length code carried in the frame header. The wire only
// supports these four fixed payload sizes.
type CmdLen uint8

const (
	CmdLen1 CmdLen = iota
	CmdLen4
	CmdLen32
	CmdLen128
)

// Bytelen returns the number of bytes (including the leading command/status
// code byte) a frame of this length code carries.
func (c CmdLen) Bytelen() int {
	switch c {
	case CmdLen1:
		return 1
	case CmdLen4:
		return 4
	case CmdLen32:
		return 32
	case CmdLen128:
		return 128
	default:
		return 0
	}
}

// Cmd is implemented by every command or response code used on the wire.
type Cmd interface {
	Code() byte
	CmdLen() CmdLen
	Endpoint() Endpoint
	String() string
}

// Header is the decoded form of the 1-byte frame header. NOK is the
// response status bit: zero on every command and on an OK response, set
// when the responder rejects a frame outright (e.g. the app answering a
// frame addressed to the firmware endpoint).
type Header struct {
	ID   int
	Len  CmdLen
	NOK  bool
	Dest Endpoint
}

const maxID = 3

// nokBit is the response status bit in the wire header.
const nokBit = 0x10

// EncodeHeader packs a Header into its 1-byte wire form. Bit 7 is reserved
// and always 0.
func EncodeHeader(h Header) (byte, error) {
	if h.ID < 0 || h.ID > maxID {
		return 0, fmt.Errorf("frame: id %d out of range [0,%d]", h.ID, maxID)
	}
	b := byte(h.ID)<<5 | byte(h.Len)<<2 | byte(h.Dest)
	if h.NOK {
		b |= nokBit
	}
	return b, nil
}

// DecodeHeader unpacks a wire header byte. It reports false for a malformed
// header (reserved bit set), on which the caller should resynchronize by
// discarding the byte and trying again at the next one.
func DecodeHeader(b byte) (Header, bool) {
	if b&0x80 != 0 {
		return Header{}, false
	}
	return Header{
		ID:   int(b>>5) & 0x3,
		Len:  CmdLen(b>>2) & 0x3,
		NOK:  b&nokBit != 0,
		Dest: Endpoint(b & 0x3),
	}, true
}

// NewNOKFrame builds the 2-byte reply rejecting the frame hdr describes:
// same ID and endpoint, the NOK bit set, one zero payload byte.
func NewNOKFrame(hdr Header) ([]byte, error) {
	b, err := EncodeHeader(Header{ID: hdr.ID, Len: CmdLen1, NOK: true, Dest: hdr.Dest})
	if err != nil {
		return nil, err
	}
	return []byte{b, 0}, nil
}

// NewFrameBuf allocates a transmit buffer for cmd: one header byte followed
// by cmd's declared payload length, with the command code already placed
// as the first payload byte. Callers fill the rest starting at buf[2:].
func NewFrameBuf(cmd Cmd, id int) ([]byte, error) {
	n := cmd.CmdLen().Bytelen()
	if n == 0 {
		return nil, fmt.Errorf("frame: %s has zero-length payload", cmd)
	}
	hdr, err := EncodeHeader(Header{ID: id, Len: cmd.CmdLen(), Dest: cmd.Endpoint()})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+n)
	buf[0] = hdr
	buf[1] = cmd.Code()
	return buf, nil
}

// ErrResponseNOK is returned by ReadFrame when the device rejected the
// request with the header's NOK status bit instead of answering it.
var ErrResponseNOK = fmt.Errorf("frame: device replied NOK")

// ReadFrame reads one frame from r, validates that its length code and
// response code match expected, and returns the full frame including the
// header byte (so callers slice past [header,code] the same way on every
// read, matching the host client's existing style). The payload is always
// consumed according to the length the header actually declares, so a NOK
// or mismatched response leaves the stream positioned at the next frame.
func ReadFrame(r io.Reader, expected Cmd, id int) ([]byte, int, error) {
	var hb [1]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, 0, fmt.Errorf("frame: read header: %w", err)
	}
	hdr, ok := DecodeHeader(hb[0])
	if !ok {
		return nil, 0, fmt.Errorf("frame: malformed header 0x%02x", hb[0])
	}

	payload := make([]byte, hdr.Len.Bytelen())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, fmt.Errorf("frame: read payload: %w", err)
	}
	if hdr.NOK {
		return nil, hdr.ID, ErrResponseNOK
	}
	if hdr.Len != expected.CmdLen() {
		return nil, 0, fmt.Errorf("frame: got length code %d, want %d for %s", hdr.Len, expected.CmdLen(), expected)
	}
	if payload[0] != expected.Code() {
		return nil, 0, fmt.Errorf("frame: got response code 0x%02x, want %s (0x%02x)", payload[0], expected, expected.Code())
	}

	buf := make([]byte, 0, 1+len(payload))
	buf = append(buf, hb[0])
	buf = append(buf, payload...)
	return buf, hdr.ID, nil
}

// Verbose gates Dump's output. The device never logs secret-bearing frames;
// this exists purely for host-side wire debugging, off by default.
var Verbose bool

// Dump hex-dumps a frame buffer to the writer set with SetDebugOutput
// (io.Discard until one is set) when Verbose is set.
func Dump(label string, data []byte) {
	if !Verbose {
		return
	}
	fmt.Fprintf(debugWriter, "%s: % x\n", label, data)
}

var debugWriter io.Writer = io.Discard

// SetDebugOutput directs Dump's output; the CLI's --verbose flag uses this
// instead of a package-level log.Logger to keep frame dependency-free.
func SetDebugOutput(w io.Writer) {
	debugWriter = w
}
