package frame

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	for id := 0; id <= maxID; id++ {
		for _, l := range []CmdLen{CmdLen1, CmdLen4, CmdLen32, CmdLen128} {
			for _, d := range []Endpoint{DestFirmware, DestApp} {
				for _, nok := range []bool{false, true} {
					want := Header{ID: id, Len: l, NOK: nok, Dest: d}
					b, err := EncodeHeader(want)
					if err != nil {
						t.Fatalf("EncodeHeader(%+v): %v", want, err)
					}
					got, ok := DecodeHeader(b)
					if !ok {
						t.Fatalf("DecodeHeader(0x%02x) rejected its own encoding", b)
					}
					if got != want {
						t.Fatalf("round trip %+v -> 0x%02x -> %+v", want, b, got)
					}
				}
			}
		}
	}
}

func TestReadFrameNOKConsumesPayload(t *testing.T) {
	cmd := testCmd{code: 0x11, len: CmdLen32, dest: DestFirmware}

	nok, err := NewNOKFrame(Header{ID: 2, Len: CmdLen128, Dest: DestFirmware})
	if err != nil {
		t.Fatalf("NewNOKFrame: %v", err)
	}
	// A well-formed frame follows the NOK in the same stream; after
	// ReadFrame reports the NOK, the next read must land on it cleanly.
	next, err := NewFrameBuf(testCmd{code: 0x22, len: CmdLen1, dest: DestApp}, 1)
	if err != nil {
		t.Fatalf("NewFrameBuf: %v", err)
	}

	r := bytes.NewReader(append(append([]byte{}, nok...), next...))
	if _, _, err := ReadFrame(r, cmd, 2); err != ErrResponseNOK {
		t.Fatalf("ReadFrame = %v, want ErrResponseNOK", err)
	}
	rx, _, err := ReadFrame(r, testCmd{code: 0x22, len: CmdLen1, dest: DestApp}, 1)
	if err != nil {
		t.Fatalf("ReadFrame after NOK: %v", err)
	}
	if !bytes.Equal(rx, next) {
		t.Fatalf("stream desynchronized after a NOK reply")
	}
}

func TestEncodeHeaderRejectsBadID(t *testing.T) {
	if _, err := EncodeHeader(Header{ID: maxID + 1, Len: CmdLen1, Dest: DestApp}); err == nil {
		t.Fatalf("EncodeHeader accepted an out-of-range frame ID")
	}
}

func TestDecodeHeaderRejectsReservedBit(t *testing.T) {
	if _, ok := DecodeHeader(0x80); ok {
		t.Fatalf("DecodeHeader accepted a header with the reserved bit set")
	}
}

type testCmd struct {
	code byte
	len  CmdLen
	dest Endpoint
}

func (c testCmd) Code() byte         { return c.code }
func (c testCmd) CmdLen() CmdLen     { return c.len }
func (c testCmd) Endpoint() Endpoint { return c.dest }
func (c testCmd) String() string     { return "testCmd" }

func TestReadFrameValidatesLengthAndCode(t *testing.T) {
	cmd := testCmd{code: 0x11, len: CmdLen4, dest: DestApp}

	tx, err := NewFrameBuf(cmd, 1)
	if err != nil {
		t.Fatalf("NewFrameBuf: %v", err)
	}
	tx[2] = 0xAA

	rx, id, err := ReadFrame(bytes.NewReader(tx), cmd, 1)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if id != 1 {
		t.Fatalf("frame ID = %d, want 1", id)
	}
	if !bytes.Equal(rx, tx) {
		t.Fatalf("frame mismatch: % x vs % x", rx, tx)
	}

	// A response with the wrong code must be rejected.
	bad := append([]byte{}, tx...)
	bad[1] = 0x12
	if _, _, err := ReadFrame(bytes.NewReader(bad), cmd, 1); err == nil {
		t.Fatalf("ReadFrame accepted a mismatched response code")
	}

	// A response with the wrong length code must be rejected.
	short := testCmd{code: 0x11, len: CmdLen1, dest: DestApp}
	shortTx, _ := NewFrameBuf(short, 1)
	if _, _, err := ReadFrame(bytes.NewReader(shortTx), cmd, 1); err == nil {
		t.Fatalf("ReadFrame accepted a mismatched length code")
	}
}
