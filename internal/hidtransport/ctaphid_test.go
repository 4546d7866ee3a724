package hidtransport

import (
	"bytes"
	"testing"
)

func TestDecodePacketInitial(t *testing.T) {
	raw := make([]byte, 65)
	raw[0] = 0 // kernel report-number byte
	raw[1], raw[2], raw[3], raw[4] = 0x00, 0x00, 0x00, 0x2a
	raw[5] = byte(cmdMsg) | frameTypeInit
	raw[6], raw[7] = 0x00, 0x05
	copy(raw[8:], []byte{1, 2, 3, 4, 5})

	pkt, err := decodePacket(raw)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if !pkt.isInitial {
		t.Fatalf("expected an initial packet")
	}
	if pkt.channelID != 0x2a {
		t.Fatalf("channelID = %#x, want 0x2a", pkt.channelID)
	}
	if pkt.command != cmdMsg {
		t.Fatalf("command = %#x, want cmdMsg", pkt.command)
	}
	if pkt.totalSize != 5 {
		t.Fatalf("totalSize = %d, want 5", pkt.totalSize)
	}
	if !bytes.Equal(pkt.data[:5], []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("data mismatch: %v", pkt.data[:5])
	}
}

func TestDecodePacketContinuation(t *testing.T) {
	raw := make([]byte, 65)
	raw[1], raw[2], raw[3], raw[4] = 0x00, 0x00, 0x00, 0x07
	raw[5] = 0x03 // sequence number
	copy(raw[6:], []byte{9, 8, 7})

	pkt, err := decodePacket(raw)
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if pkt.isInitial {
		t.Fatalf("expected a continuation packet")
	}
	if pkt.seqNo != 3 {
		t.Fatalf("seqNo = %d, want 3", pkt.seqNo)
	}
	if !bytes.Equal(pkt.data[:3], []byte{9, 8, 7}) {
		t.Fatalf("data mismatch: %v", pkt.data[:3])
	}
}

func TestEncodeResponseFramesSingleFrame(t *testing.T) {
	frames := encodeResponseFrames(0x2a, cmdMsg, []byte("hi"), 0x9000)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if len(f) != reportLen {
		t.Fatalf("frame length = %d, want %d", len(f), reportLen)
	}
	if f[4] != byte(cmdMsg)|frameTypeInit {
		t.Fatalf("command byte = %#x", f[4])
	}
	// total size = len("hi") + 2 status bytes = 4
	if f[5] != 0x00 || f[6] != 0x04 {
		t.Fatalf("total size bytes = %d,%d, want 0,4", f[5], f[6])
	}
	if f[7] != 'h' || f[8] != 'i' || f[9] != 0x90 || f[10] != 0x00 {
		t.Fatalf("payload mismatch: %v", f[7:11])
	}
}

func TestEncodeResponseFramesMultiFrame(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 200)
	frames := encodeResponseFrames(1, cmdMsg, data, 0)
	if len(frames) < 2 {
		t.Fatalf("got %d frames, want at least 2 for a 200-byte payload", len(frames))
	}
	for i, f := range frames {
		if len(f) != reportLen {
			t.Fatalf("frame %d length = %d, want %d", i, len(f), reportLen)
		}
	}
	if frames[1][4] != 0x00 {
		t.Fatalf("first continuation frame seqNo byte = %#x, want 0", frames[1][4])
	}
	if frames[2][4] != 0x01 {
		t.Fatalf("second continuation frame seqNo byte = %#x, want 1", frames[2][4])
	}
}

func TestInitResponseMarshal(t *testing.T) {
	r := &initResponse{
		channel:  0x01020304,
		version:  u2fProtocolVersion,
		major:    deviceMajorVersion,
		minor:    deviceMinorVersion,
		build:    deviceBuildVersion,
		capFlags: capabilityWink,
	}
	copy(r.nonce[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	out := r.marshal()
	if len(out) != 17 {
		t.Fatalf("marshaled init response length = %d, want 17", len(out))
	}
	if out[8] != 0x01 || out[9] != 0x02 || out[10] != 0x03 || out[11] != 0x04 {
		t.Fatalf("channel bytes mismatch: %v", out[8:12])
	}
	if out[12] != u2fProtocolVersion {
		t.Fatalf("protocol version byte = %d", out[12])
	}
}
