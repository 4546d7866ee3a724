package hidtransport

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CTAPHID framing constants, per the FIDO Alliance's CTAPHID transport
// spec. CTAP2 commands (CBOR, CmdLock) are read but rejected with
// CmdError/errInvalidCmd: this transport only ever carries U2F raw
// messages.
const (
	frameTypeInit = 0x80
	frameTypeCont = 0x00

	cmdPing  cmdType = 0x01
	cmdMsg   cmdType = 0x03
	cmdLock  cmdType = 0x04
	cmdInit  cmdType = 0x06
	cmdWink  cmdType = 0x08
	cmdCbor  cmdType = 0x10
	cmdSync  cmdType = 0x3c
	cmdError cmdType = 0x3f

	vendorSpecificFirstCmd = 0x40
	vendorSpecificLastCmd  = 0x7f

	reportLen             = 64
	initialPacketDataLen  = reportLen - 7
	contPacketDataLen     = reportLen - 5
	u2fProtocolVersion    = 2
	deviceMajorVersion    = 1
	deviceMinorVersion    = 0
	deviceBuildVersion    = 0
	capabilityWink        = 0x01
	capabilityCbor        = 0x04

	errInvalidCmd     = 0x01
	errInvalidChannel = 0x03
)

type cmdType byte

func (c cmdType) isVendorSpecific() bool {
	return byte(c) >= vendorSpecificFirstCmd && byte(c) <= vendorSpecificLastCmd
}

// hidReportDescriptor is the FIDO HID usage page report descriptor, per
// https://fidoalliance.org/specs/fido-u2f-v1.2-ps-20170411/ HUTRR48.
var hidReportDescriptor = []byte{
	0x06, 0xd0, 0xf1, // USAGE_PAGE (FIDO Alliance)
	0x09, 0x01, // USAGE (U2F HID Authenticator Device)
	0xa1, 0x01, // COLLECTION (Application)
	0x09, 0x20, //   USAGE (Input Report Data)
	0x15, 0x00, //   LOGICAL_MINIMUM (0)
	0x26, 0xff, 0x00, // LOGICAL_MAXIMUM (255)
	0x75, 0x08, //   REPORT_SIZE (8)
	0x95, 0x40, //   REPORT_COUNT (64)
	0x81, 0x02, //   INPUT (Data,Var,Abs)
	0x09, 0x21, //   USAGE (Output Report Data)
	0x15, 0x00, //   LOGICAL_MINIMUM (0)
	0x26, 0xff, 0x00, // LOGICAL_MAXIMUM (255)
	0x75, 0x08, //   REPORT_SIZE (8)
	0x95, 0x40, //   REPORT_COUNT (64)
	0x91, 0x02, //   OUTPUT (Data,Var,Abs)
	0xc0, // END_COLLECTION
}

// packet is one decoded 64-byte HID report.
type packet struct {
	channelID uint32
	isInitial bool
	command   cmdType
	seqNo     byte
	totalSize uint16
	data      []byte
}

// decodePacket parses one raw HID output report into a packet. The kernel
// prepends a report-number byte ahead of the actual report content even
// for the unnumbered report this device declares, which is why the first
// byte is skipped here.
func decodePacket(raw []byte) (packet, error) {
	if len(raw) < 1 {
		return packet{}, fmt.Errorf("hidtransport: empty report")
	}
	raw = raw[1:]
	if len(raw) < 5 {
		return packet{}, fmt.Errorf("hidtransport: short report: %d bytes", len(raw))
	}
	channelID := binary.BigEndian.Uint32(raw[:4])
	typeOrSeq := raw[4]

	if typeOrSeq&frameTypeInit == frameTypeInit {
		if len(raw) < 7 {
			return packet{}, fmt.Errorf("hidtransport: short init report: %d bytes", len(raw))
		}
		cmd := typeOrSeq &^ frameTypeInit
		totalSize := binary.BigEndian.Uint16(raw[5:7])
		data := raw[7:]
		if len(data) > initialPacketDataLen {
			data = data[:initialPacketDataLen]
		}
		return packet{channelID: channelID, isInitial: true, command: cmdType(cmd), totalSize: totalSize, data: data}, nil
	}

	data := raw[5:]
	if len(data) > contPacketDataLen {
		data = data[:contPacketDataLen]
	}
	return packet{channelID: channelID, seqNo: typeOrSeq, data: data}, nil
}

// encodeResponseFrames splits data (plus a trailing 2-byte big-endian
// status word when status != 0) into a sequence of 64-byte HID input
// reports: one init frame followed by as many continuation frames as
// needed.
func encodeResponseFrames(channelID uint32, cmd cmdType, data []byte, status uint16) [][]byte {
	if status > 0 {
		statusBytes := make([]byte, 2)
		binary.BigEndian.PutUint16(statusBytes, status)
		data = append(append([]byte{}, data...), statusBytes...)
	}

	var frames [][]byte
	totalSize := uint16(len(data))

	pktSize := initialPacketDataLen
	seqNo := byte(0)
	initial := true
	for initial || len(data) > 0 {
		sliceSize := pktSize
		if len(data) < sliceSize {
			sliceSize = len(data)
		}
		chunk := data[:sliceSize]
		data = data[sliceSize:]

		buf := new(bytes.Buffer)
		binary.Write(buf, binary.BigEndian, channelID)
		var headerLen int
		if initial {
			buf.WriteByte(byte(cmd) | frameTypeInit)
			binary.Write(buf, binary.BigEndian, totalSize)
			headerLen = 7
			buf.Write(chunk)
			pad(buf, headerLen, initialPacketDataLen)
			initial = false
			pktSize = contPacketDataLen
		} else {
			buf.WriteByte(seqNo)
			headerLen = 5
			buf.Write(chunk)
			pad(buf, headerLen, contPacketDataLen)
			seqNo++
		}
		frames = append(frames, buf.Bytes())
	}
	return frames
}

func pad(buf *bytes.Buffer, headerLen, want int) {
	have := buf.Len() - headerLen
	if have < want {
		buf.Write(make([]byte, want-have))
	}
}

// initResponse is CTAPHID_INIT's reply payload.
type initResponse struct {
	nonce    [8]byte
	channel  uint32
	version  byte
	major    byte
	minor    byte
	build    byte
	capFlags byte
}

func (r *initResponse) marshal() []byte {
	buf := new(bytes.Buffer)
	buf.Write(r.nonce[:])
	binary.Write(buf, binary.BigEndian, r.channel)
	buf.Write([]byte{r.version, r.major, r.minor, r.build, r.capFlags})
	return buf.Bytes()
}
