package hidtransport

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// busUSB is the uhid bus type for a device attached over USB.
const busUSB = 0x03

var logger = log.New(os.Stderr, "hidtransport: ", 0)

// SilenceLogging discards the package's diagnostic output.
func SilenceLogging() { logger.SetOutput(io.Discard) }

// HIDEvent carries one fully reassembled CTAPHID message to the raw U2F
// message decoder above this package.
type HIDEvent struct {
	ChannelID uint32
	Cmd       byte
	Msg       []byte
	Error     error
}

// Transport presents a virtual USB-HID FIDO authenticator device to the
// kernel and speaks CTAPHID framing over it, handling channel allocation
// and CTAPHID_INIT itself and handing reassembled U2F raw messages to its
// caller. CTAP2-specific commands (CBOR, lock) are rejected outright so
// browsers negotiate down to U2F.
type Transport struct {
	name string
	dev  *Device

	mu       sync.Mutex
	channels map[uint32]bool

	events chan HIDEvent
}

// New creates (but does not yet instantiate in the kernel) a virtual
// FIDO HID device named name.
func New(name string) (*Transport, error) {
	dev, err := NewDevice(name, hidReportDescriptor)
	if err != nil {
		return nil, err
	}
	dev.Data.Bus = busUSB
	dev.Data.VendorID = 0x1209 // pid.codes testing VID
	dev.Data.ProductID = 0x0001

	return &Transport{
		name:     name,
		dev:      dev,
		channels: map[uint32]bool{},
		events:   make(chan HIDEvent),
	}, nil
}

// Events returns the channel HID messages arrive on. Run must be running
// for it to produce anything.
func (t *Transport) Events() <-chan HIDEvent { return t.events }

// HidrawNodes reports the /dev/hidraw* paths the kernel assigned the
// device, once Run has started it.
func (t *Transport) HidrawNodes(ctx context.Context) ([]string, error) {
	return t.dev.HidrawNodes(ctx)
}

// Run instantiates the kernel device and reassembles incoming HID output
// reports into CTAPHID messages until ctx is done, delivering each on
// Events(). It answers CTAPHID_INIT, CTAPHID_PING and CTAPHID_WINK itself
// and rejects every other command except CTAPHID_MSG with a CTAPHID_ERROR
// frame; only CTAPHID_MSG messages are handed to the caller via the
// Events channel.
func (t *Transport) Run(ctx context.Context) error {
	rawEvents, err := t.dev.Open(ctx)
	if err != nil {
		return fmt.Errorf("hidtransport: open device: %w", err)
	}
	defer close(t.events)

	var (
		pending   []byte
		needSize  uint16
		reqChanID uint32
		cmd       cmdType
		gathering bool
	)

	for ev := range rawEvents {
		if ev.Err != nil {
			logger.Printf("device event error: %s", ev.Err)
			continue
		}
		if ev.Type != Output {
			continue
		}

		pkt, err := decodePacket(ev.Data)
		if err != nil {
			logger.Printf("decode packet: %s", err)
			continue
		}

		if pkt.isInitial {
			if gathering {
				logger.Printf("new initial packet while pending packets still exist; dropping partial message")
			}
			pending = append([]byte{}, pkt.data...)
			needSize = pkt.totalSize
			reqChanID = pkt.channelID
			cmd = pkt.command
			gathering = true
		} else {
			if !gathering {
				continue
			}
			pending = append(pending, pkt.data...)
		}

		if !gathering || len(pending) < int(needSize) {
			continue
		}
		gathering = false
		msg := pending[:needSize]

		switch cmd {
		case cmdInit:
			t.handleInit(reqChanID, msg)
		case cmdMsg:
			select {
			case t.events <- HIDEvent{ChannelID: reqChanID, Cmd: byte(cmd), Msg: msg}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case cmdPing:
			// Echoed through the local processor only, no device involved.
			if err := t.writeFrames(reqChanID, cmdPing, msg, 0); err != nil {
				logger.Printf("ping response: %s", err)
			}
		case cmdWink:
			if err := t.writeFrames(reqChanID, cmdWink, nil, 0); err != nil {
				logger.Printf("wink response: %s", err)
			}
		default:
			// CTAP2 (cmdCbor), cmdLock, and anything vendor-specific: this
			// transport only ever carries U2F raw messages.
			if err := t.writeError(reqChanID, cmd, errInvalidCmd); err != nil {
				logger.Printf("error response: %s", err)
			}
		}
	}
	return ctx.Err()
}

func (t *Transport) handleInit(chanID uint32, nonce []byte) {
	t.mu.Lock()
	allocated, ok := t.allocateChannel()
	t.mu.Unlock()
	if !ok {
		logger.Printf("channel id exhaustion")
		return
	}

	var n [8]byte
	copy(n[:], nonce)
	resp := &initResponse{
		nonce:    n,
		channel:  allocated,
		version:  u2fProtocolVersion,
		major:    deviceMajorVersion,
		minor:    deviceMinorVersion,
		build:    deviceBuildVersion,
		capFlags: capabilityWink,
	}
	if err := t.writeFrames(chanID, cmdInit, resp.marshal(), 0); err != nil {
		logger.Printf("write init response: %s", err)
	}
}

func (t *Transport) allocateChannel() (uint32, bool) {
	for k := uint32(1); k < (1<<32)-1; k++ {
		if !t.channels[k] {
			t.channels[k] = true
			return k, true
		}
	}
	return 0, false
}

// WriteResponse sends a U2F raw-message response on channelID, appending
// the 2-byte big-endian status word U2F callers encode at the end of
// their response body. cmd is the HIDEvent.Cmd the request arrived with
// (CTAPHID echoes the request command on its response).
func (t *Transport) WriteResponse(channelID uint32, cmd byte, data []byte, status uint16) error {
	return t.writeFrames(channelID, cmdType(cmd), data, status)
}

func (t *Transport) writeError(channelID uint32, cmd cmdType, errCode byte) error {
	return t.writeFrames(channelID, cmdError, []byte{errCode}, 0)
}

func (t *Transport) writeFrames(channelID uint32, cmd cmdType, data []byte, status uint16) error {
	for _, frame := range encodeResponseFrames(channelID, cmd, data, status) {
		req := Input2Request{RequestType: evInput2, DataSize: uint16(len(frame))}
		copy(req.Data[:], frame)
		if err := t.dev.WriteEvent(req); err != nil {
			return err
		}
	}
	return nil
}

// Close destroys the underlying kernel device.
func (t *Transport) Close() error { return t.dev.Close() }
