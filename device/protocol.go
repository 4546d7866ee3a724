package device

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tillitis/tkey-fido/frame"
	"github.com/tillitis/tkey-fido/proto"
)

// Engine dispatches incoming app-endpoint frames to the key-handle core,
// implementing the device application's command loop. An Engine is
// single-threaded by construction, the same way the real device is: it has
// no goroutines and no locks, since only one frame can be in flight on a
// serial link at a time.
type Engine struct {
	hal  HAL
	core *KeyHandleCore

	// pendingSet holds the accumulated first-phase payload of a two-phase
	// U2F_AUTHENTICATE_SET/_GO exchange. A nil value means no SET is
	// outstanding; U2F_AUTHENTICATE_GO without one is rejected with
	// proto.SubcodeNoPendingSet.
	pendingSet []byte
}

// NewEngine builds an Engine around the key-handle core derived from hal.
func NewEngine(hal HAL) *Engine {
	return &Engine{hal: hal, core: NewKeyHandleCore(hal)}
}

// Run reads and dispatches frames from rw until it returns an error (most
// commonly io.EOF when the host disconnects). It never returns nil. A
// byte that doesn't decode as a frame header is discarded and the loop
// resynchronizes on the next one. Frames addressed to the firmware
// endpoint get a single NOK frame back, so a host can probe whether the
// firmware is still in charge; frames to any other endpoint are dropped
// without reply.
func (e *Engine) Run(rw io.ReadWriter) error {
	for {
		// Steady idle color while waiting for a command.
		e.hal.SetLED(ColorYellow)

		var hb [1]byte
		if _, err := io.ReadFull(rw, hb[:]); err != nil {
			return err
		}
		hdr, ok := frame.DecodeHeader(hb[0])
		if !ok {
			continue
		}
		payload := make([]byte, hdr.Len.Bytelen())
		if _, err := io.ReadFull(rw, payload); err != nil {
			return fmt.Errorf("device: read payload: %w", err)
		}
		switch hdr.Dest {
		case frame.DestFirmware:
			nok, err := frame.NewNOKFrame(hdr)
			if err != nil {
				return err
			}
			frame.Dump("device tx", nok)
			if _, err := rw.Write(nok); err != nil {
				return err
			}
		case frame.DestApp:
			if err := e.dispatch(rw, hdr, payload); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) dispatch(w io.Writer, hdr frame.Header, payload []byte) error {
	if len(payload) == 0 {
		return e.replyUnknown(w, hdr.ID)
	}
	code := payload[0]
	body := payload[1:]

	switch code {
	case proto.GetNameVersionCmd.Code():
		e.pendingSet = nil
		return e.handleGetNameVersion(w, hdr.ID)
	case proto.U2FRegisterCmd.Code():
		e.pendingSet = nil
		return e.handleRegister(w, hdr.ID, body)
	case proto.U2FCheckOnlyCmd.Code():
		e.pendingSet = nil
		return e.handleCheckOnly(w, hdr.ID, body)
	case proto.U2FAuthenticateSetCmd.Code():
		return e.handleAuthenticateSet(w, hdr.ID, body)
	case proto.U2FAuthenticateGoCmd.Code():
		return e.handleAuthenticateGo(w, hdr.ID, body)
	default:
		e.pendingSet = nil
		return e.replyUnknown(w, hdr.ID)
	}
}

func (e *Engine) replyUnknown(w io.Writer, id int) error {
	return writeFrame(w, proto.UnknownCmdRsp, id, nil)
}

// writeFrame sends a single frame carrying rsp's code followed by body,
// zero-padding to rsp's declared length.
func writeFrame(w io.Writer, rsp frame.Cmd, id int, body []byte) error {
	buf, err := frame.NewFrameBuf(rsp, id)
	if err != nil {
		return err
	}
	copy(buf[2:], body)
	frame.Dump("device tx", buf)
	_, err = w.Write(buf)
	return err
}

func errorReply(w io.Writer, rsp frame.Cmd, id int, subcode byte) error {
	return writeFrame(w, rsp, id, []byte{proto.StatusBad, subcode})
}

func (e *Engine) handleGetNameVersion(w io.Writer, id int) error {
	// No leading status byte: the response is the raw identity block,
	// which the host client parses the same way.
	body := make([]byte, 12)
	copy(body[0:4], []byte(proto.AppName0))
	copy(body[4:8], []byte(proto.AppName1))
	binary.LittleEndian.PutUint32(body[8:12], proto.AppVersion)
	return writeFrame(w, proto.GetNameVersionRsp, id, body)
}

// handleRegister implements U2F_REGISTER. The request carries only the
// application parameter; the device never sees the challenge or client
// data hash, which are folded into the attestation signature the host
// computes over the response. The result doesn't fit one frame's 127
// usable bytes together with the keyHandle and the public key, so it goes
// out as two frames of the same response code: userPresence+keyHandle
// first, then the public key.
func (e *Engine) handleRegister(w io.Writer, id int, body []byte) error {
	if len(body) < 32 {
		return errorReply(w, proto.U2FRegisterRsp, id, proto.SubcodeUnknown)
	}
	var appParam [32]byte
	copy(appParam[:], body[:32])

	present, pub, kh, err := e.core.Register(appParam)
	if err != nil {
		return errorReply(w, proto.U2FRegisterRsp, id, proto.SubcodeKeypairDerivation)
	}

	first := make([]byte, 0, 1+1+len(kh))
	first = append(first, proto.StatusOK)
	first = append(first, boolByte(present))
	first = append(first, kh...)
	if err := writeFrame(w, proto.U2FRegisterRsp, id, first); err != nil {
		return err
	}

	second := make([]byte, 0, 1+len(pub))
	second = append(second, proto.StatusOK)
	second = append(second, pub...)
	return writeFrame(w, proto.U2FRegisterRsp, id, second)
}

func (e *Engine) handleCheckOnly(w io.Writer, id int, body []byte) error {
	if len(body) < 32+KeyHandleSize {
		return errorReply(w, proto.U2FCheckOnlyRsp, id, proto.SubcodeUnknown)
	}
	var appParam [32]byte
	copy(appParam[:], body[:32])
	kh := body[32 : 32+KeyHandleSize]

	valid := e.core.CheckOnly(appParam, kh)
	return writeFrame(w, proto.U2FCheckOnlyRsp, id, []byte{proto.StatusOK, boolByte(valid)})
}

// handleAuthenticateSet is the first half of U2F_AUTHENTICATE. It stashes
// the application and challenge parameters and acknowledges; the actual
// signing happens once handleAuthenticateGo supplies the key handle,
// presence-enforcement flag, and counter — the combined request doesn't
// fit in one 128-byte frame.
func (e *Engine) handleAuthenticateSet(w io.Writer, id int, body []byte) error {
	if len(body) < 64 {
		e.pendingSet = nil
		return errorReply(w, proto.U2FAuthenticateRsp, id, proto.SubcodeUnknown)
	}
	e.pendingSet = append([]byte{}, body[:64]...)
	return writeFrame(w, proto.U2FAuthenticateRsp, id, []byte{proto.StatusOK})
}

func (e *Engine) handleAuthenticateGo(w io.Writer, id int, body []byte) error {
	pending := e.pendingSet
	e.pendingSet = nil
	if pending == nil {
		return errorReply(w, proto.U2FAuthenticateRsp, id, proto.SubcodeNoPendingSet)
	}
	if len(body) < KeyHandleSize+1+4 {
		return errorReply(w, proto.U2FAuthenticateRsp, id, proto.SubcodeUnknown)
	}

	var appParam, challengeParam [32]byte
	copy(appParam[:], pending[:32])
	copy(challengeParam[:], pending[32:64])

	kh := body[:KeyHandleSize]
	enforcePresence := body[KeyHandleSize] != 0
	counter := binary.BigEndian.Uint32(body[KeyHandleSize+1 : KeyHandleSize+5])

	valid, present, sig, err := e.core.Authenticate(appParam, kh, enforcePresence, counter, challengeParam)
	if err != nil {
		return errorReply(w, proto.U2FAuthenticateRsp, id, proto.SubcodeSignFailed)
	}
	if !valid {
		return writeFrame(w, proto.U2FAuthenticateRsp, id, []byte{proto.StatusOK, boolByte(false)})
	}

	result := make([]byte, 0, 1+1+1+len(sig))
	result = append(result, proto.StatusOK, boolByte(true), boolByte(present))
	result = append(result, sig...)
	return writeFrame(w, proto.U2FAuthenticateRsp, id, result)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// appParamDigest is a convenience used by tests to build an application
// parameter the same way a relying party's origin hash would.
func appParamDigest(origin string) [32]byte {
	return sha256.Sum256([]byte(origin))
}
