package u2fhid

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/tillitis/tkey-fido/internal/agent"
	"github.com/tillitis/tkey-fido/internal/hidtransport"
)

var le = log.New(os.Stderr, "u2fhid: ", 0)

// SilenceLogging discards the package's diagnostic output.
func SilenceLogging() { le.SetOutput(io.Discard) }

// tokenAgent is the subset of *agent.Agent the translator needs, kept as
// an interface so tests can exercise handleRegister/handleAuthenticate
// without a real security token attached.
type tokenAgent interface {
	Register(appParam [32]byte) (userPresence bool, keyHandle [64]byte, pubKey []byte, err error)
	CheckOnly(appParam [32]byte, keyHandle [64]byte) (bool, error)
	Authenticate(appParam, challengeParam [32]byte, keyHandle [64]byte, checkUser bool) (valid, userPresence bool, counter uint32, sig []byte, err error)
}

var _ tokenAgent = (*agent.Agent)(nil)

// responder is the subset of *hidtransport.Transport the translator
// needs to reply to a request, kept as an interface so tests don't need
// a real kernel /dev/uhid device.
type responder interface {
	WriteResponse(channelID uint32, cmd byte, data []byte, status uint16) error
}

var _ responder = (*hidtransport.Transport)(nil)

// Translator answers U2F raw-message requests arriving over a
// hidtransport.Transport by calling into an agent.Agent, doing the
// ASN.1-encoded attestation signing that stays on the host side.
type Translator struct {
	agent     tokenAgent
	transport responder
	events    <-chan hidtransport.HIDEvent

	operationMu sync.Mutex // only handling one HID message at a time, like softHID
}

// NewTranslator wires a running Agent to a Transport.
func NewTranslator(a *agent.Agent, t *hidtransport.Transport) *Translator {
	return &Translator{agent: a, transport: t, events: t.Events()}
}

// Run answers events from the transport until ctx is done or its event
// channel is closed.
func (tr *Translator) Run(ctx context.Context) error {
	events := tr.events
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("u2fhid: transport closed")
			}
			if ev.Error != nil {
				le.Printf("transport event error: %s", ev.Error)
				continue
			}
			tr.handle(ctx, ev)
		}
	}
}

func (tr *Translator) handle(ctx context.Context, ev hidtransport.HIDEvent) {
	req, err := DecodeAuthenticatorRequest(ev.Msg)
	if err != nil {
		le.Printf("decode request: %s", err)
		return
	}

	switch req.Command {
	case CmdVersion:
		le.Printf("cmd: version")
		if err := tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, []byte("U2F_V2"), StatusNoError); err != nil {
			le.Printf("write version response: %s", err)
		}
	case CmdRegister:
		le.Printf("cmd: register")
		if err := tr.handleRegister(ev, req); err != nil {
			le.Printf("handle register: %s", err)
		}
	case CmdAuthenticate:
		le.Printf("cmd: authenticate ctrl=%s", authCtrlString(req.Authenticate.Ctrl))
		if err := tr.handleAuthenticate(ev, req); err != nil {
			le.Printf("handle authenticate: %s", err)
		}
	default:
		le.Printf("unsupported cmd: 0x%02x", req.Command)
		// Browsers rely on this to probe for U2F backwards-compat
		// support before trying CTAP2.
		if err := tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusClaNotSupported); err != nil {
			le.Printf("write not-supported response: %s", err)
		}
	}
}

func (tr *Translator) handleRegister(ev hidtransport.HIDEvent, req *AuthenticatorRequest) error {
	tr.operationMu.Lock()
	defer tr.operationMu.Unlock()

	userPresence, keyHandle, pubBytes, err := tr.agent.Register(req.Register.ApplicationParam)
	if err != nil {
		return fmt.Errorf("Register: %w", err)
	}
	if !userPresence {
		le.Printf("register: no user present")
		return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusConditionsNotSatisfied)
	}

	attKey, attCertDER, err := Attestation()
	if err != nil {
		return fmt.Errorf("Attestation: %w", err)
	}

	var attSigData bytes.Buffer
	attSigData.WriteByte(0x00) // reserved
	attSigData.Write(req.Register.ApplicationParam[:])
	attSigData.Write(req.Register.ChallengeParam[:])
	attSigData.Write(keyHandle[:])
	attSigData.Write(pubBytes)
	hash := sha256.Sum256(attSigData.Bytes())

	attSig, err := ecdsa.SignASN1(rand.Reader, attKey, hash[:])
	if err != nil {
		return fmt.Errorf("sign attestation: %w", err)
	}

	var resp bytes.Buffer
	resp.WriteByte(0x05) // reserved
	resp.Write(pubBytes)
	resp.WriteByte(byte(len(keyHandle)))
	resp.Write(keyHandle[:])
	resp.Write(attCertDER)
	resp.Write(attSig)

	le.Printf("register: success")
	return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, resp.Bytes(), StatusNoError)
}

func (tr *Translator) handleAuthenticate(ev hidtransport.HIDEvent, req *AuthenticatorRequest) error {
	tr.operationMu.Lock()
	defer tr.operationMu.Unlock()

	auth := req.Authenticate
	if l := len(auth.KeyHandle); l != 64 {
		if err := tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusWrongData); err != nil {
			le.Printf("write wrong-data response: %s", err)
		}
		return fmt.Errorf("key handle length %d, want 64", l)
	}
	var keyHandle [64]byte
	copy(keyHandle[:], auth.KeyHandle)

	valid, err := tr.agent.CheckOnly(auth.ApplicationParam, keyHandle)
	if err != nil {
		if werr := tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusWrongData); werr != nil {
			le.Printf("write wrong-data response: %s", werr)
		}
		return fmt.Errorf("CheckOnly: %w", err)
	}
	if !valid {
		le.Printf("authenticate: key handle not valid")
		return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusWrongData)
	}

	if auth.Ctrl == CtrlCheckOnly {
		le.Printf("authenticate: check-only success")
		// Per U2F spec §5.1: despite the name, this is the documented
		// success reply for a check-only request against a valid key
		// handle.
		return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusConditionsNotSatisfied)
	}

	checkUser := auth.Ctrl == CtrlEnforeUserPresenceAndSign

	valid, userPresence, counter, sigASN1, err := tr.agent.Authenticate(auth.ApplicationParam, auth.ChallengeParam, keyHandle, checkUser)
	if err != nil {
		if werr := tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusWrongData); werr != nil {
			le.Printf("write wrong-data response: %s", werr)
		}
		return fmt.Errorf("Authenticate: %w", err)
	}
	if !valid {
		le.Printf("authenticate: key handle not valid (post-check)")
		return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusWrongData)
	}
	if checkUser && !userPresence {
		le.Printf("authenticate: user not present but required")
		return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, nil, StatusConditionsNotSatisfied)
	}

	var resp bytes.Buffer
	if userPresence {
		resp.WriteByte(0x01)
	} else {
		resp.WriteByte(0x00)
	}
	_ = binary.Write(&resp, binary.BigEndian, counter)
	resp.Write(sigASN1)

	le.Printf("authenticate: success")
	return tr.transport.WriteResponse(ev.ChannelID, ev.Cmd, resp.Bytes(), StatusNoError)
}

func authCtrlString(c AuthCtrl) string {
	switch c {
	case CtrlCheckOnly:
		return "check-only"
	case CtrlEnforeUserPresenceAndSign:
		return "enforce-user-presence"
	case CtrlDontEnforeUserPresenceAndSign:
		return "dont-enforce-user-presence"
	default:
		return "unknown"
	}
}
