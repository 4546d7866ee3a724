package u2fhid

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tillitis/tkey-fido/internal/hidtransport"
)

type fakeAgent struct {
	registerPresence bool
	registerPub      []byte
	registerKH       [64]byte
	registerErr      error

	checkOnlyValid bool
	checkOnlyErr   error

	authValid     bool
	authPresence  bool
	authCounter   uint32
	authSig       []byte
	authErr       error
	sawCheckUser  bool
}

func (f *fakeAgent) Register(appParam [32]byte) (bool, [64]byte, []byte, error) {
	return f.registerPresence, f.registerKH, f.registerPub, f.registerErr
}

func (f *fakeAgent) CheckOnly(appParam [32]byte, keyHandle [64]byte) (bool, error) {
	return f.checkOnlyValid, f.checkOnlyErr
}

func (f *fakeAgent) Authenticate(appParam, challengeParam [32]byte, keyHandle [64]byte, checkUser bool) (bool, bool, uint32, []byte, error) {
	f.sawCheckUser = checkUser
	return f.authValid, f.authPresence, f.authCounter, f.authSig, f.authErr
}

type capturedResponse struct {
	channelID uint32
	cmd       byte
	data      []byte
	status    uint16
}

type fakeResponder struct {
	sent []capturedResponse
	err  error
}

func (f *fakeResponder) WriteResponse(channelID uint32, cmd byte, data []byte, status uint16) error {
	f.sent = append(f.sent, capturedResponse{channelID, cmd, data, status})
	return f.err
}

func registerRequestBytes(app, challenge [32]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x00)
	buf.WriteByte(CmdRegister)
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
	size := 64
	buf.WriteByte(byte(size >> 16))
	buf.WriteByte(byte(size >> 8))
	buf.WriteByte(byte(size))
	buf.Write(challenge[:])
	buf.Write(app[:])
	return buf.Bytes()
}

func authenticateRequestBytes(ctrl AuthCtrl, app, challenge [32]byte, kh []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x00)
	buf.WriteByte(CmdAuthenticate)
	buf.WriteByte(byte(ctrl))
	buf.WriteByte(0x00)
	size := 32 + 32 + 1 + len(kh)
	buf.WriteByte(byte(size >> 16))
	buf.WriteByte(byte(size >> 8))
	buf.WriteByte(byte(size))
	buf.Write(challenge[:])
	buf.Write(app[:])
	buf.WriteByte(byte(len(kh)))
	buf.Write(kh)
	return buf.Bytes()
}

func TestTranslatorRegisterSuccess(t *testing.T) {
	var app, challenge [32]byte
	app[0] = 1
	challenge[0] = 2

	fa := &fakeAgent{registerPresence: true, registerPub: bytes.Repeat([]byte{0xAB}, 65)}
	fa.registerKH[0] = 0xEE
	fr := &fakeResponder{}
	tr := &Translator{agent: fa, transport: fr}

	req, err := DecodeAuthenticatorRequest(registerRequestBytes(app, challenge))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := hidtransport.HIDEvent{ChannelID: 7, Cmd: CmdRegister, Msg: nil}
	if err := tr.handleRegister(ev, req); err != nil {
		t.Fatalf("handleRegister: %v", err)
	}

	if len(fr.sent) != 1 {
		t.Fatalf("got %d responses, want 1", len(fr.sent))
	}
	got := fr.sent[0]
	if got.status != StatusNoError {
		t.Fatalf("status = 0x%04x, want StatusNoError", got.status)
	}
	if got.data[0] != 0x05 {
		t.Fatalf("reserved byte = 0x%02x, want 0x05", got.data[0])
	}
	if !bytes.Equal(got.data[1:66], fa.registerPub) {
		t.Fatalf("response public key mismatch")
	}
	if got.data[66] != 64 {
		t.Fatalf("key handle length byte = %d, want 64", got.data[66])
	}
	if !bytes.Equal(got.data[67:131], fa.registerKH[:]) {
		t.Fatalf("response key handle mismatch")
	}
}

func TestTranslatorRegisterWithoutPresenceReturnsConditionsNotSatisfied(t *testing.T) {
	var app, challenge [32]byte
	fa := &fakeAgent{registerPresence: false}
	fr := &fakeResponder{}
	tr := &Translator{agent: fa, transport: fr}

	req, _ := DecodeAuthenticatorRequest(registerRequestBytes(app, challenge))
	ev := hidtransport.HIDEvent{ChannelID: 1, Cmd: CmdRegister}
	if err := tr.handleRegister(ev, req); err != nil {
		t.Fatalf("handleRegister: %v", err)
	}
	if len(fr.sent) != 1 || fr.sent[0].status != StatusConditionsNotSatisfied {
		t.Fatalf("sent = %+v, want a single ConditionsNotSatisfied response", fr.sent)
	}
}

func TestTranslatorAuthenticateCheckOnlySuccessIsConditionsNotSatisfied(t *testing.T) {
	var app, challenge [32]byte
	kh := bytes.Repeat([]byte{0x01}, 64)

	fa := &fakeAgent{checkOnlyValid: true}
	fr := &fakeResponder{}
	tr := &Translator{agent: fa, transport: fr}

	req, err := DecodeAuthenticatorRequest(authenticateRequestBytes(CtrlCheckOnly, app, challenge, kh))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := hidtransport.HIDEvent{ChannelID: 3, Cmd: CmdAuthenticate}
	if err := tr.handleAuthenticate(ev, req); err != nil {
		t.Fatalf("handleAuthenticate: %v", err)
	}
	if len(fr.sent) != 1 || fr.sent[0].status != StatusConditionsNotSatisfied {
		t.Fatalf("sent = %+v, want a single ConditionsNotSatisfied response", fr.sent)
	}
	if len(fr.sent[0].data) != 0 {
		t.Fatalf("check-only success response must carry no data, got %d bytes", len(fr.sent[0].data))
	}
}

func TestTranslatorAuthenticateCheckOnlyInvalidKeyHandleIsWrongData(t *testing.T) {
	var app, challenge [32]byte
	kh := bytes.Repeat([]byte{0x01}, 64)

	fa := &fakeAgent{checkOnlyValid: false}
	fr := &fakeResponder{}
	tr := &Translator{agent: fa, transport: fr}

	req, _ := DecodeAuthenticatorRequest(authenticateRequestBytes(CtrlCheckOnly, app, challenge, kh))
	ev := hidtransport.HIDEvent{ChannelID: 3, Cmd: CmdAuthenticate}
	_ = tr.handleAuthenticate(ev, req)

	if len(fr.sent) != 1 || fr.sent[0].status != StatusWrongData {
		t.Fatalf("sent = %+v, want a single WrongData response", fr.sent)
	}
}

func TestTranslatorAuthenticateSignSuccess(t *testing.T) {
	var app, challenge [32]byte
	kh := bytes.Repeat([]byte{0x02}, 64)
	sig := bytes.Repeat([]byte{0x09}, 70) // stand-in ASN.1 DER bytes

	fa := &fakeAgent{
		checkOnlyValid: true,
		authValid:      true,
		authPresence:   true,
		authCounter:    42,
		authSig:        sig,
	}
	fr := &fakeResponder{}
	tr := &Translator{agent: fa, transport: fr}

	req, err := DecodeAuthenticatorRequest(authenticateRequestBytes(CtrlEnforeUserPresenceAndSign, app, challenge, kh))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := hidtransport.HIDEvent{ChannelID: 9, Cmd: CmdAuthenticate}
	if err := tr.handleAuthenticate(ev, req); err != nil {
		t.Fatalf("handleAuthenticate: %v", err)
	}
	if !fa.sawCheckUser {
		t.Fatalf("enforce-user-presence control did not propagate checkUser=true")
	}

	if len(fr.sent) != 1 {
		t.Fatalf("got %d responses, want 1", len(fr.sent))
	}
	got := fr.sent[0]
	if got.status != StatusNoError {
		t.Fatalf("status = 0x%04x, want StatusNoError", got.status)
	}
	if got.data[0] != 0x01 {
		t.Fatalf("user presence byte = 0x%02x, want 0x01", got.data[0])
	}
	if binary.BigEndian.Uint32(got.data[1:5]) != 42 {
		t.Fatalf("counter = %d, want 42", binary.BigEndian.Uint32(got.data[1:5]))
	}
	if !bytes.Equal(got.data[5:], sig) {
		t.Fatalf("signature mismatch")
	}
}

func TestTranslatorAuthenticateRejectsShortKeyHandle(t *testing.T) {
	var app, challenge [32]byte
	fa := &fakeAgent{}
	fr := &fakeResponder{}
	tr := &Translator{agent: fa, transport: fr}

	req, err := DecodeAuthenticatorRequest(authenticateRequestBytes(CtrlCheckOnly, app, challenge, []byte{0x01, 0x02}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := tr.handleAuthenticate(hidtransport.HIDEvent{ChannelID: 1, Cmd: CmdAuthenticate}, req); err == nil {
		t.Fatalf("expected an error for a non-64-byte key handle")
	}
	if len(fr.sent) != 1 || fr.sent[0].status != StatusWrongData {
		t.Fatalf("sent = %+v, want a single WrongData response", fr.sent)
	}
}

func TestTranslatorUnknownCommandIsClaNotSupported(t *testing.T) {
	// Command byte outside {Register, Authenticate, Version}: browsers
	// probe with these to discover what a token supports, and expect
	// ClaNotSupported back without any device interaction.
	raw := []byte{0x00, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00}

	fr := &fakeResponder{}
	tr := &Translator{agent: &fakeAgent{}, transport: fr}
	tr.handle(nil, hidtransport.HIDEvent{ChannelID: 5, Cmd: 0x03, Msg: raw})

	if len(fr.sent) != 1 || fr.sent[0].status != StatusClaNotSupported {
		t.Fatalf("sent = %+v, want a single ClaNotSupported response", fr.sent)
	}
	if len(fr.sent[0].data) != 0 {
		t.Fatalf("unknown-command response must carry no data")
	}
}

func TestTranslatorVersionRequest(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, CmdVersion, 0x00, 0x00, 0x00, 0x00, 0x00})

	req, err := DecodeAuthenticatorRequest(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fr := &fakeResponder{}
	tr := &Translator{agent: &fakeAgent{}, transport: fr}
	ev := hidtransport.HIDEvent{ChannelID: 4, Cmd: CmdVersion, Msg: buf.Bytes()}
	tr.handle(nil, ev)

	if len(fr.sent) != 1 || !bytes.Equal(fr.sent[0].data, []byte("U2F_V2")) || fr.sent[0].status != StatusNoError {
		t.Fatalf("sent = %+v, want a single U2F_V2/NoError response", fr.sent)
	}
	_ = req
}
