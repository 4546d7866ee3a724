// Package u2fhid decodes U2F raw-message requests carried over CTAPHID,
// dispatches them to an internal/agent.Agent, and encodes the U2F raw
// message responses: the browser-facing half of the host agent.
package u2fhid

import "fmt"

// U2F raw-message command bytes, per the FIDO U2F raw message formats
// spec.
const (
	CmdRegister     = 0x01
	CmdAuthenticate = 0x02
	CmdVersion      = 0x03
)

// AuthCtrl is the control byte accompanying an authenticate request.
type AuthCtrl uint8

const (
	// CtrlCheckOnly asks whether keyHandle is valid for the given
	// application, without producing a signature.
	CtrlCheckOnly AuthCtrl = 0x07
	// CtrlEnforeUserPresenceAndSign requires a fresh touch before signing.
	CtrlEnforeUserPresenceAndSign AuthCtrl = 0x03
	// CtrlDontEnforeUserPresenceAndSign signs without requiring a touch.
	CtrlDontEnforeUserPresenceAndSign AuthCtrl = 0x08
)

// AuthenticatorRequest is a decoded U2F raw message.
type AuthenticatorRequest struct {
	Command uint8
	Param1  uint8
	Param2  uint8
	Data    []byte

	Register     *RegisterRequest
	Authenticate *AuthenticateRequest
}

// RegisterRequest is CmdRegister's payload.
type RegisterRequest struct {
	ChallengeParam   [32]byte
	ApplicationParam [32]byte
}

// AuthenticateRequest is CmdAuthenticate's payload.
type AuthenticateRequest struct {
	Ctrl             AuthCtrl
	ChallengeParam   [32]byte
	ApplicationParam [32]byte
	KeyHandle        []byte
}

// DecodeAuthenticatorRequest parses a raw U2F message, the body of a
// CTAPHID_MSG frame after CTAPHID framing has been stripped away: a
// 1-byte CLA (ignored, always 0), 1-byte INS (Command), 2 control bytes
// (Param1/Param2), a 3-byte big-endian length, and that many bytes of
// request data.
func DecodeAuthenticatorRequest(raw []byte) (*AuthenticatorRequest, error) {
	if len(raw) < 7 {
		return nil, fmt.Errorf("u2fhid: authenticator request too short: %d bytes", len(raw))
	}

	size := (int(raw[4]) << 16) | (int(raw[5]) << 8) | int(raw[6])
	if len(raw) < 7+size {
		return nil, fmt.Errorf("u2fhid: request declares %d bytes of data, only %d available", size, len(raw)-7)
	}

	req := &AuthenticatorRequest{
		Command: raw[1],
		Param1:  raw[2],
		Param2:  raw[3],
		Data:    raw[7 : 7+size],
	}

	switch req.Command {
	case CmdRegister:
		var reg RegisterRequest
		if len(req.Data) < len(reg.ChallengeParam)+len(reg.ApplicationParam) {
			return nil, fmt.Errorf("u2fhid: register request too small: %d bytes", len(req.Data))
		}
		copy(reg.ChallengeParam[:], req.Data[:32])
		copy(reg.ApplicationParam[:], req.Data[32:64])
		req.Register = &reg

	case CmdAuthenticate:
		var auth AuthenticateRequest
		if len(req.Data) < len(auth.ChallengeParam)+len(auth.ApplicationParam)+1 {
			return nil, fmt.Errorf("u2fhid: authenticate request too small: %d bytes", len(req.Data))
		}
		auth.Ctrl = AuthCtrl(req.Param1)
		switch auth.Ctrl {
		case CtrlCheckOnly, CtrlEnforeUserPresenceAndSign, CtrlDontEnforeUserPresenceAndSign:
		default:
			return nil, fmt.Errorf("u2fhid: unknown ctrl byte: 0x%02x", auth.Ctrl)
		}

		data := req.Data
		copy(auth.ChallengeParam[:], data[:32])
		data = data[32:]
		copy(auth.ApplicationParam[:], data[:32])
		data = data[32:]

		khLen := data[0]
		data = data[1:]
		if len(data) < int(khLen) {
			return nil, fmt.Errorf("u2fhid: key handle length %d exceeds remaining %d bytes", khLen, len(data))
		}
		auth.KeyHandle = data[:khLen]
		req.Authenticate = &auth
	}

	return req, nil
}
