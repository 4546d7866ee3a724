// Package proto defines the fido app's command and response vocabulary,
// shared verbatim by the device dispatcher (package device) and the host
// client (internal/tkey) so the two sides can never disagree about a code
// or a payload length.
package proto

import "github.com/tillitis/tkey-fido/frame"

type command struct {
	code     byte
	name     string
	cmdLen   frame.CmdLen
	endpoint frame.Endpoint
}

func (c command) Code() byte             { return c.code }
func (c command) CmdLen() frame.CmdLen   { return c.cmdLen }
func (c command) Endpoint() frame.Endpoint { return c.endpoint }
func (c command) String() string         { return c.name }

// Firmware-endpoint commands: bootstrapping a connection before the fido
// app is even loaded. Endpoint carries the firmware/app distinction
// explicitly, so both command families can share one frame ID space
// without colliding.
var (
	FirmwareNameVersionCmd = command{0x01, "cmdGetNameVersion", frame.CmdLen1, frame.DestFirmware}
	FirmwareNameVersionRsp = command{0x02, "rspGetNameVersion", frame.CmdLen32, frame.DestFirmware}

	GetUDICmd = command{0x03, "cmdGetUDI", frame.CmdLen1, frame.DestFirmware}
	GetUDIRsp = command{0x04, "rspGetUDI", frame.CmdLen32, frame.DestFirmware}

	LoadAppCmd = command{0x05, "cmdLoadApp", frame.CmdLen128, frame.DestFirmware}
	LoadAppRsp = command{0x06, "rspLoadApp", frame.CmdLen4, frame.DestFirmware}

	LoadAppDataCmd       = command{0x07, "cmdLoadAppData", frame.CmdLen128, frame.DestFirmware}
	LoadAppDataRsp       = command{0x08, "rspLoadAppData", frame.CmdLen4, frame.DestFirmware}
	LoadAppDataReadyRsp  = command{0x09, "rspLoadAppDataReady", frame.CmdLen128, frame.DestFirmware}
)

// App-endpoint commands: the fido app's own command vocabulary, once
// loaded and running.
var (
	GetNameVersionCmd = command{0x01, "cmdGetNameVersion", frame.CmdLen1, frame.DestApp}
	GetNameVersionRsp = command{0x02, "rspGetNameVersion", frame.CmdLen32, frame.DestApp}

	U2FRegisterCmd = command{0x03, "cmdU2FRegister", frame.CmdLen128, frame.DestApp}
	U2FRegisterRsp = command{0x04, "rspU2FRegister", frame.CmdLen128, frame.DestApp}

	U2FCheckOnlyCmd = command{0x05, "cmdU2FCheckOnly", frame.CmdLen128, frame.DestApp}
	U2FCheckOnlyRsp = command{0x06, "rspU2FCheckOnly", frame.CmdLen4, frame.DestApp}

	U2FAuthenticateSetCmd = command{0x07, "cmdU2FAuthenticateSet", frame.CmdLen128, frame.DestApp}
	U2FAuthenticateGoCmd  = command{0x08, "cmdU2FAuthenticateGo", frame.CmdLen128, frame.DestApp}
	U2FAuthenticateRsp    = command{0x09, "rspU2FAuthenticate", frame.CmdLen128, frame.DestApp}

	// UnknownCmdRsp is returned for any app command byte the dispatcher
	// doesn't recognize.
	UnknownCmdRsp = command{0xff, "rspUnknownCmd", frame.CmdLen1, frame.DestApp}
)

// Status codes: the first byte of every response payload.
const (
	StatusOK  byte = 0x00
	StatusBad byte = 0x01
)

// Sub-codes: the second payload byte when Status is StatusBad.
const (
	// SubcodeNoPendingSet flags a U2F_AUTHENTICATE_GO that arrived without
	// an immediately preceding U2F_AUTHENTICATE_SET.
	SubcodeNoPendingSet byte = 0x01
	// SubcodeKeypairDerivation flags a failed p256 scalar-to-keypair
	// recovery during registration (a ~2⁻³² chance per registration).
	SubcodeKeypairDerivation byte = 0x02
	// SubcodeSignFailed flags a failed ECDSA sign during authentication.
	SubcodeSignFailed byte = 0x03
	// SubcodeUnknown is used when an error doesn't map to a specific code.
	SubcodeUnknown byte = 0xff
)

const (
	// AppName0 / AppName1 / AppVersion are the device application's
	// identity. Changing any of them changes the CDI and invalidates
	// every previously issued key handle.
	AppName0   = "tk1 "
	AppName1   = "fido"
	AppVersion = uint32(1)
)
