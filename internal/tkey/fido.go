package tkey

import (
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/tillitis/tkey-fido/frame"
	"github.com/tillitis/tkey-fido/proto"
)

// Fido talks to the fido app once it's running on top of an already
// connected Client.
type Fido struct {
	c *Client
}

// NewFido wraps c for talking to the fido app.
func NewFido(c *Client) Fido {
	return Fido{c: c}
}

// GetAppNameVersion identifies the running app the same way GetNameVersion
// identifies the firmware.
func (f Fido) GetAppNameVersion() (*NameVersion, error) {
	id := 2
	tx, err := frame.NewFrameBuf(proto.GetNameVersionCmd, id)
	if err != nil {
		return nil, err
	}
	if err := f.c.Write(tx); err != nil {
		return nil, err
	}

	if err := f.c.SetReadTimeout(2 * time.Second); err != nil {
		return nil, err
	}
	rx, _, err := f.c.ReadFrame(proto.GetNameVersionRsp, id)
	if err != nil {
		return nil, fmt.Errorf("tkey: GetAppNameVersion: %w", err)
	}
	if err := f.c.SetReadTimeout(0); err != nil {
		return nil, err
	}

	nameVer := &NameVersion{}
	nameVer.Unpack(rx[2:])
	return nameVer, nil
}

// U2FRegister asks the device to derive a fresh keypair for appParam. It
// returns whether the user was present, the 64-byte key handle, and the
// public key with the 0x04 uncompressed-point marker prepended.
func (f Fido) U2FRegister(appParam [32]byte) (userPresence bool, keyHandle [64]byte, pubKey []byte, err error) {
	id := 2
	tx, err := frame.NewFrameBuf(proto.U2FRegisterCmd, id)
	if err != nil {
		return false, keyHandle, nil, err
	}
	copy(tx[2:], appParam[:])
	if err := f.c.Write(tx); err != nil {
		return false, keyHandle, nil, err
	}

	rx, _, err := f.c.ReadFrame(proto.U2FRegisterRsp, id)
	if err != nil {
		return false, keyHandle, nil, fmt.Errorf("tkey: U2FRegister: %w", err)
	}
	body := rx[2:]
	status, body := shiftByte(body)
	if status != proto.StatusOK {
		return false, keyHandle, nil, fmt.Errorf("tkey: U2FRegister: device NOK")
	}
	presence, body := shiftByte(body)
	kh, _ := shiftBytes(body, 64)
	copy(keyHandle[:], kh)

	rx, _, err = f.c.ReadFrame(proto.U2FRegisterRsp, id)
	if err != nil {
		return false, keyHandle, nil, fmt.Errorf("tkey: U2FRegister (2nd frame): %w", err)
	}
	body = rx[2:]
	status, body = shiftByte(body)
	if status != proto.StatusOK {
		return false, keyHandle, nil, fmt.Errorf("tkey: U2FRegister (2nd frame): device NOK")
	}
	pubXY, _ := shiftBytes(body, 64)

	return presence != 0, keyHandle, append([]byte{0x04}, pubXY...), nil
}

// U2FCheckOnly reports whether keyHandle was issued for appParam, without
// requiring user presence.
func (f Fido) U2FCheckOnly(appParam [32]byte, keyHandle [64]byte) (bool, error) {
	id := 2
	tx, err := frame.NewFrameBuf(proto.U2FCheckOnlyCmd, id)
	if err != nil {
		return false, err
	}
	copy(tx[2:], appParam[:])
	copy(tx[2+32:], keyHandle[:])
	if err := f.c.Write(tx); err != nil {
		return false, err
	}

	rx, _, err := f.c.ReadFrame(proto.U2FCheckOnlyRsp, id)
	if err != nil {
		return false, fmt.Errorf("tkey: U2FCheckOnly: %w", err)
	}
	body := rx[2:]
	status, body := shiftByte(body)
	if status != proto.StatusOK {
		return false, fmt.Errorf("tkey: U2FCheckOnly: device NOK")
	}
	valid, _ := shiftByte(body)
	return valid != 0, nil
}

// U2FAuthenticate signs an authentication challenge. checkUser selects
// whether the device must see a fresh touch before signing (the
// "enforce-user-presence" control, as opposed to a silent counter-only
// sign some U2F flows use to distinguish cloned tokens). It returns
// whether keyHandle was valid, whether the user was present, and an
// ASN.1 DER-encoded ECDSA signature. The device itself only ever
// produces raw R||S, so this is where that gets wrapped.
func (f Fido) U2FAuthenticate(appParam, challengeParam [32]byte, keyHandle [64]byte, checkUser bool, counter uint32) (valid bool, userPresence bool, sig []byte, err error) {
	if err := f.u2fAuthenticateSet(appParam, challengeParam); err != nil {
		return false, false, nil, err
	}

	id := 2
	tx, err := frame.NewFrameBuf(proto.U2FAuthenticateGoCmd, id)
	if err != nil {
		return false, false, nil, err
	}
	off := 2
	copy(tx[off:], keyHandle[:])
	off += 64
	if checkUser {
		tx[off] = 1
	} else {
		tx[off] = 0
	}
	off++
	putUint32BE(tx[off:], counter)

	if err := f.c.Write(tx); err != nil {
		return false, false, nil, err
	}

	rx, _, err := f.c.ReadFrame(proto.U2FAuthenticateRsp, id)
	if err != nil {
		return false, false, nil, fmt.Errorf("tkey: U2FAuthenticate: %w", err)
	}
	body := rx[2:]
	status, body := shiftByte(body)
	if status != proto.StatusOK {
		return false, false, nil, fmt.Errorf("tkey: U2FAuthenticate: device NOK")
	}
	keyHandleValid, body := shiftByte(body)
	presence, body := shiftByte(body)
	if keyHandleValid == 0 {
		return false, presence != 0, nil, nil
	}
	rawSig, _ := shiftBytes(body, 64)

	der, err := asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(rawSig[:32]),
		S: new(big.Int).SetBytes(rawSig[32:]),
	})
	if err != nil {
		return false, false, nil, fmt.Errorf("tkey: asn1.Marshal: %w", err)
	}

	return true, presence != 0, der, nil
}

func (f Fido) u2fAuthenticateSet(appParam, challengeParam [32]byte) error {
	id := 2
	tx, err := frame.NewFrameBuf(proto.U2FAuthenticateSetCmd, id)
	if err != nil {
		return err
	}
	copy(tx[2:], appParam[:])
	copy(tx[2+32:], challengeParam[:])
	if err := f.c.Write(tx); err != nil {
		return err
	}

	rx, _, err := f.c.ReadFrame(proto.U2FAuthenticateRsp, id)
	if err != nil {
		return fmt.Errorf("tkey: U2FAuthenticateSet: %w", err)
	}
	if rx[2] != proto.StatusOK {
		return fmt.Errorf("tkey: U2FAuthenticateSet: device NOK")
	}
	return nil
}

func shiftByte(s []byte) (byte, []byte) { return s[0], s[1:] }

func shiftBytes(s []byte, n int) ([]byte, []byte) { return s[:n], s[n:] }

func putUint32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
