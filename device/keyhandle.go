package device

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
)

// KeyHandleSize is the fixed size of a key handle: a 32-byte nonce
// followed by a 32-byte MAC.
const KeyHandleSize = 64

// touchTimeout bounds how long Register and Authenticate wait for a touch
// before giving up. A var rather than a const so tests can shrink it
// instead of blocking for real.
var touchTimeout = 10 * time.Second

// errNotTouched signals that no touch arrived before touchTimeout
// elapsed. It never escapes this package: a missing touch is not an
// error on the wire, it's an OK reply with the presence bit clear.
var errNotTouched = fmt.Errorf("device: not touched in time")

// errKeyHandleInvalid marks a key handle whose MAC doesn't match, or
// that wasn't issued for the given application parameter. CheckOnly and
// Authenticate report this as valid=false, never as an error.
var errKeyHandleInvalid = fmt.Errorf("device: key handle invalid for this application")

// KeyHandleCore implements the stateless per-relying-party key derivation
// and signing core. It holds no state across calls beyond the HAL and RNG it was built with:
// every key is rederived from the CDI, the application parameter, and the
// key handle's nonce, never stored.
type KeyHandleCore struct {
	hal HAL
	rng *RNG
}

// NewKeyHandleCore builds a core around hal, using a fresh RNG seeded from
// hal's CDI and TRNG for nonce generation.
func NewKeyHandleCore(hal HAL) *KeyHandleCore {
	return &KeyHandleCore{hal: hal, rng: NewRNG(hal)}
}

// derivePrivateScalar computes the per-(appParam,nonce) private key scalar
// k = BLAKE2s-256(key=CDI, msg=appParam||nonce).
func derivePrivateScalar(cdi [32]byte, appParam [32]byte, nonce [32]byte) ([]byte, error) {
	h, err := blake2s.New256(cdi[:])
	if err != nil {
		return nil, fmt.Errorf("device: blake2s keyed hash: %w", err)
	}
	h.Write(appParam[:])
	h.Write(nonce[:])
	sum := h.Sum(nil)
	return sum, nil
}

// keyHandleMAC computes MAC = BLAKE2s-256(key=CDI, msg=appParam||scalar),
// binding a key handle's nonce to both the relying party and the specific
// derived key.
func keyHandleMAC(cdi [32]byte, appParam [32]byte, scalar []byte) ([32]byte, error) {
	h, err := blake2s.New256(cdi[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("device: blake2s keyed hash: %w", err)
	}
	h.Write(appParam[:])
	h.Write(scalar)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// deriveAndVerify recomputes the private key scalar for keyHandle under
// appParam and checks its MAC in constant time. It's the single code path
// CheckOnly and Authenticate both go through, so a MAC mismatch is always
// handled the same way.
func (c *KeyHandleCore) deriveAndVerify(appParam [32]byte, keyHandle []byte) ([]byte, error) {
	if len(keyHandle) != KeyHandleSize {
		return nil, errKeyHandleInvalid
	}
	cdi := c.hal.CDI()
	var nonce [32]byte
	copy(nonce[:], keyHandle[:32])
	wantMAC := keyHandle[32:64]

	scalar, err := derivePrivateScalar(cdi, appParam, nonce)
	if err != nil {
		return nil, err
	}
	gotMAC, err := keyHandleMAC(cdi, appParam, scalar)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(gotMAC[:], wantMAC) != 1 {
		zero32(scalar)
		return nil, errKeyHandleInvalid
	}
	return scalar, nil
}

// waitTouched polls the HAL for a touch event until one lands or
// touchTimeout elapses, flashing the LED in the operation's color to
// signal "waiting for presence". Registration and authentication use
// different colors so the user can tell what they're approving.
func (c *KeyHandleCore) waitTouched(flash Color) error {
	const flashInterval = 250 * time.Millisecond

	c.hal.ClearTouch()
	defer c.hal.SetLED(ColorOff)

	c.hal.StartTimeout(touchTimeout)
	defer c.hal.StopTimeout()
	start := time.Now()
	for {
		if (time.Since(start)/flashInterval)%2 == 0 {
			c.hal.SetLED(flash)
		} else {
			c.hal.SetLED(ColorOff)
		}
		if c.hal.PollTouch() {
			return nil
		}
		if c.hal.TimedOut() {
			return errNotTouched
		}
	}
}

// Register derives a fresh key handle and P-256 keypair for appParam,
// waiting for a touch first. Without a touch before the timeout it
// returns userPresence=false with no key material and no error. On
// success it returns userPresence=true, the 64-byte X||Y public key,
// and the 64-byte key handle. The private scalar never leaves this
// function.
func (c *KeyHandleCore) Register(appParam [32]byte) (userPresence bool, pubKey, keyHandle []byte, err error) {
	if err := c.waitTouched(ColorBlue); err != nil {
		return false, nil, nil, nil
	}

	// Steady color while deriving the keypair.
	c.hal.SetLED(ColorBlue)
	defer c.hal.SetLED(ColorOff)

	cdi := c.hal.CDI()
	var nonce [32]byte
	if err := c.rng.Generate(nonce[:]); err != nil {
		return false, nil, nil, err
	}

	scalar, err := derivePrivateScalar(cdi, appParam, nonce)
	if err != nil {
		return false, nil, nil, err
	}
	defer zero32(scalar)

	priv, err := p256FromScalar(scalar)
	if err != nil {
		return false, nil, nil, fmt.Errorf("device: %w", err)
	}

	mac, err := keyHandleMAC(cdi, appParam, scalar)
	if err != nil {
		return false, nil, nil, err
	}

	kh := make([]byte, KeyHandleSize)
	copy(kh[:32], nonce[:])
	copy(kh[32:], mac[:])

	return true, p256PublicXY(&priv.PublicKey), kh, nil
}

// CheckOnly reports whether keyHandle was issued for appParam, without
// requiring a touch or producing a signature. An invalid key handle is a
// normal outcome here, not an error: it's reported OK with valid=false.
func (c *KeyHandleCore) CheckOnly(appParam [32]byte, keyHandle []byte) (valid bool) {
	scalar, err := c.deriveAndVerify(appParam, keyHandle)
	if err != nil {
		return false
	}
	zero32(scalar)
	return true
}

// Authenticate re-derives keyHandle's private key and, if enforcePresence
// is set, waits for a touch before signing. If keyHandle doesn't verify
// against appParam, that's reported as valid=false rather than an error,
// mirroring CheckOnly. If presence was
// required but no touch arrived in time, the handle is still reported
// valid but with userPresence=false and no signature. The signed digest is
// SHA-256(appParam || presenceByte || counter || challengeParam); counter
// is supplied by the caller, since the device itself keeps no state across
// calls; counter persistence is the host's responsibility. The returned
// signature is raw, fixed-size R||S; ASN.1 framing happens on the host
// side.
func (c *KeyHandleCore) Authenticate(appParam [32]byte, keyHandle []byte, enforcePresence bool, counter uint32, challengeParam [32]byte) (valid bool, userPresence bool, sig []byte, err error) {
	scalar, err := c.deriveAndVerify(appParam, keyHandle)
	if err != nil {
		return false, false, nil, nil
	}
	defer zero32(scalar)

	priv, err := p256FromScalar(scalar)
	if err != nil {
		return false, false, nil, fmt.Errorf("device: %w", err)
	}

	present := false
	if enforcePresence {
		if err := c.waitTouched(ColorGreen); err != nil {
			return true, false, nil, nil
		}
		present = true
	}

	// Steady color while signing.
	c.hal.SetLED(ColorGreen)
	defer c.hal.SetLED(ColorOff)

	var presenceByte byte
	if present {
		presenceByte = 0x01
	}
	var counterBytes [4]byte
	binary.BigEndian.PutUint32(counterBytes[:], counter)

	h := sha256.New()
	h.Write(appParam[:])
	h.Write([]byte{presenceByte})
	h.Write(counterBytes[:])
	h.Write(challengeParam[:])
	digest := h.Sum(nil)

	rawSig, err := p256SignRaw(priv, digest)
	if err != nil {
		return false, false, nil, fmt.Errorf("device: sign: %w", err)
	}
	return true, present, rawSig, nil
}

// zero32 overwrites a scalar's backing bytes so a deferred cleanup leaves
// no copy of a private key sitting in a stack frame longer than necessary.
func zero32(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
