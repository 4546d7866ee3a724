package device

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
)

// p256FromScalar recovers a *ecdsa.PrivateKey from a 32-byte big-endian
// scalar. It fails (with ~2⁻³² probability) when the scalar is zero or
// >= the curve order.
func p256FromScalar(scalar []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("device: scalar out of range")
	}
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	if priv.PublicKey.X.Sign() == 0 && priv.PublicKey.Y.Sign() == 0 {
		return nil, fmt.Errorf("device: scalar produced point at infinity")
	}
	return priv, nil
}

// p256PublicXY encodes a public key as the 64-byte X||Y pair the device
// wire carries; the host client is the one that prepends the 0x04
// uncompressed-point marker before handing the key to a browser.
func p256PublicXY(pub *ecdsa.PublicKey) []byte {
	raw := elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)
	return raw[1:] // drop the 0x04 marker
}

// p256SignRaw produces a raw, fixed-size R||S ECDSA signature over digest.
// The device never ASN.1-encodes its own signatures; the host client does
// that conversion after reading the raw bytes off the wire, so this stays
// a plain concatenation.
func p256SignRaw(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}
