package u2fhid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Registration responses carry a batch attestation certificate and a
// signature made with its private key, so a relying party can tell it's
// talking to a genuine U2F token implementation rather than an
// unattested software stack. Reference U2F software tokens compile in a
// shared dummy certificate/key pair for this; rather than shipping a
// fixed one, an equivalent self-signed P-256 certificate is generated
// once per process. Either way the attestation proves nothing about the
// hardware and relying parties treat it accordingly.
var (
	attestationOnce sync.Once
	attestationKey  *ecdsa.PrivateKey
	attestationCert []byte
	attestationErr  error
)

// Attestation returns the process-lifetime attestation private key and
// its self-signed DER certificate, generating them on first use.
func Attestation() (*ecdsa.PrivateKey, []byte, error) {
	attestationOnce.Do(func() {
		attestationKey, attestationCert, attestationErr = generateAttestation()
	})
	return attestationKey, attestationCert, attestationErr
}

func generateAttestation() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("u2fhid: generate attestation key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("u2fhid: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"tkey-fido"},
			CommonName:   "tkey-fido U2F batch attestation",
		},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).AddDate(30, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("u2fhid: create attestation certificate: %w", err)
	}
	return key, der, nil
}
