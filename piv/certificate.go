// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package piv

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/cardsmith/pivcard/tlv"
)

// Certificate returns the certificate stored in the given slot.
//
// If the slot holds no certificate, the returned error wraps ErrNotFound.
func (c *Card) Certificate(slot Slot) (*x509.Certificate, error) {
	obj, ok := slot.Object()
	if !ok {
		return nil, fmt.Errorf("slot %s holds no certificate object", slot)
	}
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	data, err := getObject(tx, obj)
	if err != nil {
		return nil, fmt.Errorf("reading certificate object: %w", err)
	}
	return parseCertificateObject(data)
}

// ParseCertificate parses a DER encoded X.509 certificate, for callers
// holding certificate bytes that didn't come off a card. It checks nothing
// beyond the encoding and returns a parse error on malformed input.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, nil
}

// parseCertificateObject pulls the DER certificate out of a certificate
// data object. The object packs the raw DER next to a CertInfo byte, so the
// fields have to be scanned without recursing into their values.
func parseCertificateObject(data []byte) (*x509.Certificate, error) {
	certDER, err := tlv.Get(data, 0x70)
	if err != nil {
		return nil, fmt.Errorf("unmarshal certificate: %w", err)
	}
	if info, err := tlv.Get(data, 0x71); err == nil && len(info) > 0 && info[0]&0x01 != 0 {
		return nil, fmt.Errorf("compressed certificates are not supported")
	}
	return ParseCertificate(certDER)
}

// SetCertificate stores a certificate in the given slot, typically the
// certificate issued for the slot's own key pair.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) SetCertificate(slot Slot, cert *x509.Certificate) error {
	obj, ok := slot.Object()
	if !ok {
		return fmt.Errorf("slot %s holds no certificate object", slot)
	}
	if c.mgmt == nil {
		return fmt.Errorf("storing certificate: %w", ErrNotAuthenticated)
	}
	data := tlv.Put(nil, 0x70, cert.Raw)
	data = tlv.Put(data, 0x71, []byte{0x00}) // CertInfo, uncompressed
	data = tlv.Put(data, 0xfe, nil)          // error detection code
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with management key: %w", err)
	}
	return putObject(tx, obj, data)
}

// SelfSigned configures the certificate issued by
// GenerateSelfSignedCertificate.
type SelfSigned struct {
	// Subject of the certificate. A self-signed certificate's issuer is its
	// own subject.
	Subject pkix.Name
	// SerialNumber of the certificate. The number must encode to at most 20
	// DER bytes, counting the sign padding byte. If nil, a random 19 byte
	// serial is drawn.
	SerialNumber *big.Int
	// NotBefore and NotAfter bound the certificate's validity. NotAfter must
	// be set.
	NotBefore time.Time
	NotAfter  time.Time
	// Extensions, if set, is called with the certificate template before
	// signing and may amend it, for example with key usage flags or a PIV
	// name.
	Extensions func(*x509.Certificate) error
}

// GenerateSelfSignedCertificate issues a certificate for public, signs it
// with the private key held in the same slot, and stores the result in the
// slot's certificate object. public must be the public key returned when the
// slot's key was generated.
//
// The session must be management key authenticated. The slot's PIN policy
// may additionally require a verified PIN, see VerifyPIN.
func (c *Card) GenerateSelfSignedCertificate(slot Slot, public crypto.PublicKey, cfg SelfSigned) (*x509.Certificate, error) {
	if c.mgmt == nil {
		return nil, fmt.Errorf("generating certificate: %w", ErrNotAuthenticated)
	}
	if cfg.NotAfter.IsZero() {
		return nil, fmt.Errorf("certificate validity not set")
	}
	serial := cfg.SerialNumber
	if serial == nil {
		s, err := randomSerial(c.rand)
		if err != nil {
			return nil, err
		}
		serial = s
	}
	if err := validateSerial(serial); err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      cfg.Subject,
		NotBefore:    cfg.NotBefore,
		NotAfter:     cfg.NotAfter,
	}
	if cfg.Extensions != nil {
		if err := cfg.Extensions(tmpl); err != nil {
			return nil, fmt.Errorf("applying extensions: %w", err)
		}
	}

	priv, err := c.PrivateKey(slot, public, KeyAuth{})
	if err != nil {
		return nil, err
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key in slot %s can't sign", slot)
	}
	der, err := x509.CreateCertificate(c.rand, tmpl, tmpl, public, signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed certificate: %w", err)
	}
	if err := c.SetCertificate(slot, cert); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	return cert, nil
}

// validateSerial checks the 20 byte DER limit RFC 5280 places on certificate
// serial numbers, counting the sign padding byte the encoder adds when the
// number's top bit is set.
func validateSerial(serial *big.Int) error {
	if serial.Sign() < 0 {
		return fmt.Errorf("serial number is negative")
	}
	n := len(serial.Bytes())
	if n == 0 {
		n = 1
	}
	if serial.BitLen() > 0 && serial.BitLen()%8 == 0 {
		n++
	}
	if n > 20 {
		return fmt.Errorf("serial number encodes to %d bytes, exceeding the 20 byte limit", n)
	}
	return nil
}

func randomSerial(r io.Reader) (*big.Int, error) {
	// 19 bytes always stays under the DER limit, even with sign padding.
	b := make([]byte, 19)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("reading rand data: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

// Attest returns a certificate for the key in the given slot, signed by the
// card's attestation key. The certificate proves the key was generated on
// this specific piece of hardware and never left it.
//
// The returned certificate chains to the attestation certificate, see
// AttestationCertificate.
func (c *Card) Attest(slot Slot) (*x509.Certificate, error) {
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	return attest(tx, slot)
}

func attest(tx SCTx, slot Slot) (*x509.Certificate, error) {
	cmd := apdu{
		instruction: insAttest,
		param1:      byte(slot),
	}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}
	cert, err := x509.ParseCertificate(resp)
	if err != nil {
		return nil, fmt.Errorf("parsing attestation certificate: %w", err)
	}
	return cert, nil
}

// AttestationCertificate returns the card's attestation certificate, the
// intermediate that signs every certificate returned by Attest.
func (c *Card) AttestationCertificate() (*x509.Certificate, error) {
	return c.Certificate(SlotAttestation)
}

// Attestation carries the device and policy facts an attestation
// certificate states about a key.
type Attestation struct {
	// Version of the card's firmware.
	Version Version
	// Serial of the card.
	Serial uint32
	// PINPolicy set on the attested key.
	PINPolicy PINPolicy
	// TouchPolicy set on the attested key.
	TouchPolicy TouchPolicy
}

var (
	extIDFirmwareVersion = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 41482, 3, 3})
	extIDSerialNumber    = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 41482, 3, 7})
	extIDKeyPolicy       = asn1.ObjectIdentifier([]int{1, 3, 6, 1, 4, 1, 41482, 3, 8})
)

// ParseAttestation extracts the device and policy facts from a certificate
// returned by Attest.
func ParseAttestation(cert *x509.Certificate) (*Attestation, error) {
	var a Attestation
	for _, ext := range cert.Extensions {
		if err := a.addExt(ext); err != nil {
			return nil, fmt.Errorf("parsing extension: %w", err)
		}
	}
	return &a, nil
}

func (a *Attestation) addExt(e pkix.Extension) error {
	switch {
	case e.Id.Equal(extIDFirmwareVersion):
		if len(e.Value) != 3 {
			return fmt.Errorf("expected 3 bytes for firmware version, got: %d", len(e.Value))
		}
		a.Version = Version{
			Major: int(e.Value[0]),
			Minor: int(e.Value[1]),
			Patch: int(e.Value[2]),
		}
	case e.Id.Equal(extIDSerialNumber):
		var serial int64
		if _, err := asn1.Unmarshal(e.Value, &serial); err != nil {
			return fmt.Errorf("parsing serial number: %v", err)
		}
		if serial < 0 {
			return fmt.Errorf("serial number was negative: %d", serial)
		}
		a.Serial = uint32(serial)
	case e.Id.Equal(extIDKeyPolicy):
		if len(e.Value) != 2 {
			return fmt.Errorf("expected 2 bytes from key policy, got: %d", len(e.Value))
		}
		pp, ok := pinPolicyMapInv[e.Value[0]]
		if !ok {
			return fmt.Errorf("unrecognized pin policy: 0x%02x", e.Value[0])
		}
		tp, ok := touchPolicyMapInv[e.Value[1]]
		if !ok {
			return fmt.Errorf("unrecognized touch policy: 0x%02x", e.Value[1])
		}
		a.PINPolicy, a.TouchPolicy = pp, tp
	}
	return nil
}
