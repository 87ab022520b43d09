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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cardsmith/pivcard/tlv"
)

// Key holds the options a new asymmetric key is generated with.
type Key struct {
	// Algorithm to use when generating the key.
	Algorithm Algorithm
	// PINPolicy for the key.
	PINPolicy PINPolicy
	// TouchPolicy for the key.
	TouchPolicy TouchPolicy
}

// GenerateKey generates an asymmetric key on the card, returning the key's
// public key. The private key never leaves the hardware.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) GenerateKey(slot Slot, key Key) (crypto.PublicKey, error) {
	if c.mgmt == nil {
		return nil, fmt.Errorf("generating key: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return nil, fmt.Errorf("authenticating with management key: %w", err)
	}
	return generateKey(tx, slot, key)
}

func generateKey(tx SCTx, slot Slot, key Key) (crypto.PublicKey, error) {
	switch key.Algorithm {
	case AlgorithmRSA1024, AlgorithmRSA2048, AlgorithmEC256, AlgorithmEC384:
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAlgorithm, byte(key.Algorithm))
	}
	tp, ok := touchPolicyMap[key.TouchPolicy]
	if !ok {
		return nil, fmt.Errorf("unsupported touch policy")
	}
	pp, ok := pinPolicyMap[key.PINPolicy]
	if !ok {
		return nil, fmt.Errorf("unsupported pin policy")
	}
	// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=95
	cmd := apdu{
		instruction: insGenerateAsymmetric,
		param2:      byte(slot),
		data: []byte{
			0xac,
			0x09, // length of remaining data
			tagAlgorithm, 0x01, byte(key.Algorithm),
			tagPINPolicy, 0x01, pp,
			tagTouchPolicy, 0x01, tp,
		},
	}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}
	wrapped, err := tlv.Get(resp, 0x7f49)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return decodePublic(wrapped, key.Algorithm)
}

// KeyInfo holds the metadata of a key slot, as reported by the card.
//
// Slot metadata requires firmware 5.3 or newer. Older firmware reports
// ErrNotSupported for any metadata query.
type KeyInfo struct {
	// Slot the queried key lives in.
	Slot Slot
	// Algorithm of the key, for asymmetric slots.
	Algorithm Algorithm
	// ManagementAlgorithm is the cipher of the management key slot.
	ManagementAlgorithm ManagementAlgorithm
	// PINPolicy and TouchPolicy the key was generated or imported with.
	PINPolicy   PINPolicy
	TouchPolicy TouchPolicy
	// Origin reports whether the key was generated on the card or imported.
	Origin Origin
	// Default reports whether the slot still holds its factory secret. Only
	// meaningful for the PIN, PUK, and management key slots.
	Default bool
	// Retries remaining before the slot blocks. Only meaningful for the PIN
	// and PUK slots.
	Retries int
	// PublicKey of the key. Nil for slots holding symmetric secrets, such as
	// the management key.
	PublicKey crypto.PublicKey
}

// KeyInfo returns the metadata of the key in the given slot.
//
// It fails with ErrNotFound if the slot holds no key and with
// ErrNotSupported if the card's firmware predates metadata support.
func (c *Card) KeyInfo(slot Slot) (KeyInfo, error) {
	tx, err := c.begin()
	if err != nil {
		return KeyInfo{}, err
	}
	defer tx.Close()
	return keyInfo(tx, slot)
}

func keyInfo(tx SCTx, slot Slot) (KeyInfo, error) {
	cmd := apdu{
		instruction: insGetMetadata,
		param2:      byte(slot),
	}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("command failed: %w", err)
	}
	return parseKeyInfo(slot, resp)
}

func parseKeyInfo(slot Slot, resp []byte) (KeyInfo, error) {
	fields, err := tlv.Decode(resp)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("parsing key metadata: %w", err)
	}
	info := KeyInfo{Slot: slot}
	if v, ok := tlv.Value(fields, "01"); ok {
		if len(v) != 1 {
			return KeyInfo{}, fmt.Errorf("unexpected algorithm field length: %d", len(v))
		}
		// The PIN and PUK slots report 0xff here, which maps to neither
		// field.
		switch b := v[0]; b {
		case byte(Algorithm3DES), byte(AlgorithmAES128), byte(AlgorithmAES192), byte(AlgorithmAES256):
			info.ManagementAlgorithm = ManagementAlgorithm(b)
		case byte(AlgorithmRSA1024), byte(AlgorithmRSA2048), byte(AlgorithmEC256), byte(AlgorithmEC384):
			info.Algorithm = Algorithm(b)
		}
	}
	if v, ok := tlv.Value(fields, "02"); ok {
		if len(v) != 2 {
			return KeyInfo{}, fmt.Errorf("unexpected policy field length: %d", len(v))
		}
		pp, ok := pinPolicyMapInv[v[0]]
		if !ok {
			return KeyInfo{}, fmt.Errorf("unsupported pin policy: 0x%02x", v[0])
		}
		tp, ok := touchPolicyMapInv[v[1]]
		if !ok {
			return KeyInfo{}, fmt.Errorf("unsupported touch policy: 0x%02x", v[1])
		}
		info.PINPolicy, info.TouchPolicy = pp, tp
	}
	if v, ok := tlv.Value(fields, "03"); ok {
		if len(v) != 1 {
			return KeyInfo{}, fmt.Errorf("unexpected origin field length: %d", len(v))
		}
		o, ok := originMapInv[v[0]]
		if !ok {
			return KeyInfo{}, fmt.Errorf("unsupported origin: 0x%02x", v[0])
		}
		info.Origin = o
	}
	if v, ok := tlv.Value(fields, "05"); ok {
		info.Default = len(v) > 0 && v[0] != 0
	}
	if v, ok := tlv.Value(fields, "06"); ok {
		if len(v) != 2 {
			return KeyInfo{}, fmt.Errorf("unexpected retries field length: %d", len(v))
		}
		info.Retries = int(v[1])
	}
	if v, ok := tlv.Value(fields, "04"); ok {
		if info.Algorithm == 0 {
			return KeyInfo{}, fmt.Errorf("public key reported without an algorithm")
		}
		pub, err := decodePublic(v, info.Algorithm)
		if err != nil {
			return KeyInfo{}, err
		}
		info.PublicKey = pub
	}
	return info, nil
}

// Keys returns the metadata of every asymmetric slot holding a key, in slot
// order: the four standard slots, the retired slots, then attestation.
//
// Keys requires metadata support and fails with ErrNotSupported on firmware
// older than 5.3.
func (c *Card) Keys() ([]KeyInfo, error) {
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	var keys []KeyInfo
	for _, slot := range allSlots {
		info, err := keyInfo(tx, slot)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading metadata of slot %s: %w", slot, err)
		}
		keys = append(keys, info)
	}
	return keys, nil
}

func decodePublic(b []byte, alg Algorithm) (crypto.PublicKey, error) {
	var curve elliptic.Curve
	switch alg {
	case AlgorithmRSA1024, AlgorithmRSA2048:
		pub, err := decodeRSAPublic(b)
		if err != nil {
			return nil, fmt.Errorf("decoding rsa public key: %w", err)
		}
		return pub, nil
	case AlgorithmEC256:
		curve = elliptic.P256()
	case AlgorithmEC384:
		curve = elliptic.P384()
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAlgorithm, byte(alg))
	}
	pub, err := decodeECPublic(b, curve)
	if err != nil {
		return nil, fmt.Errorf("decoding ec public key: %w", err)
	}
	return pub, nil
}

func decodeECPublic(b []byte, curve elliptic.Curve) (*ecdsa.PublicKey, error) {
	p, err := tlv.Get(b, 0x86)
	if err != nil {
		return nil, fmt.Errorf("unmarshal points: %w", err)
	}
	size := curve.Params().BitSize / 8
	if len(p) != (size*2)+1 {
		return nil, fmt.Errorf("unexpected points length: %d", len(p))
	}
	// Are points uncompressed?
	if p[0] != 0x04 {
		return nil, fmt.Errorf("points were not uncompressed")
	}
	p = p[1:]
	var x, y big.Int
	x.SetBytes(p[:size])
	y.SetBytes(p[size:])
	if !curve.IsOnCurve(&x, &y) {
		return nil, fmt.Errorf("resulting points are not on curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: &x, Y: &y}, nil
}

func decodeRSAPublic(b []byte) (*rsa.PublicKey, error) {
	mod, err := tlv.Get(b, 0x81)
	if err != nil {
		return nil, fmt.Errorf("unmarshal modulus: %w", err)
	}
	exp, err := tlv.Get(b, 0x82)
	if err != nil {
		return nil, fmt.Errorf("unmarshal exponent: %w", err)
	}
	var n, e big.Int
	n.SetBytes(mod)
	e.SetBytes(exp)
	if !e.IsInt64() {
		return nil, fmt.Errorf("returned exponent too large: %s", e.String())
	}
	return &rsa.PublicKey{N: &n, E: int(e.Int64())}, nil
}

func rsaAlg(pub *rsa.PublicKey) (Algorithm, error) {
	size := pub.N.BitLen()
	switch size {
	case 1024:
		return AlgorithmRSA1024, nil
	case 2048:
		return AlgorithmRSA2048, nil
	default:
		return 0, fmt.Errorf("%w: rsa key size %d", ErrUnsupportedAlgorithm, size)
	}
}

// KeyAuth is used to authenticate against the card on each signing and
// decryption request.
type KeyAuth struct {
	// PIN, if non-empty, is the static PIN presented when the slot's PIN
	// policy requires one. If empty, the session's verified PIN is used
	// when available, and PINPrompt after that.
	PIN string
	// PINPrompt is called to request the PIN from the user.
	PINPrompt func() (pin string, err error)

	// PINPolicy of the slot. If unset, it is read from the key's metadata,
	// falling back to the attestation certificate on firmware without
	// metadata support.
	PINPolicy PINPolicy
}

func (k KeyAuth) do(c *Card, pp PINPolicy, f func(tx SCTx) ([]byte, error)) ([]byte, error) {
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	if pp == PINPolicyOnce || pp == PINPolicyAlways {
		pin := k.PIN
		if pin == "" && c.pinVerified {
			pin = c.pin
		}
		if pin == "" && k.PINPrompt != nil {
			p, err := k.PINPrompt()
			if err != nil {
				return nil, fmt.Errorf("pin prompt: %w", err)
			}
			pin = p
		}
		if pin == "" {
			return nil, fmt.Errorf("pin required but wasn't provided")
		}
		if err := login(tx, pin); err != nil {
			return nil, fmt.Errorf("verifying pin: %w", err)
		}
	}
	return f(tx)
}

// pinPolicy determines the PIN requirements of the key in slot, preferring
// the card's metadata over the attestation certificate.
func pinPolicy(c *Card, slot Slot) (PINPolicy, error) {
	info, err := c.KeyInfo(slot)
	switch {
	case err == nil:
		return info.PINPolicy, nil
	case errors.Is(err, ErrNotSupported):
	default:
		return 0, fmt.Errorf("reading key metadata: %w", err)
	}
	cert, err := c.Attest(slot)
	if err != nil {
		return 0, fmt.Errorf("reading attestation certificate: %w", err)
	}
	a, err := ParseAttestation(cert)
	if err != nil {
		return 0, fmt.Errorf("parsing attestation certificate: %w", err)
	}
	return a.PINPolicy, nil
}

// PrivateKey is used to access signing and decryption options for the key
// stored in the slot. The returned key implements crypto.Signer, and
// additionally crypto.Decrypter for RSA keys.
//
// When the slot's PIN policy requires a verification, the PIN is taken from
// auth, or from the session's earlier VerifyPIN when auth carries none.
func (c *Card) PrivateKey(slot Slot, public crypto.PublicKey, auth KeyAuth) (crypto.PrivateKey, error) {
	pp := auth.PINPolicy
	if pp == 0 {
		p, err := pinPolicy(c, slot)
		if err != nil {
			return nil, err
		}
		pp = p
	}
	switch pub := public.(type) {
	case *ecdsa.PublicKey:
		return &keyECDSA{c: c, slot: slot, pub: pub, auth: auth, pp: pp}, nil
	case *rsa.PublicKey:
		return &keyRSA{c: c, slot: slot, pub: pub, auth: auth, pp: pp}, nil
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", public)
	}
}

type keyECDSA struct {
	c    *Card
	slot Slot
	pub  *ecdsa.PublicKey
	auth KeyAuth
	pp   PINPolicy
}

func (k *keyECDSA) Public() crypto.PublicKey {
	return k.pub
}

func (k *keyECDSA) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.auth.do(k.c, k.pp, func(tx SCTx) ([]byte, error) {
		return signEC(tx, k.slot, k.pub, digest)
	})
}

type keyRSA struct {
	c    *Card
	slot Slot
	pub  *rsa.PublicKey
	auth KeyAuth
	pp   PINPolicy
}

func (k *keyRSA) Public() crypto.PublicKey {
	return k.pub
}

func (k *keyRSA) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.auth.do(k.c, k.pp, func(tx SCTx) ([]byte, error) {
		return signRSA(tx, k.slot, k.pub, digest, opts)
	})
}

func (k *keyRSA) Decrypt(rand io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	return k.auth.do(k.c, k.pp, func(tx SCTx) ([]byte, error) {
		return decryptRSA(tx, k.slot, k.pub, msg)
	})
}

// dynAuth runs one general authenticate round against the slot: the card
// applies the slot's private key to the challenge and returns the result.
func dynAuth(tx SCTx, slot Slot, alg Algorithm, challenge []byte) ([]byte, error) {
	data := tlv.Put(nil, 0x82, nil)       // 'Response'
	data = tlv.Put(data, 0x81, challenge) // 'Challenge'
	cmd := apdu{
		instruction: insAuthenticate,
		param1:      byte(alg),
		param2:      byte(slot),
		data:        tlv.Put(nil, 0x7c, data),
	}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}
	tmpl, err := tlv.Get(resp, 0x7c)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	result, err := tlv.Get(tmpl, 0x82)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response signature: %w", err)
	}
	return result, nil
}

func signEC(tx SCTx, slot Slot, pub *ecdsa.PublicKey, digest []byte) ([]byte, error) {
	var alg Algorithm
	size := pub.Params().BitSize / 8
	switch pub.Params().BitSize {
	case 256:
		alg = AlgorithmEC256
	case 384:
		alg = AlgorithmEC384
	default:
		return nil, fmt.Errorf("%w: curve size %d", ErrUnsupportedAlgorithm, pub.Params().BitSize)
	}
	// Same as the standard library, truncate digests that are too long.
	//
	// https://github.com/golang/go/blob/go1.13.5/src/crypto/ecdsa/ecdsa.go#L125
	if len(digest) > size {
		digest = digest[:size]
	}
	return dynAuth(tx, slot, alg, digest)
}

var hashPrefixes = map[crypto.Hash][]byte{
	crypto.MD5:       {0x30, 0x20, 0x30, 0x0c, 0x06, 0x08, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x02, 0x05, 0x05, 0x00, 0x04, 0x10},
	crypto.SHA1:      {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224:    {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256:    {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384:    {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512:    {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
	crypto.MD5SHA1:   {}, // A special TLS case which doesn't use an ASN1 prefix.
	crypto.RIPEMD160: {0x30, 0x20, 0x30, 0x08, 0x06, 0x06, 0x28, 0xcf, 0x06, 0x03, 0x00, 0x31, 0x04, 0x14},
}

func signRSA(tx SCTx, slot Slot, pub *rsa.PublicKey, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, fmt.Errorf("rsa-pss signatures not supported")
	}
	hash := opts.HashFunc()
	if hash.Size() != len(digest) {
		return nil, fmt.Errorf("input must be a hashed message")
	}
	alg, err := rsaAlg(pub)
	if err != nil {
		return nil, err
	}
	prefix, ok := hashPrefixes[hash]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm: crypto.Hash(%d)", hash)
	}

	// The card expects the full PKCS #1 v1.5 padded digest as its challenge.
	//
	// https://tools.ietf.org/pdf/rfc2313.pdf#page=9
	d := make([]byte, len(prefix)+len(digest))
	copy(d[:len(prefix)], prefix)
	copy(d[len(prefix):], digest)

	paddingLen := pub.Size() - 3 - len(d)
	if paddingLen < 0 {
		return nil, fmt.Errorf("message too large")
	}

	padding := make([]byte, paddingLen)
	for i := range padding {
		padding[i] = 0xff
	}

	var em []byte
	em = append(em, 0x00, 0x01)
	em = append(em, padding...)
	em = append(em, 0x00)
	em = append(em, d...)

	return dynAuth(tx, slot, alg, em)
}

func decryptRSA(tx SCTx, slot Slot, pub *rsa.PublicKey, data []byte) ([]byte, error) {
	alg, err := rsaAlg(pub)
	if err != nil {
		return nil, err
	}
	decrypted, err := dynAuth(tx, slot, alg, data)
	if err != nil {
		return nil, err
	}
	// The card returns the raw RSA result. Look for the NULL byte separating
	// the PKCS #1 v1.5 filler from the plain text.
	for i := 2; i+1 < len(decrypted); i++ {
		if decrypted[i] == 0x00 {
			return decrypted[i+1:], nil
		}
	}
	return nil, fmt.Errorf("invalid pkcs#1 v1.5 padding")
}
