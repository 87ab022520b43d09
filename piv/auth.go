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
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/cardsmith/pivcard/tlv"
)

// ManagementKey is a card administration secret along with the cipher it
// belongs to. It protects key generation, certificate storage, and applet
// configuration.
type ManagementKey struct {
	Algorithm ManagementAlgorithm
	Key       []byte
}

// NewManagementKey reports an error unless key has the length alg requires.
func NewManagementKey(alg ManagementAlgorithm, key []byte) (ManagementKey, error) {
	size := alg.KeySize()
	if size == 0 {
		return ManagementKey{}, fmt.Errorf("%w: management key algorithm 0x%02x", ErrUnsupportedAlgorithm, byte(alg))
	}
	if len(key) != size {
		return ManagementKey{}, fmt.Errorf("%s management key must be %d bytes, got %d", alg, size, len(key))
	}
	return ManagementKey{Algorithm: alg, Key: key}, nil
}

// DefaultManagementKey returns the factory default management key for the
// given cipher, the bytes 0x01 through 0x08 repeated to the key length.
func DefaultManagementKey(alg ManagementAlgorithm) ManagementKey {
	key := make([]byte, alg.KeySize())
	for i := range key {
		key[i] = byte(i%8) + 1
	}
	return ManagementKey{Algorithm: alg, Key: key}
}

// GenerateManagementKey returns a new management key for the given cipher
// with key material drawn from r.
func GenerateManagementKey(alg ManagementAlgorithm, r io.Reader) (ManagementKey, error) {
	size := alg.KeySize()
	if size == 0 {
		return ManagementKey{}, fmt.Errorf("%w: management key algorithm 0x%02x", ErrUnsupportedAlgorithm, byte(alg))
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return ManagementKey{}, fmt.Errorf("reading rand data: %w", err)
	}
	return ManagementKey{Algorithm: alg, Key: key}, nil
}

// Mutual authentication steps through fixed states. Requesting the witness
// and answering the card's challenge only make sense in order, so each step
// checks the state the previous one left behind.
type handshakeState int

const (
	handshakeAwaitingWitness handshakeState = iota
	handshakeAwaitingProof
	handshakeAuthenticated
	handshakeFailed
)

// mgmtHandshake is one mutual authentication exchange with the card's
// management key. The caller proves it holds the key by decrypting the
// card's witness, and the card proves the same by encrypting the caller's
// challenge.
type mgmtHandshake struct {
	alg   ManagementAlgorithm
	block cipher.Block
	rand  io.Reader

	state handshakeState
	// Local encryption of our challenge, compared against the card's proof.
	expected []byte
}

func newMgmtHandshake(key ManagementKey, rand io.Reader) (*mgmtHandshake, error) {
	block, err := key.Algorithm.newCipher(key.Key)
	if err != nil {
		return nil, err
	}
	return &mgmtHandshake{alg: key.Algorithm, block: block, rand: rand}, nil
}

// witnessRequest asks the card for a witness encrypted with the management
// key.
func (h *mgmtHandshake) witnessRequest() apdu {
	return apdu{
		instruction: insAuthenticate,
		param1:      byte(h.alg),
		param2:      byte(SlotCardManagement),
		data: []byte{
			0x7c, // Dynamic Authentication Template
			0x02,
			0x80, // 'Witness'
			0x00, // Return encrypted random
		},
	}
}

// proveWitness decrypts the card's witness and builds the command that
// returns it in the clear together with a fresh challenge of our own.
func (h *mgmtHandshake) proveWitness(resp []byte) (apdu, error) {
	state := h.state
	// Any early return leaves the handshake dead.
	h.state = handshakeFailed
	if state != handshakeAwaitingWitness {
		return apdu{}, fmt.Errorf("auth handshake is not awaiting a witness")
	}

	tmpl, err := tlv.Get(resp, 0x7c)
	if err != nil {
		return apdu{}, fmt.Errorf("parsing auth template: %w", err)
	}
	witness, err := tlv.Get(tmpl, 0x80)
	if err != nil {
		return apdu{}, fmt.Errorf("parsing witness: %w", err)
	}
	blockSize := h.alg.blockSize()
	if len(witness) != blockSize {
		return apdu{}, fmt.Errorf("witness is %d bytes, expected %d", len(witness), blockSize)
	}
	decrypted := make([]byte, blockSize)
	h.block.Decrypt(decrypted, witness)

	challenge := make([]byte, blockSize)
	if _, err := io.ReadFull(h.rand, challenge); err != nil {
		return apdu{}, fmt.Errorf("reading rand data: %w", err)
	}
	h.expected = make([]byte, blockSize)
	h.block.Encrypt(h.expected, challenge)

	data := tlv.Put(nil, 0x80, decrypted) // 'Witness'
	data = tlv.Put(data, 0x81, challenge) // 'Challenge'

	h.state = handshakeAwaitingProof
	return apdu{
		instruction: insAuthenticate,
		param1:      byte(h.alg),
		param2:      byte(SlotCardManagement),
		data:        tlv.Put(nil, 0x7c, data),
	}, nil
}

// verifyProof checks that the card encrypted our challenge with the
// management key.
func (h *mgmtHandshake) verifyProof(resp []byte) error {
	state := h.state
	h.state = handshakeFailed
	if state != handshakeAwaitingProof {
		return fmt.Errorf("auth handshake is not awaiting a proof")
	}

	tmpl, err := tlv.Get(resp, 0x7c)
	if err != nil {
		return fmt.Errorf("parsing auth template: %w", err)
	}
	proof, err := tlv.Get(tmpl, 0x82)
	if err != nil {
		return fmt.Errorf("parsing challenge response: %w", err)
	}
	if !bytes.Equal(proof, h.expected) {
		return ErrAuthenticationFailed
	}
	h.state = handshakeAuthenticated
	return nil
}

// authenticate performs mutual authentication with the card's management
// key within the current transaction.
func authenticate(tx SCTx, key ManagementKey, rand io.Reader) error {
	hs, err := newMgmtHandshake(key, rand)
	if err != nil {
		return err
	}
	resp, err := tx.Transmit(hs.witnessRequest())
	if err != nil {
		return fmt.Errorf("requesting auth witness: %w", err)
	}
	cmd, err := hs.proveWitness(resp)
	if err != nil {
		return err
	}
	resp, err = tx.Transmit(cmd)
	if err != nil {
		// The card rejects the proof step when the decrypted witness is
		// wrong, meaning it holds a different key than the caller.
		var ae AuthErr
		if errors.Is(err, ErrNotAuthenticated) || errors.As(err, &ae) {
			return ErrAuthenticationFailed
		}
		return fmt.Errorf("answering auth challenge: %w", err)
	}
	return hs.verifyProof(resp)
}

// negotiateManagementKey asks the card which cipher its management key
// slot holds and retags key accordingly. Firmware without metadata support
// can't be asked, so there the caller's tag is trusted as-is.
func negotiateManagementKey(tx SCTx, key ManagementKey) (ManagementKey, error) {
	info, err := keyInfo(tx, SlotCardManagement)
	switch {
	case errors.Is(err, ErrNotSupported):
		return key, nil
	case err != nil:
		return ManagementKey{}, fmt.Errorf("reading management key metadata: %w", err)
	}
	alg := info.ManagementAlgorithm
	if alg == key.Algorithm {
		return key, nil
	}
	if alg.KeySize() != len(key.Key) {
		return ManagementKey{}, fmt.Errorf("%w: card holds a %s management key, have %d key bytes", ErrUnsupportedAlgorithm, alg, len(key.Key))
	}
	return ManagementKey{Algorithm: alg, Key: key.Key}, nil
}

// Authenticate proves to the card that the caller holds the management key,
// and to the caller that the card does. On success the session counts as
// management key authenticated until the Card is closed.
//
// The key's cipher is negotiated with the card when its firmware reports
// slot metadata, so a caller holding the right key bytes under the wrong
// tag still authenticates.
//
// Use DefaultManagementKey if the management key hasn't been set.
func (c *Card) Authenticate(key ManagementKey) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	negotiated, err := negotiateManagementKey(tx, key)
	if err != nil {
		return err
	}
	if err := authenticate(tx, negotiated, c.rand); err != nil {
		return err
	}
	c.mgmt = &negotiated
	return nil
}

// SetManagementKey replaces the management key. If touch is true, the card
// additionally requires a physical touch for future authentications with
// the key.
//
// The session must be management key authenticated, see Authenticate.
//
//	if err := c.Authenticate(piv.DefaultManagementKey(piv.Algorithm3DES)); err != nil {
//		// ...
//	}
//	key, err := piv.GenerateManagementKey(piv.AlgorithmAES192, rand.Reader)
//	if err != nil {
//		// ...
//	}
//	if err := c.SetManagementKey(key, false); err != nil {
//		// ...
//	}
func (c *Card) SetManagementKey(key ManagementKey, touch bool) error {
	if c.mgmt == nil {
		return fmt.Errorf("setting management key: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with current key: %w", err)
	}
	if err := setManagementKey(tx, key, touch); err != nil {
		return err
	}
	c.mgmt = &key
	return nil
}

func setManagementKey(tx SCTx, key ManagementKey, touch bool) error {
	if size := key.Algorithm.KeySize(); size == 0 || len(key.Key) != size {
		return fmt.Errorf("invalid %s management key length: %d bytes", key.Algorithm, len(key.Key))
	}
	param2 := byte(0xff)
	if touch {
		param2 = 0xfe
	}
	cmd := apdu{
		instruction: insSetMGMKey,
		param1:      0xff,
		param2:      param2,
		data: append([]byte{
			byte(key.Algorithm), byte(SlotCardManagement), byte(len(key.Key)),
		}, key.Key...),
	}
	if _, err := tx.Transmit(cmd); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
