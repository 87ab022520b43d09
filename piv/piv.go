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

// Package piv is a client for the PIV applet on smart cards. It drives card
// administration, on-card key generation, and certificate issuance over
// PC/SC, never extracting private key material from the card.
package piv

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

var (
	// DefaultPIN for the PIV applet. Slots can optionally require the PIN to
	// perform signing operations.
	DefaultPIN = "123456"
	// DefaultPUK for the PIV applet. The PUK is only used to reset the PIN
	// when the card's PIN retries have been exhausted.
	DefaultPUK = "12345678"
)

const (
	insVerify             = 0x20
	insChangeReference    = 0x24
	insResetRetry         = 0x2c
	insGenerateAsymmetric = 0x47
	insAuthenticate       = 0x87
	insGetData            = 0xcb
	insPutData            = 0xdb
	insSelectApplication  = 0xa4
	insGetResponseAPDU    = 0xc0

	// https://github.com/Yubico/yubico-piv-tool/blob/yubico-piv-tool-1.7.0/lib/ykpiv.h#L656
	insSetMGMKey     = 0xff
	insImportKey     = 0xfe
	insGetVersion    = 0xfd
	insReset         = 0xfb
	insSetPINRetries = 0xfa
	insAttest        = 0xf9
	insGetSerial     = 0xf8
	insGetMetadata   = 0xf7
)

var (
	// Smartcard Application IDs.
	//
	// https://github.com/Yubico/yubico-piv-tool/blob/yubico-piv-tool-1.7.0/lib/ykpiv.c#L1877
	// https://github.com/Yubico/yubico-piv-tool/blob/yubico-piv-tool-1.7.0/lib/ykpiv.c#L108-L110

	aidManagement = [...]byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x47, 0x11, 0x17}
	aidPIV        = [...]byte{0xa0, 0x00, 0x00, 0x03, 0x08}
	aidYubiKey    = [...]byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x20, 0x01, 0x01}
)

// Version is the PIV applet firmware version reported by the card.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Card is an open session with the PIV applet on a smart card.
//
// A Card tracks which authentications have succeeded during the session. The
// card itself forgets its security status whenever the applet is re-selected,
// which happens once per operation, so verified credentials are retained and
// replayed inside the transaction of each operation that declares them as a
// precondition.
//
// A Card is not safe for concurrent use.
type Card struct {
	ctx SCContext
	h   SCHandle

	rand io.Reader

	version Version

	// Session authorization state. pin is only meaningful while pinVerified
	// is set, mgmt is nil until a management key authentication succeeds.
	pin         string
	pinVerified bool
	mgmt        *ManagementKey
}

// Cards lists all smart card readers available via the PC/SC interface.
// Reader names are strings describing the attached device, such as
// "Yubico Yubikey NEO OTP+U2F+CCID 00 00".
//
// Reader names depend on the operating system and what port a card is
// plugged into. To uniquely identify a card, use its serial number.
//
// See: https://ludovicrousseau.blogspot.com/2010/05/what-is-in-pcsc-reader-name.html
func Cards() ([]string, error) {
	var c Client
	return c.Cards()
}

// Open connects to the card in the named reader.
func Open(reader string) (*Card, error) {
	var c Client
	return c.Open(reader)
}

// Client configures the top level Open() and Cards() APIs.
type Client struct {
	// Rand is a cryptographic source of randomness used for card challenges
	// and generated secrets.
	//
	// If nil, defaults to crypto/rand.Reader.
	Rand io.Reader

	// Trace receives transport hooks for every exchange with the card over
	// the platform PC/SC stack.
	Trace *ClientTrace

	// SC connects to the smart card daemon. If nil, the platform PC/SC
	// stack is used. A non-nil constructor owns its transport entirely,
	// including any tracing.
	SC SCConstructor
}

func (c *Client) context() (SCContext, error) {
	if c.SC != nil {
		return c.SC.NewSCContext()
	}
	ctx, err := newSCContext()
	if err != nil {
		return nil, err
	}
	ctx.trace = c.Trace
	return ctx, nil
}

// Cards lists all smart card readers available via the PC/SC interface.
func (c *Client) Cards() ([]string, error) {
	ctx, err := c.context()
	if err != nil {
		return nil, fmt.Errorf("connecting to pcsc: %w", err)
	}
	defer ctx.Close()
	return ctx.ListReaders()
}

// Open connects to the card in the named reader.
func (c *Client) Open(reader string) (*Card, error) {
	ctx, err := c.context()
	if err != nil {
		return nil, fmt.Errorf("connecting to smart card daemon: %w", err)
	}

	h, err := ctx.Connect(reader)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("connecting to smart card: %w", err)
	}
	card := &Card{ctx: ctx, h: h}
	tx, err := card.begin()
	if err != nil {
		card.Close()
		return nil, fmt.Errorf("initializing card: %w", err)
	}
	v, err := getVersion(tx)
	tx.Close()
	if err != nil {
		card.Close()
		return nil, fmt.Errorf("getting card version: %w", err)
	}
	card.version = v
	if c.Rand != nil {
		card.rand = c.Rand
	} else {
		card.rand = rand.Reader
	}
	return card, nil
}

// Close releases the connection to the smart card.
func (c *Card) Close() error {
	err1 := c.h.Close()
	var err2 error
	if c.ctx != nil {
		err2 = c.ctx.Close()
	}
	if err1 == nil {
		return err2
	}
	return err1
}

// begin starts a transaction and selects the PIV applet, the prelude every
// operation runs through.
func (c *Card) begin() (SCTx, error) {
	tx, err := c.h.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning smart card transaction: %w", err)
	}
	if err := selectApplication(tx, aidPIV[:]); err != nil {
		tx.Close()
		return nil, fmt.Errorf("selecting piv applet: %w", err)
	}
	return tx, nil
}

// Version returns the firmware version of the card's PIV applet.
func (c *Card) Version() Version {
	return c.version
}

// Serial returns the card's serial number.
func (c *Card) Serial() (uint32, error) {
	tx, err := c.begin()
	if err != nil {
		return 0, err
	}
	defer tx.Close()
	return getSerial(tx, c.version)
}

func encodePIN(pin string) ([]byte, error) {
	data := []byte(pin)
	if len(data) == 0 {
		return nil, fmt.Errorf("pin cannot be empty")
	}
	if len(data) > 8 {
		return nil, fmt.Errorf("pin longer than 8 bytes")
	}
	// apply padding
	for i := len(data); i < 8; i++ {
		data = append(data, 0xff)
	}
	return data, nil
}

// VerifyPIN attempts to authenticate against the card with the provided PIN.
// On success the session counts as PIN-verified for operations that require
// it, until the Card is closed.
//
// After a specific number of authentication attempts with an invalid PIN,
// usually 3, the PIN will become blocked and refuse further attempts. At
// that point the PUK must be used to unblock the PIN.
//
// Use DefaultPIN if the PIN hasn't been set.
func (c *Card) VerifyPIN(pin string) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := login(tx, pin); err != nil {
		return err
	}
	c.pin = pin
	c.pinVerified = true
	return nil
}

func login(tx SCTx, pin string) error {
	data, err := encodePIN(pin)
	if err != nil {
		return err
	}
	cmd := apdu{instruction: insVerify, param2: 0x80, data: data}
	if _, err := tx.Transmit(cmd); err != nil {
		return fmt.Errorf("verify pin: %w", err)
	}
	return nil
}

// Retries returns the number of attempts remaining to enter the correct PIN.
// The probe does not consume an attempt.
func (c *Card) Retries() (int, error) {
	tx, err := c.begin()
	if err != nil {
		return 0, err
	}
	defer tx.Close()
	return pinRetries(tx)
}

func pinRetries(tx SCTx) (int, error) {
	cmd := apdu{instruction: insVerify, param2: 0x80}
	_, err := tx.Transmit(cmd)
	if err == nil {
		return 0, fmt.Errorf("expected error code from empty pin")
	}
	var e AuthErr
	if errors.As(err, &e) {
		return e.Retries, nil
	}
	return 0, fmt.Errorf("invalid response: %w", err)
}

// ChangePIN updates the PIN to a new value. For compatibility, PINs should
// be 1-8 numeric characters.
//
// To generate a new PIN, use the crypto/rand package.
//
//	// Generate a 6 character PIN.
//	newPINInt, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
//	if err != nil {
//		// ...
//	}
//	// Format with leading zeros.
//	newPIN := fmt.Sprintf("%06d", newPINInt)
//	if err := c.ChangePIN(piv.DefaultPIN, newPIN); err != nil {
//		// ...
//	}
func (c *Card) ChangePIN(oldPIN, newPIN string) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := changePIN(tx, oldPIN, newPIN); err != nil {
		return err
	}
	if c.pinVerified {
		c.pin = newPIN
	}
	return nil
}

func changePIN(tx SCTx, oldPIN, newPIN string) error {
	oldPINData, err := encodePIN(oldPIN)
	if err != nil {
		return fmt.Errorf("encoding old pin: %w", err)
	}
	newPINData, err := encodePIN(newPIN)
	if err != nil {
		return fmt.Errorf("encoding new pin: %w", err)
	}
	cmd := apdu{
		instruction: insChangeReference,
		param2:      0x80,
		data:        append(oldPINData, newPINData...),
	}
	_, err = tx.Transmit(cmd)
	return err
}

// ChangePUK updates the PUK to a new value. For compatibility, PUKs should
// be 1-8 numeric characters.
//
// To generate a new PUK, use the crypto/rand package.
//
//	// Generate a 8 character PUK.
//	newPUKInt, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
//	if err != nil {
//		// ...
//	}
//	// Format with leading zeros.
//	newPUK := fmt.Sprintf("%08d", newPUKInt)
//	if err := c.ChangePUK(piv.DefaultPUK, newPUK); err != nil {
//		// ...
//	}
func (c *Card) ChangePUK(oldPUK, newPUK string) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	return changePUK(tx, oldPUK, newPUK)
}

func changePUK(tx SCTx, oldPUK, newPUK string) error {
	oldPUKData, err := encodePIN(oldPUK)
	if err != nil {
		return fmt.Errorf("encoding old puk: %w", err)
	}
	newPUKData, err := encodePIN(newPUK)
	if err != nil {
		return fmt.Errorf("encoding new puk: %w", err)
	}
	cmd := apdu{
		instruction: insChangeReference,
		param2:      0x81,
		data:        append(oldPUKData, newPUKData...),
	}
	_, err = tx.Transmit(cmd)
	return err
}

// UnblockPIN unblocks the PIN with the PUK, setting it to a new value.
//
// A wrong PUK decrements the PUK's own retry counter. Exhausting it blocks
// the PUK permanently, after which only a full Reset restores the card.
func (c *Card) UnblockPIN(puk, newPIN string) error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	return unblockPIN(tx, puk, newPIN)
}

func unblockPIN(tx SCTx, puk, newPIN string) error {
	pukData, err := encodePIN(puk)
	if err != nil {
		return fmt.Errorf("encoding puk: %w", err)
	}
	newPINData, err := encodePIN(newPIN)
	if err != nil {
		return fmt.Errorf("encoding new pin: %w", err)
	}
	cmd := apdu{
		instruction: insResetRetry,
		param2:      0x80,
		data:        append(pukData, newPINData...),
	}
	_, err = tx.Transmit(cmd)
	return err
}

// SetPINRetries sets the number of attempts the card allows before blocking
// the PIN and the PUK. The command also resets the PIN and PUK to their
// default values, so the session's PIN verification is dropped.
//
// The session must be PIN-verified and management key authenticated.
func (c *Card) SetPINRetries(pinAttempts, pukAttempts int) error {
	if pinAttempts < 1 || pinAttempts > 255 || pukAttempts < 1 || pukAttempts > 255 {
		return fmt.Errorf("retry attempts must be between 1 and 255")
	}
	if c.mgmt == nil || !c.pinVerified {
		return fmt.Errorf("setting pin retries: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with management key: %w", err)
	}
	if err := login(tx, c.pin); err != nil {
		return err
	}
	cmd := apdu{
		instruction: insSetPINRetries,
		param1:      byte(pinAttempts),
		param2:      byte(pukAttempts),
	}
	if _, err := tx.Transmit(cmd); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	c.pin = ""
	c.pinVerified = false
	return nil
}

// Reset resets the PIV applet to its factory settings, wiping all slots
// and resetting the PIN, PUK, and management key to their default values.
// This does NOT affect data on other applets the card may run.
func (c *Card) Reset() error {
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := reset(tx, c.rand); err != nil {
		return err
	}
	c.pin = ""
	c.pinVerified = false
	c.mgmt = nil
	return nil
}

func reset(tx SCTx, r io.Reader) error {
	// Reset only works if both the PIN and PUK are blocked. Before resetting,
	// try the wrong PIN and PUK multiple times to block them.

	maxPIN := big.NewInt(100_000_000)
	pinInt, err := rand.Int(r, maxPIN)
	if err != nil {
		return fmt.Errorf("generating random pin: %w", err)
	}
	pukInt, err := rand.Int(r, maxPIN)
	if err != nil {
		return fmt.Errorf("generating random puk: %w", err)
	}

	pin := pinInt.String()
	puk := pukInt.String()

	for {
		err := login(tx, pin)
		if err == nil {
			// TODO: do we care about a 1/100million chance?
			return fmt.Errorf("expected error with random pin")
		}
		var e AuthErr
		if !errors.As(err, &e) {
			return fmt.Errorf("blocking pin: %w", err)
		}
		if e.Retries == 0 {
			break
		}
	}

	for {
		err := changePUK(tx, puk, puk)
		if err == nil {
			// TODO: do we care about a 1/100million chance?
			return fmt.Errorf("expected error with random puk")
		}
		var e AuthErr
		if !errors.As(err, &e) {
			return fmt.Errorf("blocking puk: %w", err)
		}
		if e.Retries == 0 {
			break
		}
	}

	cmd := apdu{instruction: insReset}
	if _, err := tx.Transmit(cmd); err != nil {
		return fmt.Errorf("resetting applet: %w", err)
	}
	return nil
}

func selectApplication(tx SCTx, id []byte) error {
	cmd := apdu{
		instruction: insSelectApplication,
		param1:      0x04,
		data:        id,
	}
	if _, err := tx.Transmit(cmd); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func getVersion(tx SCTx) (Version, error) {
	cmd := apdu{instruction: insGetVersion}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return Version{}, fmt.Errorf("command failed: %w", err)
	}
	if n := len(resp); n < 3 {
		return Version{}, fmt.Errorf("version response was too short: %d", n)
	}
	return Version{int(resp[0]), int(resp[1]), int(resp[2])}, nil
}

func getSerial(tx SCTx, v Version) (uint32, error) {
	cmd := apdu{instruction: insGetSerial}
	if v.Major < 5 {
		// Before firmware 5 the serial number had to be read from the vendor
		// applet. Newer firmware has this built into the PIV applet.
		if err := selectApplication(tx, aidYubiKey[:]); err != nil {
			return 0, fmt.Errorf("selecting vendor applet: %w", err)
		}
		defer selectApplication(tx, aidPIV[:])
		cmd = apdu{instruction: 0x01, param1: 0x10}
	}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return 0, fmt.Errorf("smart card command: %w", err)
	}
	if n := len(resp); n != 4 {
		return 0, fmt.Errorf("expected 4 byte serial number, got %d", n)
	}
	return binary.BigEndian.Uint32(resp), nil
}
