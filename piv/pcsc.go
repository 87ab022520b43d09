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
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// AuthErr is an error indicating an authentication error occurred (wrong PIN,
// wrong PUK, or blocked).
type AuthErr struct {
	// Retries is the number of retries remaining if this error resulted from
	// a retriable authentication attempt. If the authentication method is
	// blocked or does not support retries, this will be 0.
	Retries int
}

func retries(n int) string {
	r := "retries"
	if n == 1 {
		r = "retry"
	}
	return fmt.Sprintf("verification failed (%d %s remaining)", n, r)
}

func (v AuthErr) Error() string {
	return retries(v.Retries)
}

// ErrNotFound is returned when the requested object on the smart card is not
// found, for example when reading a certificate slot that was never written.
var ErrNotFound = errors.New("data object or application not found")

// ErrNotSupported is returned when the card's firmware does not implement the
// requested command.
var ErrNotSupported = errors.New("command or instruction not supported")

// ErrNotAuthenticated is returned when an operation requires a PIN
// verification or management key authentication that the session hasn't
// performed.
var ErrNotAuthenticated = errors.New("security status not satisfied")

// ErrAuthenticationFailed is returned when the card fails the mutual
// challenge, indicating it doesn't hold the expected management key.
var ErrAuthenticationFailed = errors.New("card authentication failed")

// ErrUnsupportedAlgorithm is returned when the requested algorithm isn't
// implemented by this package or by the card's firmware.
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// CardError is an error returned by the PIV application on the smart card as
// a status word other than success. This error may wrap more accessible
// errors, like ErrNotFound or an instance of AuthErr, so callers are
// encouraged to use errors.Is and errors.As for these common cases.
type CardError struct {
	SW1 byte
	SW2 byte
}

// Status returns the Status Word returned by the card command.
func (a *CardError) Status() uint16 {
	return uint16(a.SW1)<<8 | uint16(a.SW2)
}

func (a *CardError) Error() string {
	var msg string
	if u := a.Unwrap(); u != nil {
		msg = u.Error()
	}

	if a.SW1 == 0x61 {
		msg = fmt.Sprintf("0x%02x bytes available", a.SW2)
	}

	if a.SW1 == 0x63 && a.SW2&0xf0 == 0xc0 {
		msg = retries(int(a.Status() & 0x0f))
	}

	switch a.Status() {
	case 0x6581:
		msg = "decryption failed"

	case 0x6700:
		msg = "wrong length (Lc and/or Le)"

	// 0x6300 is "verification failed", represented as AuthErr{0}
	// 0x63Cn is "verification failed" with retry, represented as AuthErr{n}
	case 0x6881:
		msg = "logical channel not supported"
	case 0x6882:
		msg = "secure messaging not supported"
	case 0x6883:
		msg = "last command of the chain expected"
	case 0x6884:
		msg = "command chaining not supported"

	case 0x6982:
		msg = "security status not satisfied"
	case 0x6983:
		// This will also be AuthErr{0} but we override the message here
		// so that it's clear that the reason is a block rather than a simple
		// failed authentication verification.
		msg = "authentication method blocked"
	case 0x6985:
		msg = "condition of use not satisfied"
	case 0x6a80:
		msg = "incorrect parameter in command data field"
	case 0x6a81:
		msg = "function not supported"
	// 0x6a82 is "data object or application not found" aka ErrNotFound
	case 0x6a84:
		msg = "not enough memory"
	case 0x6a86:
		msg = "incorrect parameter in P1 or P2"
	case 0x6a88:
		msg = "referenced data or reference data not found"
	case 0x6b00:
		msg = "wrong parameters P1-P2"
	case 0x6d00:
		msg = "instruction code (INS) not supported or invalid"
	case 0x6e00:
		msg = "class (CLA) not supported"
	case 0x6f00:
		msg = "no precise diagnosis"
	}

	if msg != "" {
		msg = ": " + msg
	}
	return fmt.Sprintf("smart card error %04x%s", a.Status(), msg)
}

// Unwrap retrieves an accessible error type, if able.
func (a *CardError) Unwrap() error {
	st := a.Status()
	switch {
	case st == 0x6a82:
		return ErrNotFound
	case st == 0x6a88:
		// Reported for metadata queries against slots with no key.
		return ErrNotFound
	case st == 0x6a81 || st == 0x6d00:
		return ErrNotSupported
	case st == 0x6982:
		return ErrNotAuthenticated
	case st == 0x6300:
		return AuthErr{0}
	case st == 0x6983:
		return AuthErr{0}
	case st&0xfff0 == 0x63c0:
		return AuthErr{int(st & 0xf)}
	case st&0xfff0 == 0x6300:
		// Older cards sometimes return sw1=0x63 and sw2=0x0N to indicate the
		// number of retries. This isn't spec compliant, but support it anyway.
		//
		// https://github.com/go-piv/piv-go/issues/60
		return AuthErr{int(st & 0xf)}
	}
	return nil
}

type apdu struct {
	instruction byte
	param1      byte
	param2      byte
	data        []byte
}

// transmitter is the raw exchange a transaction runs over. *scard.Card
// implements it.
type transmitter interface {
	Transmit(req []byte) ([]byte, error)
}

type scContext struct {
	ctx   *scard.Context
	trace *ClientTrace
}

func newSCContext() (*scContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing smart card context: %w", err)
	}
	return &scContext{ctx: ctx}, nil
}

func (c *scContext) Close() error {
	return c.ctx.Release()
}

func (c *scContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing readers: %w", err)
	}
	return readers, nil
}

// Connect connects to the reader with exclusive access. Commands from other
// processes are held off until the handle is closed.
func (c *scContext) Connect(reader string) (SCHandle, error) {
	return c.connect(reader)
}

func (c *scContext) connect(reader string) (*scHandle, error) {
	card, err := c.ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolT1)
	if err != nil {
		return nil, fmt.Errorf("connecting to reader %q: %w", reader, err)
	}
	return &scHandle{card: card, trace: c.trace}, nil
}

type scHandle struct {
	card  *scard.Card
	trace *ClientTrace
}

func (h *scHandle) Close() error {
	return h.card.Disconnect(scard.LeaveCard)
}

func (h *scHandle) Begin() (SCTx, error) {
	return h.begin()
}

func (h *scHandle) begin() (*scTx, error) {
	if err := h.card.BeginTransaction(); err != nil {
		return nil, fmt.Errorf("beginning smart card transaction: %w", err)
	}
	tx := &scTx{
		card:  h.card,
		trace: h.trace,
		end: func() error {
			return h.card.EndTransaction(scard.LeaveCard)
		},
	}
	return tx, nil
}

type scTx struct {
	card  transmitter
	trace *ClientTrace
	end   func() error
}

func (t *scTx) Close() error {
	if t.end == nil {
		return nil
	}
	return t.end()
}

// transmit sends a single framed request, splitting the trailing status word
// off the response. more reports a 61xx status, meaning further response
// bytes are waiting behind a GET RESPONSE.
func (t *scTx) transmit(req []byte) (more bool, b []byte, err error) {
	if tr := t.trace; tr != nil && tr.Transmit != nil {
		tr.Transmit(req)
	}
	resp, err := t.card.Transmit(req)
	if err != nil {
		return false, nil, fmt.Errorf("transmitting request: %w", err)
	}
	if len(resp) < 2 {
		return false, nil, fmt.Errorf("scard response too short: %d", len(resp))
	}
	sw1 := resp[len(resp)-2]
	sw2 := resp[len(resp)-1]
	payload := resp[:len(resp)-2]
	if tr := t.trace; tr != nil && tr.TransmitResult != nil {
		tr.TransmitResult(req, payload, len(resp), sw1, sw2)
	}
	if sw1 == 0x90 && sw2 == 0x00 {
		return false, payload, nil
	}
	if sw1 == 0x61 {
		return true, payload, nil
	}
	return false, nil, &CardError{sw1, sw2}
}

// Transmit sends a command to the card, emitting payloads over 255 bytes as
// a command chain and draining any 61xx response continuation.
func (t *scTx) Transmit(d apdu) ([]byte, error) {
	data := d.data
	var resp []byte
	const maxAPDUDataSize = 0xff
	for len(data) > maxAPDUDataSize {
		req := make([]byte, 5+maxAPDUDataSize)
		req[0] = 0x10 // ISO/IEC 7816-4 5.1.1
		req[1] = d.instruction
		req[2] = d.param1
		req[3] = d.param2
		req[4] = 0xff
		copy(req[5:], data[:maxAPDUDataSize])
		data = data[maxAPDUDataSize:]
		_, r, err := t.transmit(req)
		if err != nil {
			return nil, fmt.Errorf("transmitting initial chunk: %w", err)
		}
		resp = append(resp, r...)
	}

	req := make([]byte, 5+len(data))
	req[1] = d.instruction
	req[2] = d.param1
	req[3] = d.param2
	req[4] = byte(len(data))
	copy(req[5:], data)
	hasMore, r, err := t.transmit(req)
	if err != nil {
		return nil, err
	}
	resp = append(resp, r...)

	for hasMore {
		req := make([]byte, 5)
		req[1] = insGetResponseAPDU
		var r []byte
		hasMore, r, err = t.transmit(req)
		if err != nil {
			return nil, fmt.Errorf("reading further response: %w", err)
		}
		resp = append(resp, r...)
	}

	return resp, nil
}
