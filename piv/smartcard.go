package piv

import (
	"fmt"
)

// Smartcard is a raw channel to a card in a named reader. It holds the card
// under an exclusive transaction for its lifetime but performs no applet
// selection and no command framing, leaving the caller to build every APDU
// itself. It exists for card features this package doesn't model, such as
// other applets or vendor commands.
type Smartcard struct {
	ctx *scContext
	h   *scHandle
	tx  *scTx
}

// OpenSmartcard connects to the card in the named reader and begins a
// transaction. The card is locked to this handle until Close.
func OpenSmartcard(reader string) (*Smartcard, error) {
	ctx, err := newSCContext()
	if err != nil {
		return nil, fmt.Errorf("connecting to smart card daemon: %w", err)
	}
	h, err := ctx.connect(reader)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("connecting to smart card: %w", err)
	}
	tx, err := h.begin()
	if err != nil {
		h.Close()
		ctx.Close()
		return nil, fmt.Errorf("beginning smart card transaction: %w", err)
	}
	return &Smartcard{ctx: ctx, h: h, tx: tx}, nil
}

// Transmit sends a single framed command and returns the response payload
// with the status word stripped. A status other than success is returned as
// a *CardError. Responses that signal more data with a 61xx status are not
// drained, the caller issues GET RESPONSE itself.
func (sc *Smartcard) Transmit(raw []byte) ([]byte, error) {
	_, resp, err := sc.tx.transmit(raw)
	if err != nil {
		return nil, fmt.Errorf("transmitting apdu: %w", err)
	}
	return resp, nil
}

// Close ends the transaction and releases the card, reporting the first
// error hit on the way out.
func (sc *Smartcard) Close() error {
	var first error
	if sc.tx != nil {
		if err := sc.tx.Close(); err != nil {
			first = err
		}
	}
	if sc.h != nil {
		if err := sc.h.Close(); err != nil && first == nil {
			first = err
		}
	}
	if sc.ctx != nil {
		if err := sc.ctx.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
