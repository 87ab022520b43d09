package piv

// The interfaces here wrap the pcsc code. Protocol operations are written
// against them, so tests can run the full command layer over a simulated
// card without a reader attached.

// SCTx is a single smart card transaction.
type SCTx interface {
	// Close ends the transaction.
	Close() error
	// Transmit sends a command to the card, driving whatever chaining and
	// response continuation the exchange requires, and returns the response
	// payload stripped of its status word.
	Transmit(d apdu) ([]byte, error)
}

// SCHandle is an open connection to a smart card.
type SCHandle interface {
	// Begin starts a transaction, holding off other consumers of the card
	// until the returned SCTx is closed.
	Begin() (SCTx, error)
	Close() error
}

// SCContext is a connection to the smart card daemon.
type SCContext interface {
	Close() error
	Connect(reader string) (SCHandle, error)
	ListReaders() ([]string, error)
}

// SCConstructor builds the SCContext a Client talks through. The default
// constructor establishes a PC/SC daemon context; tests substitute one
// backed by a simulated card.
type SCConstructor interface {
	NewSCContext() (SCContext, error)
}

var (
	_ SCContext = (*scContext)(nil)
	_ SCHandle  = (*scHandle)(nil)
	_ SCTx      = (*scTx)(nil)
)
