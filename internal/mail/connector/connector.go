package connector

import (
	"context"
	"errors"
)

// Error classes for the transport layer. Connection errors abort the whole
// importer batch; configuration errors are fatal at startup.
var (
	ErrConnection    = errors.New("mailbox connection error")
	ErrConfiguration = errors.New("mailbox configuration error")
)

// Outcome tells the session what to do with a processed message.
type Outcome int

const (
	// OutcomeRetain leaves the message untouched for re-processing.
	OutcomeRetain Outcome = iota
	// OutcomeConsume deletes or marks the message per the importer's
	// retention policy.
	OutcomeConsume
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	if o == OutcomeConsume {
		return "consume"
	}
	return "retain"
}

// MessageRef identifies one message within an open session. ID is stable for
// the session's lifetime; SeqNum is transport-specific and only meaningful to
// the session that produced it.
type MessageRef struct {
	ID     string
	SeqNum int
}

// Session is one open mailbox connection. Messages are listed once, fetched
// by reference, and acknowledged individually; Close releases the connection
// and applies any deferred cleanup (IMAP expunge).
type Session interface {
	List(ctx context.Context) ([]MessageRef, error)
	Fetch(ctx context.Context, ref MessageRef) ([]byte, error)
	Ack(ctx context.Context, ref MessageRef, outcome Outcome) error
	Close(ctx context.Context) error
}
