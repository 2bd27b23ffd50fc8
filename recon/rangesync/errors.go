package rangesync

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-recon/recon/types"
)

var (
	// ErrUnknownTopic is returned by the initiator when the peer doesn't
	// reconcile the requested topic.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrTooManyRounds is returned when the session doesn't converge within
	// the configured number of rounds.
	ErrTooManyRounds = errors.New("too many rounds")
	// ErrUnexpectedMessage is returned when the peer violates the session
	// flow, e.g. closes the stream in the middle of a round.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// ProtocolError describes a malformed or out-of-order message concerning a
// single range. It aborts the reconciliation of that range only.
type ProtocolError struct {
	Range  types.Range
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in range %s: %s", e.Range, e.Reason)
}
