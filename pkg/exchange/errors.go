package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors an Exchange operation can fail with. Callers should use
// errors.Is against these, since NetworkError/AbortedError/TimeoutError
// wrap an underlying cause with fmt.Errorf("...: %w", ...).
var (
	// ErrClosed is returned by any operation attempted on an exchange that
	// has already finished closing.
	ErrClosed = errors.New("exchange: closed")

	// ErrAborted is returned when an operation's abort.Token fired before
	// the operation completed. The token's cause is wrapped alongside it.
	ErrAborted = errors.New("exchange: aborted")

	// ErrTimeout is returned when a blocking wait (e.g. NextMessage) timed
	// out without the awaited condition occurring.
	ErrTimeout = errors.New("exchange: timed out")

	// ErrPeerUnresponsive is returned when a reliable message exhausted
	// MRPMaxTransmissions without being acknowledged.
	ErrPeerUnresponsive = errors.New("exchange: peer unresponsive")

	// ErrSessionClosed is returned when the exchange's underlying session
	// has been closed out from under it.
	ErrSessionClosed = errors.New("exchange: session closed")

	// ErrNetwork is returned when the channel failed to transmit a
	// message. The underlying transport error is wrapped alongside it.
	ErrNetwork = errors.New("exchange: network error")

	// ErrPayloadTooLarge is returned by Send when the payload exceeds the
	// channel's MaxPayloadSize; the exchange never silently fragments.
	ErrPayloadTooLarge = errors.New("exchange: payload exceeds channel MTU")

	// ErrNotFound is returned by Manager.OnPacket when a new responder
	// exchange is dropped because the unsolicited-exchange queue is full;
	// that exchange is closed with it as the cause.
	ErrNotFound = errors.New("exchange: not found")
)

// FlowError reports a violation of the exchange's protocol invariants: a
// second concurrent Send on the same exchange, a Send while a prior
// reliable message is still awaiting its ack, a message dispatched for
// the wrong protocol, or a peer replying without acknowledging (or
// misacknowledging) the exchange's pending send. It can be a caller bug
// or a peer misbehaving — either way the exchange cannot continue and is
// closed with this as the cause.
type FlowError struct {
	Op     string
	Reason string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("exchange: flow error in %s: %s", e.Op, e.Reason)
}

// newFlowError builds a FlowError for the named operation.
func newFlowError(op, reason string) error {
	return &FlowError{Op: op, Reason: reason}
}

// UnexpectedMessageError reports that a Send made with
// SendOptions.ExpectAckOnly was answered with a data message instead of a
// bare standalone-ack. The send still resolves (the ack did arrive and
// matched), but with this error instead of nil, since the caller declared
// up front that a data response was not an acceptable outcome.
type UnexpectedMessageError struct {
	ExchangeID uint16
	Opcode     uint8
	Want       string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("exchange %d: unexpected message opcode=0x%02x, want %s", e.ExchangeID, e.Opcode, e.Want)
}
