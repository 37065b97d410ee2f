package session

import (
	"github.com/openmatter/mrpcore/pkg/abort"
	"github.com/openmatter/mrpcore/pkg/message"
)

// Kind distinguishes the two session families an exchange can run over.
// Matter defines more session flavors during establishment (PASE/CASE), but
// once an exchange is bound to a session it only needs to know whether the
// session is a point-to-point Unicast session or a multicast Group session.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnicast
	KindGroup
)

func (k Kind) String() string {
	switch k {
	case KindUnicast:
		return "unicast"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Session is the contract the exchange layer depends on. It deliberately
// says nothing about how a session came to exist (PASE, CASE, group key
// provisioning) or how bytes reach the wire (that's Channel) — it only
// exposes what an Exchange needs to multiplex itself correctly and to
// address its own traffic.
type Session interface {
	// Kind reports whether this is a Unicast or Group session. Group
	// sessions never use MRP and never request acknowledgement.
	Kind() Kind

	// UsesMRP reports whether exchanges on this session should run the
	// retransmission/ack state machine at all.
	UsesMRP() bool

	// IsClosed reports whether the underlying secure session has been torn
	// down. A send on a closed session fails with exchange.ErrSessionClosed.
	IsClosed() bool

	// Parameters returns the session's MRP timing parameters
	// (IdleInterval, ActiveInterval, ActiveThreshold).
	Parameters() Params

	// GetIncrementedMessageCounter allocates the next outbound message
	// counter. It honors abort so a caller blocked waiting on a
	// capacity-limited allocator (not needed today, but part of the
	// contract) can be cancelled.
	GetIncrementedMessageCounter(tok *abort.Token) (uint32, error)

	// AddExchange/RemoveExchange let the session track how many live
	// exchanges it is hosting, for diagnostics and resource limits.
	AddExchange(exchangeID uint16)
	RemoveExchange(exchangeID uint16)

	// NotifyActivity updates the session's liveness timestamps.
	// incoming=true marks the peer as active (resets ActiveTimestamp);
	// incoming=false only marks general session activity.
	NotifyActivity(incoming bool)

	// IsPeerActive reports whether the peer has been heard from recently
	// enough to use the "active" MRP backoff interval rather than "idle".
	IsPeerActive() bool

	// IsPeerLost/MarkPeerLost implement the peer-lost propagation
	// contract: once marked, the session reports lost until explicitly
	// cleared, and exchanges consult it to suppress requiresAck on their
	// next send.
	IsPeerLost() bool
	MarkPeerLost(lost bool)

	// Via returns a short diagnostic handle identifying this session in
	// logs, independent of any session ID that may be reused over time.
	Via() string

	// EncryptPayload encodes and encrypts header+protocol+payload for
	// transmission, filling in the header's SessionID and MessageCounter
	// fields as a side effect. This is the only encode/decode operation
	// the exchange layer needs from a Session: decoding an inbound packet
	// happens before dispatch reaches the exchange (see Manager.OnPacket).
	EncryptPayload(header *message.MessageHeader, protocol *message.ProtocolHeader, payload []byte) ([]byte, error)
}

// Verify the two concrete session kinds satisfy Session.
var (
	_ Session = (*SecureContext)(nil)
	_ Session = (*GroupSession)(nil)
)
