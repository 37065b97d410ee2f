package exchange

import "time"

// MRP (Message Reliability Protocol) parameters from Spec Section 4.12.8, Table 22.
//
// Note: Session-level timing parameters (SESSION_IDLE_INTERVAL, SESSION_ACTIVE_INTERVAL,
// SESSION_ACTIVE_THRESHOLD) are defined in pkg/session.Params and obtained from
// DNS-SD discovery or session establishment messages. The exponential-backoff
// constants (MRP_BACKOFF_BASE/JITTER/MARGIN/THRESHOLD) live in pkg/transport
// alongside BackoffCalculator, since computing retransmission timing is a
// Channel responsibility, not an Exchange one.
const (
	// MRPMaxTransmissions is the maximum number of transmission attempts for a
	// reliable message. After this many attempts without acknowledgement, the
	// message is considered undeliverable.
	// Spec: MRP_MAX_TRANSMISSIONS = 5
	MRPMaxTransmissions = 5

	// MRPStandaloneAckTimeout is the time to wait for an opportunity to piggyback
	// an acknowledgement before sending a standalone ACK.
	// Spec: MRP_STANDALONE_ACK_TIMEOUT = 200ms
	MRPStandaloneAckTimeout = 200 * time.Millisecond
)

// MaxConcurrentExchanges is the recommended maximum concurrent exchanges per session.
// Per Spec 4.10.5.2: "A node SHOULD limit itself to a maximum of 5 concurrent
// exchanges over a unicast session" to prevent exhausting the message counter window.
const MaxConcurrentExchanges = 5
