package transport

import (
	"math"
	"math/rand"
	"time"

	"github.com/openmatter/mrpcore/pkg/session"
)

// MatterMessageOverhead is the fixed per-message overhead the exchange
// layer must subtract from a channel's raw MTU to get the maximum
// application payload size: message header (26 bytes) + protocol header
// (12 bytes) + AEAD MIC (16 bytes).
const MatterMessageOverhead = 26 + 12 + 16

// DefaultExpectedProcessingTime is the assumed time a peer needs to
// process a message and formulate its response when the sender doesn't
// supply a tighter estimate.
const DefaultExpectedProcessingTime = 2 * time.Second

// Channel is the transport-facing contract the exchange layer depends on.
// It owns exactly the concerns the exchange needs from the network: moving
// bytes to a peer, reporting how much payload fits in one datagram, and
// computing the MRP-specific timing values that depend on the concrete
// transport (UDP backoff differs from a point-to-point reliable stream).
type Channel interface {
	// Send transmits a fully encoded message to the peer this channel was
	// bound to. It does not block waiting for any application-level
	// acknowledgement.
	Send(data []byte) error

	// MaxPayloadSize returns the largest application payload (protocol
	// header + opaque bytes) that fits in a single message on this
	// channel, after subtracting MatterMessageOverhead from the
	// transport's MTU.
	MaxPayloadSize() int

	// GetMrpResubmissionBackOffTime returns how long to wait before the
	// attempt-th retransmission of a message. forClose additionally
	// reports whether this calculation is being used to size the
	// close-grace timer, which the Matter spec computes identically to a
	// retransmission backoff but without jitter substitution quirks some
	// channels apply only to live retransmits.
	GetMrpResubmissionBackOffTime(attempt int, params session.Params, forClose bool) time.Duration

	// CalculateMaximumPeerResponseTime returns how long the local side
	// should wait for a reply before concluding the peer is unresponsive,
	// combining both sides' session parameters with the expected
	// processing time of the specific request.
	CalculateMaximumPeerResponseTime(peerParams, localParams session.Params, expectedProcessingTime time.Duration) time.Duration
}

// RandomSource abstracts math/rand so backoff jitter is test-substitutable.
type RandomSource interface {
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 { return rand.Float64() }

// DefaultRandomSource is the production jitter source.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// MRP backoff constants (Matter Core Spec 4.11.2.1).
const (
	MRPBackoffBase      = 1.6
	MRPBackoffJitter    = 0.25
	MRPBackoffMargin    = 1.1
	MRPBackoffThreshold = 1
)

// BackoffCalculator computes the Matter MRP retransmission backoff
// interval. It lives here rather than in the exchange layer because the
// Matter spec assigns "how long to wait before
// retransmitting" to the channel, not the exchange: a UDP channel and a
// future non-UDP channel can disagree on backoff shape without the
// exchange caring.
type BackoffCalculator struct {
	random RandomSource
}

// NewBackoffCalculator creates a calculator using the given jitter source.
// Pass DefaultRandomSource in production.
func NewBackoffCalculator(random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{random: random}
}

// Calculate returns the backoff duration for the attemptNumber-th
// retransmission (1-indexed) given a base interval derived from the
// session's active/idle parameters.
func (b *BackoffCalculator) Calculate(baseInterval time.Duration, attemptNumber int) time.Duration {
	i := float64(baseInterval) * MRPBackoffMargin

	exponent := attemptNumber - MRPBackoffThreshold
	if exponent < 0 {
		exponent = 0
	}
	expFactor := math.Pow(MRPBackoffBase, float64(exponent))

	jitterFactor := 1.0 + b.random.Float64()*MRPBackoffJitter

	return time.Duration(i * expFactor * jitterFactor)
}

// CalculateMin returns the backoff with no jitter applied (jitterFactor=1),
// a lower bound useful in tests.
func (b *BackoffCalculator) CalculateMin(baseInterval time.Duration, attemptNumber int) time.Duration {
	i := float64(baseInterval) * MRPBackoffMargin
	exponent := attemptNumber - MRPBackoffThreshold
	if exponent < 0 {
		exponent = 0
	}
	expFactor := math.Pow(MRPBackoffBase, float64(exponent))
	return time.Duration(i * expFactor)
}

// CalculateMax returns the backoff with full jitter applied, an upper
// bound useful in tests.
func (b *BackoffCalculator) CalculateMax(baseInterval time.Duration, attemptNumber int) time.Duration {
	i := float64(baseInterval) * MRPBackoffMargin
	exponent := attemptNumber - MRPBackoffThreshold
	if exponent < 0 {
		exponent = 0
	}
	expFactor := math.Pow(MRPBackoffBase, float64(exponent))
	return time.Duration(i * expFactor * (1.0 + MRPBackoffJitter))
}

// BaseInterval picks the active or idle interval from params depending on
// whether the peer is currently considered active, per Matter Core Spec
// 4.11.2.1.
func BaseInterval(params session.Params, peerActive bool) time.Duration {
	if peerActive {
		return params.ActiveInterval
	}
	return params.IdleInterval
}
