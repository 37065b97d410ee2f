package transport

import (
	"net"
	"time"

	"github.com/openmatter/mrpcore/pkg/session"
)

// TCPChannel binds a TCP transport to a single peer address. TCP delivers
// reliably, so it advertises UsesMRP-independent behavior through the same
// Channel contract; the exchange layer is the one that decides per-session
// whether MRP runs at all (session.Session.UsesMRP), not the channel.
type TCPChannel struct {
	tcp      *TCP
	peerAddr net.Addr
	backoff  *BackoffCalculator
}

// NewTCPChannel creates a Channel that sends to peerAddr over tcp.
func NewTCPChannel(tcp *TCP, peerAddr net.Addr) *TCPChannel {
	return &TCPChannel{
		tcp:      tcp,
		peerAddr: peerAddr,
		backoff:  NewBackoffCalculator(DefaultRandomSource),
	}
}

// Send implements Channel.
func (c *TCPChannel) Send(data []byte) error {
	return c.tcp.SendRaw(data, c.peerAddr)
}

// MaxPayloadSize implements Channel. TCP framing has no fixed MTU; this
// repository keeps the same budget as UDP so a message built for one
// channel is always safe to resend on the other.
func (c *TCPChannel) MaxPayloadSize() int {
	return 1280 - MatterMessageOverhead
}

// GetMrpResubmissionBackOffTime implements Channel using the same formula
// as UDP: the Matter spec defines one MRP backoff formula, independent of
// the underlying transport.
func (c *TCPChannel) GetMrpResubmissionBackOffTime(attempt int, params session.Params, forClose bool) time.Duration {
	base := BaseInterval(params, false)
	return c.backoff.Calculate(base, attempt)
}

// CalculateMaximumPeerResponseTime implements Channel.
func (c *TCPChannel) CalculateMaximumPeerResponseTime(peerParams, localParams session.Params, expectedProcessingTime time.Duration) time.Duration {
	if expectedProcessingTime <= 0 {
		expectedProcessingTime = DefaultExpectedProcessingTime
	}
	retryInterval := c.backoff.CalculateMax(BaseInterval(peerParams, false), 1)
	return expectedProcessingTime + retryInterval + localParams.IdleInterval
}
