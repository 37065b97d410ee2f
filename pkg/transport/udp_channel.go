package transport

import (
	"net"
	"time"

	"github.com/openmatter/mrpcore/pkg/message"
	"github.com/openmatter/mrpcore/pkg/session"
)

// UDPChannel binds a UDP transport to a single peer address, implementing
// Channel for exchange traffic to that peer.
type UDPChannel struct {
	udp      *UDP
	peerAddr net.Addr
	backoff  *BackoffCalculator
}

// NewUDPChannel creates a Channel that sends to peerAddr over udp.
func NewUDPChannel(udp *UDP, peerAddr net.Addr) *UDPChannel {
	return &UDPChannel{
		udp:      udp,
		peerAddr: peerAddr,
		backoff:  NewBackoffCalculator(DefaultRandomSource),
	}
}

// Send implements Channel.
func (c *UDPChannel) Send(data []byte) error {
	return c.udp.Send(data, c.peerAddr)
}

// MaxPayloadSize implements Channel, sized off the UDP MTU Matter assumes.
func (c *UDPChannel) MaxPayloadSize() int {
	return message.MaxUDPMessageSize - MatterMessageOverhead
}

// GetMrpResubmissionBackOffTime implements Channel. forClose is accepted
// for interface conformance; UDP applies the same formula either way, the
// exchange simply sums it across the remaining attempts for the grace
// timer.
func (c *UDPChannel) GetMrpResubmissionBackOffTime(attempt int, params session.Params, forClose bool) time.Duration {
	base := BaseInterval(params, false)
	return c.backoff.Calculate(base, attempt)
}

// CalculateMaximumPeerResponseTime implements Channel per Matter Core Spec
// 4.11.8: the retransmission timeout accounts for both ends' MRP
// parameters plus however long the receiver is expected to need to act.
func (c *UDPChannel) CalculateMaximumPeerResponseTime(peerParams, localParams session.Params, expectedProcessingTime time.Duration) time.Duration {
	if expectedProcessingTime <= 0 {
		expectedProcessingTime = DefaultExpectedProcessingTime
	}
	retryInterval := c.backoff.CalculateMax(BaseInterval(peerParams, false), 1)
	return expectedProcessingTime + retryInterval + localParams.IdleInterval
}
