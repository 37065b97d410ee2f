package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/openmatter/mrpcore/pkg/abort"
	"github.com/openmatter/mrpcore/pkg/clock"
	"github.com/openmatter/mrpcore/pkg/fabric"
	"github.com/openmatter/mrpcore/pkg/message"
	"github.com/openmatter/mrpcore/pkg/observable"
	"github.com/openmatter/mrpcore/pkg/securechannel"
	"github.com/openmatter/mrpcore/pkg/session"
	"github.com/openmatter/mrpcore/pkg/transport"
	"github.com/pion/logging"
)

// inboundMessage is what NextMessage hands back to the caller: a fully
// delivered application message, stripped of its protocol header.
type inboundMessage struct {
	opcode  uint8
	payload []byte
}

// Received is the application-visible result of NextMessage.
type Received struct {
	Opcode  uint8
	Payload []byte
}

// SendOptions customizes a single Send call. The zero value sends a
// reliable message (RequiresAck defaults true) with the exchange's
// standard retransmission schedule.
type SendOptions struct {
	// RequiresAck overrides whether this message should be sent reliably.
	// nil means "use the default" (true, unless the session is a Group
	// session or a peer-lost suppression is pending, in which case it's
	// forced false regardless of this field).
	RequiresAck *bool

	// ExpectAckOnly, if true, declares that the only acceptable response
	// to this message is a bare standalone-ack: a data reply that still
	// correctly acknowledges the message resolves Send with
	// *UnexpectedMessageError instead of nil.
	ExpectAckOnly bool

	// ExpectedProcessingTime, when positive, extends the wait past
	// exhausting all retransmission attempts by one final timer of
	// channel.CalculateMaximumPeerResponseTime(...) minus the last
	// retransmission interval, before declaring ErrPeerUnresponsive. Zero
	// skips this final wait entirely.
	ExpectedProcessingTime time.Duration

	// DisableMRPLogic sends the message with Reliability=false and skips
	// retransmission bookkeeping entirely, regardless of RequiresAck.
	DisableMRPLogic bool

	// MaxRetransmissions overrides MRPMaxTransmissions for this message.
	MaxRetransmissions int

	// Abort lets the caller cancel a blocked Send before it resolves.
	Abort *abort.Token
}

// NextMessageOptions customizes a single NextMessage call.
type NextMessageOptions struct {
	// Timeout bounds how long to wait for the next inbound message.
	// Zero means wait indefinitely (until Abort fires or the exchange
	// closes).
	Timeout time.Duration

	// Abort lets the caller cancel a blocked NextMessage.
	Abort *abort.Token
}

// Exchange is one conversation between two nodes: a sequence of messages
// multiplexed over a session, reliable-delivered via MRP when the session
// requires it. An Exchange is created by Manager.Initiate (as the
// initiator) or by Manager.OnPacket on receipt of an unsolicited message
// (as the responder), and is destroyed by Close.
type Exchange struct {
	id         uint16
	role       ExchangeRole
	protocolID message.ProtocolID
	vendorID   uint16

	sess    session.Session
	channel transport.Channel
	clk     clock.Clock
	log     logging.LeveledLogger
	mgr     *Manager

	destNodeID  fabric.NodeID
	destGroupID uint16
	isGroupDest bool

	mu    sync.Mutex
	state ExchangeState

	inbound chan inboundMessage

	// single in-flight outbound reliable message awaiting acknowledgement
	sentHasPending             bool
	sentCounter                uint32
	sentAckedCounter           uint32
	sentHasAckPiggy            bool
	sentWireData               []byte
	sentAttempts               int
	sentMaxAttempts            int
	sentLastInterval           time.Duration
	sentExpectAckOnly          bool
	sentExpectedProcessingTime time.Duration
	sentInFinalWait            bool
	sentTimer                  clock.Timer
	sentAckCh                  chan error

	// single pending inbound message owed an acknowledgement
	recvHasPending bool
	recvCounter    uint32
	recvTimer      clock.Timer

	suppressNextAck bool

	closed  *observable.Latch[error]
	closing *observable.Latch[error]

	timedInteractionTimer  clock.Timer
	timedInteractionActive bool
}

// Config bundles everything Manager needs to construct an Exchange.
type Config struct {
	ID          uint16
	Role        ExchangeRole
	ProtocolID  message.ProtocolID
	VendorID    uint16
	Session     session.Session
	Channel     transport.Channel
	DestNodeID  fabric.NodeID
	DestGroupID uint16
	IsGroupDest bool
	Clock       clock.Clock
	Log         logging.LeveledLogger
	Manager     *Manager
}

func newExchange(cfg Config) *Exchange {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	e := &Exchange{
		id:          cfg.ID,
		role:        cfg.Role,
		protocolID:  cfg.ProtocolID,
		vendorID:    cfg.VendorID,
		sess:        cfg.Session,
		channel:     cfg.Channel,
		clk:         clk,
		log:         cfg.Log,
		mgr:         cfg.Manager,
		destNodeID:  cfg.DestNodeID,
		destGroupID: cfg.DestGroupID,
		isGroupDest: cfg.IsGroupDest,
		state:       ExchangeStateActive,
		inbound:     make(chan inboundMessage, 32),
		closed:      observable.NewLatch[error](),
		closing:     observable.NewLatch[error](),
	}
	e.sess.AddExchange(e.id)
	return e
}

// ID returns the exchange identifier.
func (e *Exchange) ID() uint16 { return e.id }

// Role returns whether this node initiated the exchange.
func (e *Exchange) Role() ExchangeRole { return e.role }

// Closed returns an observable that latches the exchange's close cause
// once it finishes closing.
func (e *Exchange) Closed() *observable.Latch[error] { return e.closed }

// Closing returns an observable that latches as soon as Close is called,
// before any retransmission grace period elapses.
func (e *Exchange) Closing() *observable.Latch[error] { return e.closing }

func (e *Exchange) key() exchangeKey {
	return exchangeKey{session: e.sess, exchangeID: e.id, role: e.role}
}

func (e *Exchange) buildHeader() message.MessageHeader {
	h := message.MessageHeader{}
	if e.isGroupDest {
		h.SessionType = message.SessionTypeGroup
		h.DestinationType = message.DestinationGroupID
		h.DestinationGroupID = e.destGroupID
	} else {
		h.SessionType = message.SessionTypeUnicast
		if e.destNodeID != 0 {
			h.DestinationType = message.DestinationNodeID
			h.DestinationNodeID = uint64(e.destNodeID)
		}
	}
	return h
}

// Send transmits opcode/payload over this exchange, blocking until the
// message is acknowledged (when reliable) or immediately once it hits the
// wire (when not). It never fragments: a payload too large for the
// channel's MTU is rejected outright.
func (e *Exchange) Send(opcode uint8, payload []byte, opts SendOptions) error {
	e.mu.Lock()
	switch e.state {
	case ExchangeStateClosed:
		e.mu.Unlock()
		return ErrClosed
	case ExchangeStateClosing:
		e.mu.Unlock()
		return ErrClosed
	}
	if e.sentHasPending {
		e.mu.Unlock()
		return newFlowError("Send", "a reliable message is already awaiting acknowledgement")
	}
	if e.sess.IsClosed() {
		e.mu.Unlock()
		return ErrSessionClosed
	}

	requiresAck := true
	if opts.RequiresAck != nil {
		requiresAck = *opts.RequiresAck
	}
	if e.sess.Kind() == session.KindGroup {
		requiresAck = false
	}
	if e.suppressNextAck {
		requiresAck = false
		e.suppressNextAck = false
	}
	if opts.DisableMRPLogic {
		requiresAck = false
	}

	protocol := &message.ProtocolHeader{
		ProtocolID:     e.protocolID,
		ProtocolOpcode: opcode,
		ExchangeID:     e.id,
		Initiator:      e.role == ExchangeRoleInitiator,
		Reliability:    requiresAck,
	}
	if e.vendorID != 0 {
		protocol.VendorPresent = true
		protocol.ProtocolVendorID = e.vendorID
	}

	var ackedCounter uint32
	var hasAckPiggy bool
	if e.recvHasPending {
		protocol.Acknowledgement = true
		protocol.AckedMessageCounter = e.recvCounter
		ackedCounter = e.recvCounter
		hasAckPiggy = true
		e.recvHasPending = false
		if e.recvTimer != nil {
			e.recvTimer.Stop()
			e.recvTimer = nil
		}
	}
	e.mu.Unlock()

	if len(payload) > e.channel.MaxPayloadSize() {
		return ErrPayloadTooLarge
	}
	if opts.Abort.Fired() {
		return fmt.Errorf("%w: %v", ErrAborted, opts.Abort.Cause())
	}

	// EncryptPayload allocates the outbound message counter itself (as a
	// side effect of encoding), so the counter used to match an eventual
	// ack is whatever it wrote back into header.MessageCounter — not a
	// separately fetched value, which would allocate twice.
	header := e.buildHeader()
	wireData, err := e.sess.EncryptPayload(&header, protocol, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	counter := header.MessageCounter

	if err := e.channel.Send(wireData); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	e.sess.NotifyActivity(false)

	if !requiresAck {
		return nil
	}

	maxAttempts := opts.MaxRetransmissions
	if maxAttempts <= 0 {
		maxAttempts = MRPMaxTransmissions
	}

	ackCh := make(chan error, 1)
	e.mu.Lock()
	if e.state != ExchangeStateActive {
		e.mu.Unlock()
		return ErrClosed
	}
	e.sentHasPending = true
	e.sentCounter = counter
	e.sentAckedCounter = ackedCounter
	e.sentHasAckPiggy = hasAckPiggy
	e.sentWireData = wireData
	e.sentAttempts = 1
	e.sentMaxAttempts = maxAttempts
	e.sentExpectAckOnly = opts.ExpectAckOnly
	e.sentExpectedProcessingTime = opts.ExpectedProcessingTime
	e.sentInFinalWait = false
	e.sentAckCh = ackCh
	e.armRetransmitTimerLocked()
	e.mu.Unlock()

	abortDone := (<-chan struct{})(nil)
	if opts.Abort != nil {
		abortDone = opts.Abort.Done()
	}

	select {
	case err := <-ackCh:
		return err
	case <-abortDone:
		e.mu.Lock()
		if e.sentHasPending {
			e.sentHasPending = false
			if e.sentTimer != nil {
				e.sentTimer.Stop()
				e.sentTimer = nil
			}
		}
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAborted, opts.Abort.Cause())
	case <-e.closed.Done():
		return ErrClosed
	}
}

// armRetransmitTimerLocked schedules the next retransmission attempt.
// Caller must hold e.mu.
func (e *Exchange) armRetransmitTimerLocked() {
	params := e.sess.Parameters()
	backoff := e.channel.GetMrpResubmissionBackOffTime(e.sentAttempts, params, false)
	e.sentLastInterval = backoff
	e.sentTimer = e.clk.AfterFunc(backoff, e.onRetransmitTimeout)
}

// onRetransmitTimeout fires when the current backoff wait elapses without
// an ack. With attempts remaining it resends and reschedules. Once
// attempts are exhausted it normally declares the peer unresponsive
// immediately, except when the send supplied a positive
// ExpectedProcessingTime and the exchange isn't already closing: then it
// arms one additional FinalWait timer sized by
// channel.CalculateMaximumPeerResponseTime minus the interval it just
// waited out, giving a genuinely slow peer one more grace window before
// giving up.
func (e *Exchange) onRetransmitTimeout() {
	e.mu.Lock()
	if !e.sentHasPending {
		e.mu.Unlock()
		return
	}
	if e.sentAttempts >= e.sentMaxAttempts {
		if !e.sentInFinalWait && e.sentExpectedProcessingTime > 0 && e.state != ExchangeStateClosing {
			params := e.sess.Parameters()
			wait := e.channel.CalculateMaximumPeerResponseTime(params, params, e.sentExpectedProcessingTime) - e.sentLastInterval
			if wait < 0 {
				wait = 0
			}
			e.sentInFinalWait = true
			e.sentTimer = e.clk.AfterFunc(wait, e.onRetransmitTimeout)
			e.mu.Unlock()
			return
		}
		e.sentHasPending = false
		ackCh := e.sentAckCh
		e.mu.Unlock()
		select {
		case ackCh <- ErrPeerUnresponsive:
		default:
		}
		return
	}
	e.sentAttempts++
	data := e.sentWireData
	e.mu.Unlock()

	if err := e.channel.Send(data); err != nil {
		if e.log != nil {
			e.log.Warnf("exchange %d: retransmit failed: %v", e.id, err)
		}
		if e.sess.IsClosed() {
			e.Close(ErrSessionClosed)
			return
		}
	}

	e.mu.Lock()
	if e.sentHasPending {
		e.armRetransmitTimerLocked()
	}
	e.mu.Unlock()
}

// Kick forces an immediate retransmission attempt of the pending reliable
// message, skipping the remainder of the current backoff wait. It is a
// no-op if no message is awaiting acknowledgement.
func (e *Exchange) Kick() {
	e.mu.Lock()
	if !e.sentHasPending {
		e.mu.Unlock()
		return
	}
	if e.sentTimer != nil {
		e.sentTimer.Stop()
		e.sentTimer = nil
	}
	e.mu.Unlock()
	e.onRetransmitTimeout()
}

// NextMessage blocks until the next application message arrives on this
// exchange, the exchange closes, the call times out, or it is aborted.
func (e *Exchange) NextMessage(opts NextMessageOptions) (Received, error) {
	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	abortDone := (<-chan struct{})(nil)
	if opts.Abort != nil {
		abortDone = opts.Abort.Done()
	}

	select {
	case msg := <-e.inbound:
		return Received{Opcode: msg.opcode, Payload: msg.payload}, nil
	case <-e.closed.Done():
		select {
		case msg := <-e.inbound:
			return Received{Opcode: msg.opcode, Payload: msg.payload}, nil
		default:
		}
		return Received{}, ErrClosed
	case <-timeoutCh:
		return Received{}, ErrTimeout
	case <-abortDone:
		return Received{}, fmt.Errorf("%w: %v", ErrAborted, opts.Abort.Cause())
	}
}

// isStandaloneAckMessage reports whether a decoded message is a bare
// standalone-ack: secure-channel protocol, the StandaloneAck opcode, no
// ack requested of its own, and no payload.
func isStandaloneAckMessage(protocol *message.ProtocolHeader, payload []byte) bool {
	return protocol.IsSecureChannel() &&
		protocol.ProtocolOpcode == uint8(securechannel.OpcodeStandaloneAck) &&
		!protocol.NeedsAck() && len(payload) == 0
}

// onMessageReceived is called by Manager for every message dispatched to
// this exchange. counter is the inbound message's own MessageHeader
// counter (what a standalone ack for it must cite); isDuplicate reports
// whether the session's reception window identified this as a
// retransmission of an already-processed message (see Manager.OnPacket).
func (e *Exchange) onMessageReceived(protocol *message.ProtocolHeader, counter uint32, payload []byte, isDuplicate bool) {
	needsAck := protocol.NeedsAck() && e.sess.UsesMRP()
	isStandaloneAck := isStandaloneAckMessage(protocol, payload)

	if protocol.ProtocolID != e.protocolID && !isStandaloneAck {
		e.Close(newFlowError("onMessageReceived", "message protocol does not match exchange protocol"))
		return
	}

	e.sess.NotifyActivity(true)

	if isDuplicate {
		if needsAck {
			e.sendStandaloneAckForMessage(counter)
		}
		return
	}

	e.mu.Lock()
	if e.sentHasPending && protocol.IsAck() && e.sentHasAckPiggy && protocol.AckedMessageCounter == e.sentAckedCounter {
		// The peer never saw our last ack, piggybacked on the message
		// it's now effectively retransmitting. Resend that message
		// verbatim rather than treating this as an ack of our currently
		// pending send.
		data := e.sentWireData
		e.mu.Unlock()
		if err := e.channel.Send(data); err != nil && e.log != nil {
			e.log.Warnf("exchange %d: resend-suppression retransmit failed: %v", e.id, err)
		}
		return
	}

	if e.sentHasPending {
		if !protocol.IsAck() {
			e.mu.Unlock()
			e.Close(newFlowError("onMessageReceived", "previous message ack missing"))
			return
		}
		if protocol.AckedMessageCounter != e.sentCounter {
			e.mu.Unlock()
			if isStandaloneAck {
				return
			}
			e.Close(newFlowError("onMessageReceived", "previous message ack does not match pending send"))
			return
		}

		if e.sentTimer != nil {
			e.sentTimer.Stop()
			e.sentTimer = nil
		}
		e.sentHasPending = false
		ackCh := e.sentAckCh
		expectAckOnly := e.sentExpectAckOnly
		wasClosing := e.state == ExchangeStateClosing
		e.mu.Unlock()

		var ackErr error
		if expectAckOnly && !isStandaloneAck {
			ackErr = &UnexpectedMessageError{ExchangeID: e.id, Opcode: protocol.ProtocolOpcode, Want: "standalone-ack"}
		}
		select {
		case ackCh <- ackErr:
		default:
		}

		if wasClosing && isStandaloneAck {
			e.maybeFinalizeClosing()
		}
	} else {
		e.mu.Unlock()
	}

	if isStandaloneAck {
		return
	}

	e.mu.Lock()
	if e.state == ExchangeStateClosed {
		e.mu.Unlock()
		return
	}
	if needsAck {
		if e.recvHasPending {
			staleCounter := e.recvCounter
			if e.recvTimer != nil {
				e.recvTimer.Stop()
				e.recvTimer = nil
			}
			e.recvHasPending = false
			e.mu.Unlock()
			e.sendStandaloneAckForMessage(staleCounter)
			e.mu.Lock()
		}
		e.recvHasPending = true
		e.recvCounter = counter
		e.recvTimer = e.clk.AfterFunc(MRPStandaloneAckTimeout, func() {
			e.sendStandaloneAckForMessage(counter)
		})
	}
	e.mu.Unlock()

	select {
	case e.inbound <- inboundMessage{opcode: protocol.ProtocolOpcode, payload: payload}:
	default:
		if e.log != nil {
			e.log.Warnf("exchange %d: inbound queue full, dropping message opcode=0x%02x", e.id, protocol.ProtocolOpcode)
		}
	}
}

// sendStandaloneAckForMessage acknowledges the message bearing counter,
// either because its piggyback-ack grace period elapsed or because it
// arrived again as a duplicate (the peer evidently missed the first ack).
func (e *Exchange) sendStandaloneAckForMessage(counter uint32) {
	e.mu.Lock()
	if e.state == ExchangeStateClosed {
		e.mu.Unlock()
		return
	}
	if e.recvHasPending && e.recvCounter == counter {
		e.recvHasPending = false
		if e.recvTimer != nil {
			e.recvTimer.Stop()
			e.recvTimer = nil
		}
	}
	e.mu.Unlock()

	protocol := &message.ProtocolHeader{
		ProtocolID:          message.ProtocolSecureChannel,
		ProtocolOpcode:      uint8(securechannel.OpcodeStandaloneAck),
		ExchangeID:          e.id,
		Initiator:           e.role == ExchangeRoleInitiator,
		Acknowledgement:     true,
		AckedMessageCounter: counter,
	}
	header := e.buildHeader()
	wireData, err := e.sess.EncryptPayload(&header, protocol, nil)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("exchange %d: failed to encode standalone ack: %v", e.id, err)
		}
		return
	}
	if err := e.channel.Send(wireData); err != nil && e.log != nil {
		e.log.Warnf("exchange %d: failed to send standalone ack: %v", e.id, err)
	}
}

// StartTimedInteraction arms a deadline by which a follow-up message must
// arrive; if it expires first, the exchange closes with a FlowError, per
// the CASE/IM convention this repository follows (see DESIGN.md).
func (e *Exchange) StartTimedInteraction(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timedInteractionTimer != nil {
		e.timedInteractionTimer.Stop()
	}
	e.timedInteractionActive = true
	e.timedInteractionTimer = e.clk.AfterFunc(d, func() {
		e.mu.Lock()
		e.timedInteractionActive = false
		e.mu.Unlock()
		e.Close(newFlowError("timedInteraction", "timed interaction expired before follow-up message"))
	})
}

// ClearTimedInteraction cancels a pending timed-interaction deadline.
func (e *Exchange) ClearTimedInteraction() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timedInteractionTimer != nil {
		e.timedInteractionTimer.Stop()
		e.timedInteractionTimer = nil
	}
	e.timedInteractionActive = false
}

// HasActiveTimedInteraction reports whether a timed-interaction deadline
// is currently armed.
func (e *Exchange) HasActiveTimedInteraction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timedInteractionActive
}

// Close tears the exchange down. It is always idempotent and never
// returns an error: repeated calls, or calls on an already-closed
// exchange, are no-ops. A non-nil cause closes the exchange at once. With
// a nil cause, if a reliable message is still awaiting acknowledgement,
// Close transitions to Closing and waits out the remaining retransmission
// schedule (the "close grace timer") before finalizing, so a peer that's
// merely slow still gets its last retransmissions.
func (e *Exchange) Close(cause error) {
	e.mu.Lock()
	if e.state == ExchangeStateClosed {
		e.mu.Unlock()
		return
	}
	if e.state == ExchangeStateClosing {
		e.mu.Unlock()
		return
	}

	if cause != nil || !e.sentHasPending {
		e.state = ExchangeStateClosed
		e.mu.Unlock()
		e.closing.Set(cause)
		e.finalize(cause)
		return
	}

	e.state = ExchangeStateClosing
	grace := e.graceDurationLocked()
	e.mu.Unlock()

	e.closing.Set(cause)
	e.clk.AfterFunc(grace, func() { e.finalize(cause) })
}

// graceDurationLocked sums the channel's backoff for every retransmission
// attempt still remaining: Σ channel.backoff(i) for
// i=retransmissionCounter..MRP_MAX_TRANSMISSIONS. Caller must hold e.mu.
func (e *Exchange) graceDurationLocked() time.Duration {
	params := e.sess.Parameters()
	var total time.Duration
	for i := e.sentAttempts; i <= e.sentMaxAttempts; i++ {
		total += e.channel.GetMrpResubmissionBackOffTime(i, params, true)
	}
	return total
}

// maybeFinalizeClosing finishes a graceful close early once the pending
// message is acknowledged, instead of waiting out the rest of the grace
// timer.
func (e *Exchange) maybeFinalizeClosing() {
	e.mu.Lock()
	if e.state != ExchangeStateClosing || e.sentHasPending {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.finalize(e.closing.Wait())
}

func (e *Exchange) finalize(cause error) {
	e.mu.Lock()
	if e.state == ExchangeStateClosed && e.closed.Fired() {
		e.mu.Unlock()
		return
	}
	e.state = ExchangeStateClosed
	if e.sentTimer != nil {
		e.sentTimer.Stop()
		e.sentTimer = nil
	}
	if e.recvTimer != nil {
		e.recvTimer.Stop()
		e.recvTimer = nil
	}
	if e.timedInteractionTimer != nil {
		e.timedInteractionTimer.Stop()
		e.timedInteractionTimer = nil
	}
	ackCh := e.sentAckCh
	wasPending := e.sentHasPending
	e.sentHasPending = false
	e.mu.Unlock()

	if wasPending && ackCh != nil {
		select {
		case ackCh <- ErrClosed:
		default:
		}
	}

	e.sess.RemoveExchange(e.id)
	if e.mgr != nil {
		e.mgr.removeExchange(e)
	}
	e.closed.Set(cause)
}
