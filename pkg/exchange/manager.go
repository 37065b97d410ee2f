package exchange

import (
	"sync"

	"github.com/openmatter/mrpcore/pkg/clock"
	"github.com/openmatter/mrpcore/pkg/fabric"
	"github.com/openmatter/mrpcore/pkg/message"
	"github.com/openmatter/mrpcore/pkg/session"
	"github.com/openmatter/mrpcore/pkg/transport"
	"github.com/pion/logging"
)

// exchangeKey identifies an exchange by the tuple Matter itself uses:
// the session it lives on, its numeric ID, and which side of the
// conversation this node plays. The same numeric ID can be live twice on
// one session — once as something we initiated, once as something the
// peer initiated — so role is part of the key, not an afterthought.
type exchangeKey struct {
	session session.Session
	exchangeID uint16
	role       ExchangeRole
}

// Manager multiplexes exchanges over sessions: it allocates exchange IDs
// for outbound conversations, dispatches inbound messages to the right
// Exchange, and spins up a new responder Exchange for unsolicited
// messages.
type Manager struct {
	mu             sync.Mutex
	exchanges      map[exchangeKey]*Exchange
	nextExchangeID uint16

	clk         clock.Clock
	log         logging.LeveledLogger
	unsolicited chan *Exchange
}

// ManagerConfig configures a new Manager.
type ManagerConfig struct {
	Clock clock.Clock
	Log   logging.LeveledLogger
}

// NewManager creates an exchange dispatcher.
func NewManager(cfg ManagerConfig) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Manager{
		exchanges:   make(map[exchangeKey]*Exchange),
		clk:         clk,
		log:         cfg.Log,
		unsolicited: make(chan *Exchange, 32),
	}
}

// Unsolicited delivers Exchanges created in response to a peer-initiated
// message. An application reads from this channel to learn about and
// respond to conversations it didn't start.
func (m *Manager) Unsolicited() <-chan *Exchange { return m.unsolicited }

func (m *Manager) allocateExchangeID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextExchangeID
	m.nextExchangeID++
	return id
}

// Destination describes where an initiated exchange's messages should be
// addressed. Exactly one of NodeID or (GroupID with IsGroup=true) applies,
// matching the session's own Kind.
type Destination struct {
	NodeID  fabric.NodeID
	GroupID uint16
	IsGroup bool
}

// Initiate starts a new exchange as its initiator, bound to sess and
// transmitting over channel.
func (m *Manager) Initiate(sess session.Session, channel transport.Channel, protocolID message.ProtocolID, vendorID uint16, dest Destination) *Exchange {
	id := m.allocateExchangeID()
	ex := newExchange(Config{
		ID:          id,
		Role:        ExchangeRoleInitiator,
		ProtocolID:  protocolID,
		VendorID:    vendorID,
		Session:     sess,
		Channel:     channel,
		DestNodeID:  dest.NodeID,
		DestGroupID: dest.GroupID,
		IsGroupDest: dest.IsGroup,
		Clock:       m.clk,
		Log:         m.log,
		Manager:     m,
	})

	m.mu.Lock()
	m.exchanges[ex.key()] = ex
	m.mu.Unlock()
	return ex
}

// roleForIncoming returns the role WE play given the Initiator flag on an
// inbound message: if the peer set the flag, the peer is the initiator
// and we are the responder, and vice versa.
func roleForIncoming(peerIsInitiator bool) ExchangeRole {
	if peerIsInitiator {
		return ExchangeRoleResponder
	}
	return ExchangeRoleInitiator
}

// OnPacket dispatches a decoded, already-decrypted message to the
// exchange it belongs to, creating a new responder Exchange if the
// message is unsolicited. isDuplicate reflects the caller's own
// duplicate-window verdict (typically the session's reception-state
// check performed while decrypting); a duplicate reliable message is
// never redelivered to the application, but if it still carries the
// Reliability flag its ack is resent, since the peer evidently never saw
// the first one.
func (m *Manager) OnPacket(sess session.Session, channel transport.Channel, frame *message.Frame, isDuplicate bool) error {
	role := roleForIncoming(frame.Protocol.Initiator)
	key := exchangeKey{session: sess, exchangeID: frame.Protocol.ExchangeID, role: role}

	m.mu.Lock()
	ex, ok := m.exchanges[key]
	m.mu.Unlock()

	if ok {
		ex.onMessageReceived(&frame.Protocol, frame.Header.MessageCounter, frame.Payload, isDuplicate)
		return nil
	}

	if isDuplicate {
		// A retransmission of a message whose exchange we've already torn
		// down. Nothing to resend an ack from; drop it.
		return nil
	}

	if !frame.Protocol.Initiator {
		// A reply addressed to an exchange we no longer recognize (already
		// closed, or never existed). Drop silently rather than surfacing
		// an error for something the peer can't act on.
		return nil
	}

	ex := newExchange(Config{
		ID:          frame.Protocol.ExchangeID,
		Role:        ExchangeRoleResponder,
		ProtocolID:  frame.Protocol.ProtocolID,
		VendorID:    frame.Protocol.ProtocolVendorID,
		Session:     sess,
		Channel:     channel,
		DestNodeID:  fabric.NodeID(frame.Header.SourceNodeID),
		Clock:       m.clk,
		Log:         m.log,
		Manager:     m,
	})

	m.mu.Lock()
	m.exchanges[ex.key()] = ex
	m.mu.Unlock()

	ex.onMessageReceived(&frame.Protocol, frame.Header.MessageCounter, frame.Payload, false)

	select {
	case m.unsolicited <- ex:
	default:
		if m.log != nil {
			m.log.Warnf("exchange manager: unsolicited queue full, dropping new exchange %d", ex.id)
		}
		ex.Close(ErrNotFound)
		return ErrNotFound
	}
	return nil
}

// removeExchange drops the bookkeeping entry for an exchange that has
// finished closing. Called by Exchange.finalize.
func (m *Manager) removeExchange(ex *Exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exchanges, ex.key())
}

// exchangesForSession returns every live exchange currently bound to
// sess. Used by Close and BroadcastPeerLost.
func (m *Manager) exchangesForSession(sess session.Session) []*Exchange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Exchange
	for k, ex := range m.exchanges {
		if k.session == sess {
			out = append(out, ex)
		}
	}
	return out
}

// Close closes every exchange bound to sess at once with ErrSessionClosed
// as the cause, e.g. when the session itself is being torn down.
func (m *Manager) Close(sess session.Session) {
	for _, ex := range m.exchangesForSession(sess) {
		ex.Close(ErrSessionClosed)
	}
}

// BroadcastPeerLost implements peer-lost propagation: it marks sess
// lost, forces every live exchange's next Send to skip requesting an
// acknowledgement (the peer has shown it
// won't answer MRP anyway), then clears the lost flag again, since
// IsPeerLost is meant to be observed transiently by the propagation
// itself rather than polled as durable state.
func (m *Manager) BroadcastPeerLost(sess session.Session) {
	sess.MarkPeerLost(true)
	for _, ex := range m.exchangesForSession(sess) {
		ex.mu.Lock()
		ex.suppressNextAck = true
		ex.mu.Unlock()
	}
	sess.MarkPeerLost(false)
}
