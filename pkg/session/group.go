package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/openmatter/mrpcore/pkg/abort"
	"github.com/openmatter/mrpcore/pkg/fabric"
	"github.com/openmatter/mrpcore/pkg/message"
)

// GroupContext holds ephemeral state for a received group message.
// Unlike SecureContext, GroupContext is created per-message when processing
// incoming group messages and destroyed after processing.
//
// Group sessions use symmetric keys from the Group Key Management cluster.
// The same key is used by all group members for encryption and decryption.
//
// See Spec Section 4.16.1 (Groupcast Session Context).
type GroupContext struct {
	sourceNodeID   fabric.NodeID
	fabricIndex    fabric.FabricIndex
	groupID        uint16
	groupSessionID uint16

	// Codec for decryption (uses group operational key)
	codec *message.Codec
}

// GroupContextConfig is used to create a group context for message processing.
type GroupContextConfig struct {
	SourceNodeID   fabric.NodeID
	FabricIndex    fabric.FabricIndex
	GroupID        uint16
	GroupSessionID uint16
	OperationalKey []byte // 16 bytes, from Group Key Management
}

// NewGroupContext creates a new group session context for processing a message.
// The operational key comes from the Group Key Management cluster.
func NewGroupContext(config GroupContextConfig) (*GroupContext, error) {
	if len(config.OperationalKey) != SessionKeySize {
		return nil, ErrInvalidKey
	}

	// For group messages, the source NodeID is used in nonce construction
	codec, err := message.NewCodec(config.OperationalKey, uint64(config.SourceNodeID))
	if err != nil {
		return nil, err
	}

	return &GroupContext{
		sourceNodeID:   config.SourceNodeID,
		fabricIndex:    config.FabricIndex,
		groupID:        config.GroupID,
		groupSessionID: config.GroupSessionID,
		codec:          codec,
	}, nil
}

// SourceNodeID returns the source node ID of the group message.
func (g *GroupContext) SourceNodeID() fabric.NodeID {
	return g.sourceNodeID
}

// FabricIndex returns the fabric index for this group session.
func (g *GroupContext) FabricIndex() fabric.FabricIndex {
	return g.fabricIndex
}

// GroupID returns the group ID.
func (g *GroupContext) GroupID() uint16 {
	return g.groupID
}

// GroupSessionID returns the group session ID.
// This is derived from the operational group key.
func (g *GroupContext) GroupSessionID() uint16 {
	return g.groupSessionID
}

// Decrypt decrypts an incoming group message.
// Returns the decrypted frame with protocol header and payload.
func (g *GroupContext) Decrypt(data []byte) (*message.Frame, error) {
	frame, err := g.codec.Decode(data, uint64(g.sourceNodeID))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return frame, nil
}

// groupPeerKey uniquely identifies a group message sender.
type groupPeerKey struct {
	fabricIndex fabric.FabricIndex
	nodeID      fabric.NodeID
}

// GroupPeerTable tracks per-peer message counters for group messages.
// This implements the trust-first policy per Spec 4.6.5.2.2:
// the first message from a new peer is accepted unconditionally to
// establish the counter baseline.
//
// Group peers are tracked per-fabric because the same NodeID may appear
// on different fabrics.
type GroupPeerTable struct {
	peers    map[groupPeerKey]*message.ReceptionState
	maxPeers int

	mu sync.RWMutex
}

// NewGroupPeerTable creates a new group peer tracking table.
// maxPeers limits the number of tracked peers (0 means unlimited).
func NewGroupPeerTable(maxPeers int) *GroupPeerTable {
	return &GroupPeerTable{
		peers:    make(map[groupPeerKey]*message.ReceptionState),
		maxPeers: maxPeers,
	}
}

// CheckCounter verifies a group message counter using trust-first policy.
// Returns true if the message should be accepted.
//
// Trust-first policy (Spec 4.6.5.2.2):
//   - First message from a peer: trust unconditionally, establish baseline
//   - Subsequent messages: verify with rollover-aware counter checking
func (t *GroupPeerTable) CheckCounter(fabricIndex fabric.FabricIndex, sourceNodeID fabric.NodeID, counter uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupPeerKey{fabricIndex: fabricIndex, nodeID: sourceNodeID}

	state, exists := t.peers[key]
	if !exists {
		// First message from this peer - trust-first policy
		// Check capacity before adding
		if t.maxPeers > 0 && len(t.peers) >= t.maxPeers {
			return false // Capacity exceeded
		}

		// Create new state and accept the message
		state = message.NewReceptionState(counter)
		t.peers[key] = state
		return true
	}

	// Subsequent messages: verify with rollover awareness
	// Group messages allow rollover per spec
	return state.CheckAndAccept(counter, true)
}

// RemovePeer removes tracking for a specific peer.
// Call this when a node leaves the group or fabric.
func (t *GroupPeerTable) RemovePeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupPeerKey{fabricIndex: fabricIndex, nodeID: nodeID}
	delete(t.peers, key)
}

// RemoveFabric removes all peer tracking for a fabric.
// Call this when a fabric is removed.
func (t *GroupPeerTable) RemoveFabric(fabricIndex fabric.FabricIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.peers {
		if key.fabricIndex == fabricIndex {
			delete(t.peers, key)
		}
	}
}

// Count returns the number of tracked peers.
func (t *GroupPeerTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Clear removes all peer tracking.
func (t *GroupPeerTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[groupPeerKey]*message.ReceptionState)
}

// GroupSession is the long-lived counterpart to GroupContext: where
// GroupContext is rebuilt per received message to decrypt it, GroupSession
// is the Session an outbound Exchange binds to when addressing a group.
// It satisfies session.Session with UsesMRP hard-wired false, matching
// Spec 4.16's "Group messages SHALL NOT use MRP" requirement.
type GroupSession struct {
	groupID        uint16
	groupSessionID uint16
	fabricIndex    fabric.FabricIndex
	sourceNodeID   fabric.NodeID

	codec   *message.Codec
	counter *message.GlobalCounter
	params  Params
	via     string

	mu        sync.Mutex
	exchanges map[uint16]struct{}
	closed    bool
}

// GroupSessionConfig configures a GroupSession for sending.
type GroupSessionConfig struct {
	GroupID        uint16
	GroupSessionID uint16
	FabricIndex    fabric.FabricIndex
	SourceNodeID   fabric.NodeID
	OperationalKey []byte // 16 bytes, from Group Key Management
	Counter        *message.GlobalCounter
}

// NewGroupSession creates a Session for addressing a multicast group.
func NewGroupSession(config GroupSessionConfig) (*GroupSession, error) {
	if len(config.OperationalKey) != SessionKeySize {
		return nil, ErrInvalidKey
	}
	codec, err := message.NewCodec(config.OperationalKey, uint64(config.SourceNodeID))
	if err != nil {
		return nil, err
	}
	counter := config.Counter
	if counter == nil {
		counter = message.NewGlobalCounter()
	}
	return &GroupSession{
		groupID:        config.GroupID,
		groupSessionID: config.GroupSessionID,
		fabricIndex:    config.FabricIndex,
		sourceNodeID:   config.SourceNodeID,
		codec:          codec,
		counter:        counter,
		params:         DefaultParams(),
		via:            uuid.NewString(),
		exchanges:      make(map[uint16]struct{}),
	}, nil
}

// GroupID returns the destination group ID.
func (g *GroupSession) GroupID() uint16 { return g.groupID }

// EncryptPayload implements session.Session. Privacy obfuscation is never
// requested for group traffic.
func (g *GroupSession) EncryptPayload(header *message.MessageHeader, protocol *message.ProtocolHeader, payload []byte) ([]byte, error) {
	counter, err := g.counter.Next()
	if err != nil {
		return nil, ErrCounterExhausted
	}
	header.SessionID = g.groupSessionID
	header.MessageCounter = counter
	header.SessionType = message.SessionTypeGroup
	return g.codec.Encode(header, protocol, payload, false)
}

// Kind implements session.Session.
func (g *GroupSession) Kind() Kind { return KindGroup }

// UsesMRP implements session.Session: group sessions never retransmit.
func (g *GroupSession) UsesMRP() bool { return false }

// IsClosed implements session.Session.
func (g *GroupSession) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close marks the group session closed. Idempotent.
func (g *GroupSession) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// Parameters implements session.Session.
func (g *GroupSession) Parameters() Params { return g.params }

// GetIncrementedMessageCounter implements session.Session.
func (g *GroupSession) GetIncrementedMessageCounter(tok *abort.Token) (uint32, error) {
	if tok.Fired() {
		return 0, tok.Cause()
	}
	counter, err := g.counter.Next()
	if err != nil {
		return 0, ErrCounterExhausted
	}
	return counter, nil
}

// AddExchange implements session.Session.
func (g *GroupSession) AddExchange(exchangeID uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exchanges[exchangeID] = struct{}{}
}

// RemoveExchange implements session.Session.
func (g *GroupSession) RemoveExchange(exchangeID uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.exchanges, exchangeID)
}

// NotifyActivity implements session.Session. Group sessions have no
// concept of peer liveness: multicast has no single peer to track.
func (g *GroupSession) NotifyActivity(incoming bool) {}

// IsPeerActive implements session.Session. Always false: the active/idle
// MRP backoff distinction is meaningless without MRP.
func (g *GroupSession) IsPeerActive() bool { return false }

// IsPeerLost implements session.Session. Group sessions never detect a
// single lost peer.
func (g *GroupSession) IsPeerLost() bool { return false }

// MarkPeerLost implements session.Session; a no-op for group sessions.
func (g *GroupSession) MarkPeerLost(lost bool) {}

// Via implements session.Session.
func (g *GroupSession) Via() string { return g.via }
