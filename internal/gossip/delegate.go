package gossip

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/memberlist"

	"bridge/internal/logging"
	"bridge/internal/types"
)

// WitnessHandler is called when a witness is received via gossip
type WitnessHandler func(*types.Witness)

// witnessMessage is the wire envelope for a gossiped witness. Binary fields
// travel as hex strings.
type witnessMessage struct {
	Type      string `json:"type"`
	EventID   uint64 `json:"event_id"`
	Digest    string `json:"digest"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

const msgTypeWitness = "witness"

// WitnessGossipDelegate implements memberlist.Delegate for witness propagation
type WitnessGossipDelegate struct {
	mu         sync.RWMutex
	broadcasts [][]byte       // Queue of messages to broadcast
	handler    WitnessHandler // Callback when witness received
	nodeID     string
	logger     logging.Logger
}

// NewWitnessGossipDelegate creates a new gossip delegate
func NewWitnessGossipDelegate(nodeID string, handler WitnessHandler, logger logging.Logger) *WitnessGossipDelegate {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &WitnessGossipDelegate{
		broadcasts: make([][]byte, 0),
		handler:    handler,
		nodeID:     nodeID,
		logger:     logger,
	}
}

// NotifyMsg is invoked when a user-data message is received via gossip.
// This is called from memberlist's goroutine, so it must not block.
func (d *WitnessGossipDelegate) NotifyMsg(data []byte) {
	var msg witnessMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.logger.Errorf("unmarshal gossip message: %v", err)
		return
	}
	if msg.Type != msgTypeWitness {
		d.logger.Debugf("ignoring gossip message type %q", msg.Type)
		return
	}

	w, err := decodeWitness(&msg)
	if err != nil {
		d.logger.Warnf("malformed witness via gossip: %v", err)
		return
	}

	if d.handler != nil {
		d.handler(w)
	}
	d.logger.Debugf("received witness via gossip: event %d signer %s", w.EventID, w.Signer.Hex())
}

// GetBroadcasts is called when memberlist needs messages to gossip.
// Returns messages to broadcast and clears the queue.
func (d *WitnessGossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.broadcasts) == 0 {
		return nil
	}

	// memberlist handles batching and retransmission
	broadcasts := d.broadcasts
	d.broadcasts = make([][]byte, 0)
	return broadcasts
}

// LocalState is unused: witnesses are ephemeral and rebroadcast by the
// worker's sweep, so anti-entropy state transfer is unnecessary.
func (d *WitnessGossipDelegate) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState is a no-op, see LocalState.
func (d *WitnessGossipDelegate) MergeRemoteState(buf []byte, join bool) {
}

// NodeMeta returns metadata about this node (max 512 bytes).
func (d *WitnessGossipDelegate) NodeMeta(limit int) []byte {
	meta := []byte(d.nodeID)
	if len(meta) > limit {
		meta = meta[:limit]
	}
	return meta
}

// QueueWitness queues a witness for gossip propagation
func (d *WitnessGossipDelegate) QueueWitness(w *types.Witness) error {
	data, err := json.Marshal(encodeWitness(w))
	if err != nil {
		return fmt.Errorf("marshal witness message: %w", err)
	}

	d.mu.Lock()
	d.broadcasts = append(d.broadcasts, data)
	queued := len(d.broadcasts)
	d.mu.Unlock()

	d.logger.Debugf("queued witness for broadcast: event %d queue_size %d", w.EventID, queued)
	return nil
}

// NotifyJoin is called when a node joins the cluster
func (d *WitnessGossipDelegate) NotifyJoin(node *memberlist.Node) {
	if node == nil {
		return
	}
	d.logger.Infof("node joined gossip cluster: %s (%s)", node.Name, node.Address())
}

// NotifyLeave is called when a node leaves the cluster
func (d *WitnessGossipDelegate) NotifyLeave(node *memberlist.Node) {
	if node == nil {
		return
	}
	d.logger.Infof("node left gossip cluster: %s (%s)", node.Name, node.Address())
}

// NotifyUpdate is called when a node is updated
func (d *WitnessGossipDelegate) NotifyUpdate(node *memberlist.Node) {
	if node == nil {
		return
	}
	d.logger.Debugf("node updated in gossip cluster: %s (%s)", node.Name, node.Address())
}

func encodeWitness(w *types.Witness) *witnessMessage {
	return &witnessMessage{
		Type:      msgTypeWitness,
		EventID:   w.EventID,
		Digest:    hex.EncodeToString(w.Digest[:]),
		Signer:    w.Signer.Hex(),
		Signature: hex.EncodeToString(w.Signature[:]),
	}
}

func decodeWitness(msg *witnessMessage) (*types.Witness, error) {
	digest, err := hex.DecodeString(msg.Digest)
	if err != nil || len(digest) != 32 {
		return nil, fmt.Errorf("bad digest %q", msg.Digest)
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil || len(sig) != types.SignatureLength {
		return nil, fmt.Errorf("bad signature length %d", len(sig))
	}
	if !common.IsHexAddress(msg.Signer) {
		return nil, fmt.Errorf("bad signer %q", msg.Signer)
	}
	w := &types.Witness{
		EventID: msg.EventID,
		Signer:  common.HexToAddress(msg.Signer),
	}
	copy(w.Digest[:], digest)
	copy(w.Signature[:], sig)
	return w, nil
}
