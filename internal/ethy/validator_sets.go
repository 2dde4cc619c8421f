package ethy

import (
	"encoding/binary"

	geth "github.com/ethereum/go-ethereum/crypto"

	"bridge/internal/types"
)

// SetManager tracks the active and pending bridge validator sets.
//
// Old sets are retained so in-flight rounds created under them can still be
// validated. A set change is only enacted once the outgoing set has produced
// a threshold proof over the incoming set (trust is handed over transitively).
type SetManager struct {
	sets     map[uint64]*types.ValidatorSet
	activeID uint64

	// In-flight set change, if any.
	pendingSet     *types.ValidatorSet
	pendingEventID uint64
	changeInFlight bool

	stalled bool
}

func NewSetManager(genesis *types.ValidatorSet) *SetManager {
	sm := &SetManager{sets: make(map[uint64]*types.ValidatorSet)}
	if genesis != nil {
		sm.sets[genesis.ID] = genesis.Clone()
		sm.activeID = genesis.ID
	}
	return sm
}

// Active returns the current authoritative validator set.
func (sm *SetManager) Active() *types.ValidatorSet {
	return sm.sets[sm.activeID]
}

// Get returns the set for a given id, including historical sets.
func (sm *SetManager) Get(id uint64) (*types.ValidatorSet, bool) {
	s, ok := sm.sets[id]
	return s, ok
}

// Frozen reports whether ordinary proof request intake is paused.
// Intake stays paused while a set-change round is in flight, and stays
// paused permanently if that round stalled.
func (sm *SetManager) Frozen() bool {
	return sm.changeInFlight || sm.stalled
}

// Stalled reports whether a set change failed to reach threshold. This is
// fail-safe: the bridge refuses new ordinary proofs until resolved.
func (sm *SetManager) Stalled() bool {
	return sm.stalled
}

// BeginChange registers an incoming validator set and the event id of the
// round that must authorize it. The round is signed by the outgoing set.
func (sm *SetManager) BeginChange(eventID uint64, next *types.ValidatorSet) {
	sm.pendingSet = next.Clone()
	sm.pendingEventID = eventID
	sm.changeInFlight = true
}

// PendingChange returns the event id of the in-flight set-change round.
func (sm *SetManager) PendingChange() (uint64, bool) {
	return sm.pendingEventID, sm.changeInFlight
}

// CompleteChange enacts the pending set after its round reached threshold.
func (sm *SetManager) CompleteChange(eventID uint64) bool {
	if !sm.changeInFlight || eventID != sm.pendingEventID {
		return false
	}
	sm.sets[sm.pendingSet.ID] = sm.pendingSet
	sm.activeID = sm.pendingSet.ID
	sm.pendingSet = nil
	sm.changeInFlight = false
	sm.stalled = false
	return true
}

// FailChange marks the in-flight set change as stalled. The pending set is
// kept so an operator can inspect it; intake remains frozen.
func (sm *SetManager) FailChange(eventID uint64) bool {
	if !sm.changeInFlight || eventID != sm.pendingEventID {
		return false
	}
	sm.changeInFlight = false
	sm.stalled = true
	return true
}

// SetDigest computes the commitment digest for a validator set: the payload
// of a set-change proof request. External verifiers recompute it from the
// announced set.
func SetDigest(set *types.ValidatorSet) [32]byte {
	msg := make([]byte, 8, 8+20*len(set.Validators))
	binary.BigEndian.PutUint64(msg, set.ID)
	for _, v := range set.Validators {
		msg = append(msg, v.Bytes()...)
	}
	return geth.Keccak256Hash(msg)
}
