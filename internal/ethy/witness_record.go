package ethy

import (
	"github.com/ethereum/go-ethereum/common"

	"bridge/internal/types"
)

// WitnessRecord tracks live witnesses.
//
// Witnesses are stored per event id and digest:
// event_id -> digest -> signer -> signature.
// Keeping signatures per digest gives resiliency in case different digests
// are witnessed for the same event, maliciously or not. A validator gets at
// most one vote per event id regardless of digest.
type WitnessRecord struct {
	record   map[uint64]map[[32]byte]map[common.Address][types.SignatureLength]byte
	hasVoted map[uint64]map[common.Address]bool
}

func NewWitnessRecord() *WitnessRecord {
	return &WitnessRecord{
		record:   make(map[uint64]map[[32]byte]map[common.Address][types.SignatureLength]byte),
		hasVoted: make(map[uint64]map[common.Address]bool),
	}
}

// Note records a witness if the signer has not voted on this event before.
// Returns true if the witness was newly recorded.
func (wr *WitnessRecord) Note(w *types.Witness) bool {
	if wr.hasVoted[w.EventID][w.Signer] {
		return false
	}

	byDigest, ok := wr.record[w.EventID]
	if !ok {
		byDigest = make(map[[32]byte]map[common.Address][types.SignatureLength]byte)
		wr.record[w.EventID] = byDigest
	}
	bySigner, ok := byDigest[w.Digest]
	if !ok {
		bySigner = make(map[common.Address][types.SignatureLength]byte)
		byDigest[w.Digest] = bySigner
	}
	bySigner[w.Signer] = w.Signature

	voted, ok := wr.hasVoted[w.EventID]
	if !ok {
		voted = make(map[common.Address]bool)
		wr.hasVoted[w.EventID] = voted
	}
	voted[w.Signer] = true
	return true
}

// Clear removes all state for an event id.
func (wr *WitnessRecord) Clear(eventID uint64) {
	delete(wr.record, eventID)
	delete(wr.hasVoted, eventID)
}

// WitnessCount returns the number of distinct signers for (eventID, digest).
func (wr *WitnessRecord) WitnessCount(eventID uint64, digest [32]byte) int {
	return len(wr.record[eventID][digest])
}

// HasConsensus reports whether (eventID, digest) has >= threshold support.
func (wr *WitnessRecord) HasConsensus(eventID uint64, digest [32]byte, threshold int) bool {
	return wr.WitnessCount(eventID, digest) >= threshold
}

// SignaturesFor returns the sparse signature array for (eventID, digest)
// aligned to the given canonical validator ordering. Unsigned slots are nil.
func (wr *WitnessRecord) SignaturesFor(eventID uint64, digest [32]byte, validators []common.Address) [][]byte {
	bySigner := wr.record[eventID][digest]
	out := make([][]byte, len(validators))
	for i, v := range validators {
		if sig, ok := bySigner[v]; ok {
			s := make([]byte, types.SignatureLength)
			copy(s, sig[:])
			out[i] = s
		}
	}
	return out
}

// Witnesses reconstructs the witnesses known for (eventID, digest),
// for persistence and rebroadcast.
func (wr *WitnessRecord) Witnesses(eventID uint64, digest [32]byte) []types.Witness {
	bySigner := wr.record[eventID][digest]
	out := make([]types.Witness, 0, len(bySigner))
	for signer, sig := range bySigner {
		out = append(out, types.Witness{
			EventID:   eventID,
			Digest:    digest,
			Signer:    signer,
			Signature: sig,
		})
	}
	return out
}
