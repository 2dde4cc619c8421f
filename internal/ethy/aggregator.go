package ethy

import (
	"bridge/internal/types"
)

// BuildEventProof assembles the portable proof artifact for a round that
// reached threshold.
//
// The signature array is the full sparse layout: slot i belongs to validator
// i of the round's set snapshot, nil where the validator did not sign. Given
// the same accepted witnesses the output bytes are identical regardless of
// the order witnesses arrived in.
func BuildEventProof(r *types.Round, set *types.ValidatorSet) *types.EventProof {
	sigs := make([][]byte, len(set.Validators))
	for i := range r.Witnesses {
		w := &r.Witnesses[i]
		if idx := set.IndexOf(w.Signer); idx >= 0 {
			s := make([]byte, types.SignatureLength)
			copy(s, w.Signature[:])
			sigs[idx] = s
		}
	}
	return &types.EventProof{
		EventID:        r.EventID,
		Digest:         r.Digest,
		ValidatorSetID: set.ID,
		BlockNumber:    r.CreatedAtBlock,
		Signatures:     sigs,
	}
}
