package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SignatureLength is the size of a recoverable secp256k1 signature (r||s||v).
const SignatureLength = 65

// ProofKind distinguishes ordinary bridge events from validator set changes.
type ProofKind uint8

const (
	KindWithdrawal ProofKind = iota
	KindValidatorSetChange
)

func (k ProofKind) String() string {
	switch k {
	case KindWithdrawal:
		return "withdrawal"
	case KindValidatorSetChange:
		return "validator_set_change"
	default:
		return "unknown"
	}
}

// ProofRequest is emitted by the runtime when it wants the validator set to
// attest to a cross-chain event. Immutable once created.
type ProofRequest struct {
	EventID        uint64    `json:"event_id"`
	Digest         [32]byte  `json:"digest"`
	Kind           ProofKind `json:"kind"`
	CreatedAtBlock uint64    `json:"created_at_block"`
}

// Witness is a single validator's signature over a proof request.
type Witness struct {
	EventID   uint64                `json:"event_id"`
	Digest    [32]byte              `json:"digest"`
	Signer    common.Address        `json:"signer"`
	Signature [SignatureLength]byte `json:"signature"`
}

// RoundStatus is the lifecycle state of a witness collection round.
type RoundStatus uint8

const (
	RoundPending RoundStatus = iota
	RoundComplete
	RoundExpired
	RoundInvalidated
)

func (s RoundStatus) String() string {
	switch s {
	case RoundPending:
		return "pending"
	case RoundComplete:
		return "complete"
	case RoundExpired:
		return "expired"
	case RoundInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// ValidatorSet is the ordered bridge validator set at a given set id.
// Ordering is canonical: proofs index signatures by position in Validators.
type ValidatorSet struct {
	ID         uint64           `json:"id"`
	Validators []common.Address `json:"validators"`
}

// Threshold returns the two-thirds supermajority witness count, ceil(2N/3).
func (vs *ValidatorSet) Threshold() int {
	n := len(vs.Validators)
	return (2*n + 2) / 3
}

// IndexOf returns the position of addr in the canonical ordering, or -1.
func (vs *ValidatorSet) IndexOf(addr common.Address) int {
	for i, v := range vs.Validators {
		if v == addr {
			return i
		}
	}
	return -1
}

func (vs *ValidatorSet) Contains(addr common.Address) bool {
	return vs.IndexOf(addr) >= 0
}

// Validate checks the set is usable for witnessing.
func (vs *ValidatorSet) Validate() error {
	if len(vs.Validators) == 0 {
		return fmt.Errorf("validator set %d is empty", vs.ID)
	}
	seen := make(map[common.Address]bool, len(vs.Validators))
	for _, v := range vs.Validators {
		if seen[v] {
			return fmt.Errorf("duplicate validator %s in set %d", v.Hex(), vs.ID)
		}
		seen[v] = true
	}
	return nil
}

// Clone creates a deep copy of the validator set.
func (vs *ValidatorSet) Clone() *ValidatorSet {
	cp := &ValidatorSet{ID: vs.ID}
	cp.Validators = make([]common.Address, len(vs.Validators))
	copy(cp.Validators, vs.Validators)
	return cp
}

// Round is the witness collection state for one proof request. A round binds
// permanently to the validator set snapshot (ValidatorSetID) taken at
// creation; it is never re-pointed at a different set.
type Round struct {
	EventID          uint64      `json:"event_id"`
	Digest           [32]byte    `json:"digest"`
	Kind             ProofKind   `json:"kind"`
	ValidatorSetID   uint64      `json:"validator_set_id"`
	CreatedAtBlock   uint64      `json:"created_at_block"`
	Status           RoundStatus `json:"status"`
	CompletedAtBlock uint64      `json:"completed_at_block,omitempty"`
	Witnesses        []Witness   `json:"witnesses,omitempty"`
}

// HasWitnessFrom reports whether signer already contributed to the round.
func (r *Round) HasWitnessFrom(signer common.Address) bool {
	for i := range r.Witnesses {
		if r.Witnesses[i].Signer == signer {
			return true
		}
	}
	return false
}

// EventProof is the finalized multi-signature artifact for one event.
//
// Signatures is a full sparse array aligned to the validator ordering of the
// set identified by ValidatorSetID: slot i holds validator i's signature or
// nil if it did not sign. External verifiers iterate slots until the
// threshold is met without needing to know the signing subset in advance.
type EventProof struct {
	EventID        uint64   `json:"event_id"`
	Digest         [32]byte `json:"digest"`
	ValidatorSetID uint64   `json:"validator_set_id"`
	BlockNumber    uint64   `json:"block_number"`
	Signatures     [][]byte `json:"signatures"`
}

// NumSignatures returns the number of filled signature slots.
func (p *EventProof) NumSignatures() int {
	n := 0
	for _, s := range p.Signatures {
		if len(s) > 0 {
			n++
		}
	}
	return n
}

const proofCodecVersion = 1

// Encode serializes the proof with a stable binary layout. Encoding the same
// proof always yields identical bytes.
func (p *EventProof) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(proofCodecVersion)
	writeUint64(&buf, p.EventID)
	buf.Write(p.Digest[:])
	writeUint64(&buf, p.ValidatorSetID)
	writeUint64(&buf, p.BlockNumber)
	writeUint32(&buf, uint32(len(p.Signatures)))
	for _, sig := range p.Signatures {
		if len(sig) == SignatureLength {
			buf.WriteByte(1)
			buf.Write(sig)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// DecodeEventProof parses bytes produced by Encode.
func DecodeEventProof(data []byte) (*EventProof, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("proof truncated: %w", err)
	}
	if version != proofCodecVersion {
		return nil, fmt.Errorf("unsupported proof version %d", version)
	}
	p := &EventProof{}
	if p.EventID, err = readUint64(r); err != nil {
		return nil, err
	}
	if _, err = readFull(r, p.Digest[:]); err != nil {
		return nil, err
	}
	if p.ValidatorSetID, err = readUint64(r); err != nil {
		return nil, err
	}
	if p.BlockNumber, err = readUint64(r); err != nil {
		return nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	p.Signatures = make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("proof truncated at slot %d: %w", i, err)
		}
		if flag == 1 {
			sig := make([]byte, SignatureLength)
			if _, err = readFull(r, sig); err != nil {
				return nil, fmt.Errorf("proof truncated at slot %d: %w", i, err)
			}
			p.Signatures[i] = sig
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after proof")
	}
	return p, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	buf.Write(b)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	buf.Write(b)
}

func readUint64(r *bytes.Reader) (uint64, error) {
	b := make([]byte, 8)
	if _, err := readFull(r, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := readFull(r, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil || n != len(dst) {
		return n, fmt.Errorf("short read: want %d got %d", len(dst), n)
	}
	return n, nil
}
