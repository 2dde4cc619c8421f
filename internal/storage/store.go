package storage

import (
	"sync"

	"bridge/internal/types"
)

// Store is the durable round/proof log. Lookups return (nil, nil) when the
// key is absent; errors are reserved for I/O failures.
type Store interface {
	// Generic key-value operations
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error

	SaveRound(r *types.Round) error
	GetRound(eventID uint64) (*types.Round, error)
	ListRounds() ([]*types.Round, error)

	SaveProof(p *types.EventProof) error
	GetProof(eventID uint64) (*types.EventProof, error)
	ListProofs() ([]*types.EventProof, error)

	// Close closes the storage and releases resources
	Close() error
}

// InMemory is a simple in-memory store for tests and wiring.
type InMemory struct {
	mu      sync.RWMutex
	kvStore map[string][]byte
	rounds  map[uint64][]byte
	proofs  map[uint64][]byte

	// FailWrites makes every write return an error, for persistence
	// failure tests.
	FailWrites bool
}

func NewInMemory() *InMemory {
	return &InMemory{
		kvStore: map[string][]byte{},
		rounds:  map[uint64][]byte{},
		proofs:  map[uint64][]byte{},
	}
}

func (s *InMemory) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.kvStore[string(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *InMemory) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errWriteFailed
	}
	val := make([]byte, len(value))
	copy(val, value)
	s.kvStore[string(key)] = val
	return nil
}

func (s *InMemory) SaveRound(r *types.Round) error {
	b, err := encodeRound(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errWriteFailed
	}
	s.rounds[r.EventID] = b
	return nil
}

func (s *InMemory) GetRound(eventID uint64) (*types.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.rounds[eventID]
	if !ok {
		return nil, nil
	}
	return decodeRound(b)
}

func (s *InMemory) ListRounds() ([]*types.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Round, 0, len(s.rounds))
	for _, b := range s.rounds {
		r, err := decodeRound(b)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *InMemory) SaveProof(p *types.EventProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errWriteFailed
	}
	s.proofs[p.EventID] = p.Encode()
	return nil
}

func (s *InMemory) GetProof(eventID uint64) (*types.EventProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.proofs[eventID]
	if !ok {
		return nil, nil
	}
	return types.DecodeEventProof(b)
}

func (s *InMemory) ListProofs() ([]*types.EventProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.EventProof, 0, len(s.proofs))
	for _, b := range s.proofs {
		p, err := types.DecodeEventProof(b)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *InMemory) Close() error { return nil }
