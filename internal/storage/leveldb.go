package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"bridge/internal/types"
)

var errWriteFailed = errors.New("storage write failed")

// LevelDBStore persists rounds and proofs keyed by event id. Rounds are JSON
// blobs; proofs are stored in their canonical binary encoding so a reload
// serves byte-identical artifacts.
type LevelDBStore struct{ db *leveldb.DB }

func NewLevelDB(path string) (*LevelDBStore, error) {
	p := filepath.Clean(path)
	db, err := leveldb.OpenFile(p, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

func keyRound(eventID uint64) []byte { return []byte(fmt.Sprintf("rnd:%020d", eventID)) }
func keyProof(eventID uint64) []byte { return []byte(fmt.Sprintf("prf:%020d", eventID)) }

func (s *LevelDBStore) Get(key []byte) ([]byte, error) {
	b, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return b, err
}

func (s *LevelDBStore) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *LevelDBStore) SaveRound(r *types.Round) error {
	b, err := encodeRound(r)
	if err != nil {
		return err
	}
	return s.db.Put(keyRound(r.EventID), b, nil)
}

func (s *LevelDBStore) GetRound(eventID uint64) (*types.Round, error) {
	b, err := s.db.Get(keyRound(eventID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRound(b)
}

func (s *LevelDBStore) ListRounds() ([]*types.Round, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("rnd:")), nil)
	defer it.Release()
	var out []*types.Round
	for it.Next() {
		r, err := decodeRound(it.Value())
		if err != nil {
			continue
		}
		// prefix iteration is ordered by the zero-padded event id
		out = append(out, r)
	}
	return out, it.Error()
}

func (s *LevelDBStore) SaveProof(p *types.EventProof) error {
	return s.db.Put(keyProof(p.EventID), p.Encode(), nil)
}

func (s *LevelDBStore) GetProof(eventID uint64) (*types.EventProof, error) {
	b, err := s.db.Get(keyProof(eventID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeEventProof(b)
}

func (s *LevelDBStore) ListProofs() ([]*types.EventProof, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("prf:")), nil)
	defer it.Release()
	var out []*types.EventProof
	for it.Next() {
		p, err := types.DecodeEventProof(it.Value())
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, it.Error()
}

func encodeRound(r *types.Round) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRound(b []byte) (*types.Round, error) {
	var r types.Round
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
