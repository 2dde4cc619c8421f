package ethy

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge/internal/crypto"
	"bridge/internal/storage"
	"bridge/internal/types"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	sent []types.Witness
}

func (c *captureBroadcaster) BroadcastWitness(w *types.Witness) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, *w)
	return nil
}

func (c *captureBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fixture struct {
	signers []*crypto.ECDSASigner
	set     *types.ValidatorSet
	store   *storage.InMemory
	sent    *captureBroadcaster
	worker  *Worker
}

// newFixture builds an observer worker (no local key) over a fresh set of n
// generated validators, so tests control exactly which witnesses arrive.
func newFixture(t *testing.T, n int, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewInMemory(), sent: &captureBroadcaster{}}
	f.set = &types.ValidatorSet{ID: 0}
	for i := 0; i < n; i++ {
		s, err := crypto.GenerateECDSAKey()
		require.NoError(t, err)
		f.signers = append(f.signers, s)
		f.set.Validators = append(f.set.Validators, s.Address())
	}

	w, err := NewWorker(cfg, nil, f.store, f.sent, NewSetManager(f.set), nil, NewMetrics())
	require.NoError(t, err)
	f.worker = w
	return f
}

func (f *fixture) witness(t *testing.T, signerIdx int, eventID uint64, digest [32]byte) *types.Witness {
	t.Helper()
	s := f.signers[signerIdx]
	sig, err := s.Sign(crypto.SigningDigest(digest, eventID))
	require.NoError(t, err)
	return &types.Witness{EventID: eventID, Digest: digest, Signer: s.Address(), Signature: sig}
}

func (f *fixture) finality(block uint64, reqs ...types.ProofRequest) FinalityNotification {
	return FinalityNotification{BlockNumber: block, Requests: reqs}
}

func request(eventID uint64, digest [32]byte, block uint64) types.ProofRequest {
	return types.ProofRequest{EventID: eventID, Digest: digest, Kind: types.KindWithdrawal, CreatedAtBlock: block}
}

func requireStatus(t *testing.T, w *Worker, eventID uint64, want types.RoundStatus) {
	t.Helper()
	status, known, err := w.GetRoundStatus(eventID)
	require.NoError(t, err)
	require.True(t, known, "event %d unknown", eventID)
	require.Equal(t, want, status)
}

func TestRoundReachesThreshold(t *testing.T) {
	f := newFixture(t, 10, Config{})
	digest := [32]byte{0xaa}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	requireStatus(t, f.worker, 1, types.RoundPending)

	// Six of ten is below ceil(2N/3) = 7.
	for i := 0; i < 6; i++ {
		f.worker.ProcessWitness(f.witness(t, i, 1, digest))
	}
	requireStatus(t, f.worker, 1, types.RoundPending)
	proof, err := f.worker.GetProof(1)
	require.NoError(t, err)
	assert.Nil(t, proof)

	f.worker.ProcessWitness(f.witness(t, 6, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundComplete)

	proof, err = f.worker.GetProof(1)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, 7, proof.NumSignatures())
	assert.Len(t, proof.Signatures, 10)
	assert.Equal(t, uint64(0), proof.ValidatorSetID)

	// The proof was durably written before the round reported Complete.
	stored, err := f.store.GetProof(1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, proof.Encode(), stored.Encode())
}

func TestProofBytesIndependentOfArrivalOrder(t *testing.T) {
	digest := [32]byte{0xbb}

	a := newFixture(t, 4, Config{})
	// Same validator keys in a second worker.
	b := &fixture{signers: a.signers, set: a.set, store: storage.NewInMemory(), sent: &captureBroadcaster{}}
	w, err := NewWorker(Config{}, nil, b.store, b.sent, NewSetManager(a.set), nil, nil)
	require.NoError(t, err)
	b.worker = w

	a.worker.ProcessFinality(a.finality(1, request(1, digest, 1)))
	b.worker.ProcessFinality(b.finality(1, request(1, digest, 1)))

	for _, i := range []int{0, 1, 2} {
		a.worker.ProcessWitness(a.witness(t, i, 1, digest))
	}
	for _, i := range []int{2, 0, 1} {
		b.worker.ProcessWitness(b.witness(t, i, 1, digest))
	}

	pa, err := a.worker.GetProof(1)
	require.NoError(t, err)
	pb, err := b.worker.GetProof(1)
	require.NoError(t, err)
	require.NotNil(t, pa)
	require.NotNil(t, pb)
	assert.Equal(t, pa.Encode(), pb.Encode())
}

func TestInvalidWitnessesDropped(t *testing.T) {
	f := newFixture(t, 3, Config{})
	digest := [32]byte{0xcc}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))

	// Corrupted signature: recovery does not match the claimed signer.
	bad := f.witness(t, 0, 1, digest)
	bad.Signature[5] ^= 0xff
	f.worker.ProcessWitness(bad)

	// Valid signature from a key outside the set.
	outsider, err := crypto.GenerateECDSAKey()
	require.NoError(t, err)
	sig, err := outsider.Sign(crypto.SigningDigest(digest, 1))
	require.NoError(t, err)
	f.worker.ProcessWitness(&types.Witness{EventID: 1, Digest: digest, Signer: outsider.Address(), Signature: sig})

	// Witness signed for a different event id replayed against this one.
	replay := f.witness(t, 1, 2, digest)
	replay.EventID = 1
	f.worker.ProcessWitness(replay)

	requireStatus(t, f.worker, 1, types.RoundPending)

	// Threshold of 3 is 2: two honest witnesses still conclude the round.
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundComplete)

	proof, err := f.worker.GetProof(1)
	require.NoError(t, err)
	assert.Equal(t, 2, proof.NumSignatures())
}

func TestDuplicateDeliveryIdempotent(t *testing.T) {
	f := newFixture(t, 4, Config{})
	digest := [32]byte{0xdd}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))

	w0 := f.witness(t, 0, 1, digest)
	f.worker.ProcessWitness(w0)
	f.worker.ProcessWitness(w0)
	f.worker.ProcessWitness(w0)
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundPending)

	f.worker.ProcessWitness(f.witness(t, 2, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundComplete)

	proof, err := f.worker.GetProof(1)
	require.NoError(t, err)
	assert.Equal(t, 3, proof.NumSignatures())

	// Duplicate finality delivery does not reopen the round.
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	requireStatus(t, f.worker, 1, types.RoundComplete)
}

func TestEarlyWitnessBuffered(t *testing.T) {
	f := newFixture(t, 3, Config{})
	digest := [32]byte{0xee}

	// Witness arrives before the proof request is known locally.
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))
	_, known, err := f.worker.GetRoundStatus(1)
	require.NoError(t, err)
	assert.False(t, known)

	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	// The buffered witness was replayed; one more reaches threshold 2.
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundComplete)
}

func TestRestartResumesPendingRound(t *testing.T) {
	f := newFixture(t, 4, Config{})
	digest := [32]byte{0x11}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundPending)

	// Restart: fresh worker over the same store.
	w2, err := NewWorker(Config{}, nil, f.store, f.sent, NewSetManager(f.set), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w2.LoadFromStore())
	requireStatus(t, w2, 1, types.RoundPending)

	// Only the missing witness is needed after the restart.
	w2.ProcessWitness(f.witness(t, 2, 1, digest))
	requireStatus(t, w2, 1, types.RoundComplete)

	proof, err := w2.GetProof(1)
	require.NoError(t, err)
	assert.Equal(t, 3, proof.NumSignatures())
}

func TestRestartServesIdenticalProofBytes(t *testing.T) {
	f := newFixture(t, 3, Config{})
	digest := [32]byte{0x22}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundComplete)
	before, err := f.worker.GetProof(1)
	require.NoError(t, err)

	w2, err := NewWorker(Config{}, nil, f.store, f.sent, NewSetManager(f.set), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w2.LoadFromStore())
	after, err := w2.GetProof(1)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.Encode(), after.Encode())
}

func TestRoundExpires(t *testing.T) {
	f := newFixture(t, 3, Config{ExpiryHorizonBlocks: 10})
	digest := [32]byte{0x33}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))

	// Finality advances past the horizon without the round concluding.
	f.worker.ProcessFinality(f.finality(20))
	f.worker.Sweep()
	requireStatus(t, f.worker, 1, types.RoundExpired)

	// Late witnesses against an expired round are ignored.
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	f.worker.ProcessWitness(f.witness(t, 2, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundExpired)
	proof, err := f.worker.GetProof(1)
	require.NoError(t, err)
	assert.Nil(t, proof)
}

func TestSweepRebroadcastsPendingWitnesses(t *testing.T) {
	f := newFixture(t, 4, Config{ExpiryHorizonBlocks: 100})
	digest := [32]byte{0x44}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))

	before := f.sent.count()
	f.worker.Sweep()
	assert.Equal(t, before+2, f.sent.count())
}

func TestValidatorSetChange(t *testing.T) {
	f := newFixture(t, 3, Config{})
	oldDigest := [32]byte{0x55}

	// An ordinary round is in flight when the change lands.
	f.worker.ProcessFinality(f.finality(1, request(5, oldDigest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 5, oldDigest))

	// Incoming set with three fresh validators.
	newSet := types.ValidatorSet{ID: 1}
	var newSigners []*crypto.ECDSASigner
	for i := 0; i < 3; i++ {
		s, err := crypto.GenerateECDSAKey()
		require.NoError(t, err)
		newSigners = append(newSigners, s)
		newSet.Validators = append(newSet.Validators, s.Address())
	}

	newDigest := [32]byte{0x66}
	f.worker.ProcessFinality(FinalityNotification{
		BlockNumber: 10,
		Requests:    []types.ProofRequest{request(6, newDigest, 10)},
		SetChange:   &SetChangeNotice{EventID: 100, NewSet: newSet},
	})

	// In-flight ordinary round invalidated; new request held; the
	// set-change round collects under the outgoing set.
	requireStatus(t, f.worker, 5, types.RoundInvalidated)
	_, known, err := f.worker.GetRoundStatus(6)
	require.NoError(t, err)
	assert.False(t, known)
	requireStatus(t, f.worker, 100, types.RoundPending)

	// Outgoing validators sign the commitment to the incoming set.
	setDigest := SetDigest(&newSet)
	f.worker.ProcessWitness(f.witness(t, 0, 100, setDigest))
	f.worker.ProcessWitness(f.witness(t, 1, 100, setDigest))
	requireStatus(t, f.worker, 100, types.RoundComplete)

	proof, err := f.worker.GetProof(100)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, uint64(0), proof.ValidatorSetID, "handover proof is signed by the outgoing set")

	// Held and invalidated requests reopened under the new set.
	requireStatus(t, f.worker, 5, types.RoundPending)
	requireStatus(t, f.worker, 6, types.RoundPending)

	// Old-set witnesses no longer count; new-set witnesses conclude.
	f.worker.ProcessWitness(f.witness(t, 0, 6, newDigest))
	requireStatus(t, f.worker, 6, types.RoundPending)

	for i, s := range newSigners[:2] {
		sig, err := s.Sign(crypto.SigningDigest(newDigest, 6))
		require.NoError(t, err)
		f.worker.ProcessWitness(&types.Witness{EventID: 6, Digest: newDigest, Signer: s.Address(), Signature: sig})
		if i == 0 {
			requireStatus(t, f.worker, 6, types.RoundPending)
		}
	}
	requireStatus(t, f.worker, 6, types.RoundComplete)

	p6, err := f.worker.GetProof(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p6.ValidatorSetID)
}

func TestSetChangeExpiryStallsBridge(t *testing.T) {
	f := newFixture(t, 3, Config{SetChangeHorizonBlocks: 10})

	incoming := types.ValidatorSet{ID: 1}
	for i := 0; i < 3; i++ {
		s, err := crypto.GenerateECDSAKey()
		require.NoError(t, err)
		incoming.Validators = append(incoming.Validators, s.Address())
	}

	f.worker.ProcessFinality(FinalityNotification{
		BlockNumber: 1,
		SetChange:   &SetChangeNotice{EventID: 100, NewSet: incoming},
	})
	assert.False(t, f.worker.Stalled())

	f.worker.ProcessFinality(f.finality(20))
	f.worker.Sweep()
	requireStatus(t, f.worker, 100, types.RoundExpired)
	assert.True(t, f.worker.Stalled())

	// Ordinary intake stays frozen while stalled.
	f.worker.ProcessFinality(f.finality(21, request(7, [32]byte{0x77}, 21)))
	_, known, err := f.worker.GetRoundStatus(7)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestPersistenceFailureStopsParticipation(t *testing.T) {
	f := newFixture(t, 2, Config{PersistAttempts: 2, PersistBackoff: time.Millisecond})
	digest := [32]byte{0x88}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))

	f.store.FailWrites = true
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))

	// No durable proof, so the round never reports Complete.
	requireStatus(t, f.worker, 1, types.RoundPending)
	proof, err := f.worker.GetProof(1)
	require.NoError(t, err)
	assert.Nil(t, proof)

	// The node stops participating even after storage recovers; an
	// operator restart is required.
	f.store.FailWrites = false
	f.worker.ProcessFinality(f.finality(2, request(2, [32]byte{0x89}, 2)))
	_, known, err := f.worker.GetRoundStatus(2)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestRetentionPrunesMemoryNotStore(t *testing.T) {
	f := newFixture(t, 2, Config{ProofRetentionBlocks: 5, ExpiryHorizonBlocks: 1000})
	digest := [32]byte{0x99}
	f.worker.ProcessFinality(f.finality(1, request(1, digest, 1)))
	f.worker.ProcessWitness(f.witness(t, 0, 1, digest))
	f.worker.ProcessWitness(f.witness(t, 1, 1, digest))
	requireStatus(t, f.worker, 1, types.RoundComplete)
	before, err := f.worker.GetProof(1)
	require.NoError(t, err)

	f.worker.ProcessFinality(f.finality(100))
	f.worker.Sweep()

	// Served from the durable log after pruning.
	status, known, err := f.worker.GetRoundStatus(1)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, types.RoundComplete, status)
	after, err := f.worker.GetProof(1)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.Encode(), after.Encode())
}

func TestSigningWorkerWitnessesOwnRounds(t *testing.T) {
	signer, err := crypto.GenerateECDSAKey()
	require.NoError(t, err)
	vs := &types.ValidatorSet{ID: 0, Validators: []common.Address{signer.Address()}}

	store := storage.NewInMemory()
	sent := &captureBroadcaster{}
	w, err := NewWorker(Config{}, signer, store, sent, NewSetManager(vs), nil, nil)
	require.NoError(t, err)

	digest := [32]byte{0xab}
	w.ProcessFinality(FinalityNotification{BlockNumber: 1, Requests: []types.ProofRequest{request(1, digest, 1)}})

	// Single-validator set: our own witness reaches the threshold of 1.
	requireStatus(t, w, 1, types.RoundComplete)
	assert.Equal(t, 1, sent.count())

	proof, err := w.GetProof(1)
	require.NoError(t, err)
	assert.Equal(t, 1, proof.NumSignatures())
	assert.Equal(t, signer.Address(), vs.Validators[0])
}

func TestNonMemberSignerDoesNotSign(t *testing.T) {
	outsider, err := crypto.GenerateECDSAKey()
	require.NoError(t, err)
	member, err := crypto.GenerateECDSAKey()
	require.NoError(t, err)
	set := &types.ValidatorSet{ID: 0, Validators: []common.Address{member.Address()}}

	sent := &captureBroadcaster{}
	w, err := NewWorker(Config{}, outsider, storage.NewInMemory(), sent, NewSetManager(set), nil, nil)
	require.NoError(t, err)

	w.ProcessFinality(FinalityNotification{BlockNumber: 1, Requests: []types.ProofRequest{request(1, [32]byte{1}, 1)}})
	requireStatus(t, w, 1, types.RoundPending)
	assert.Equal(t, 0, sent.count())
}
