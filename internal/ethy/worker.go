package ethy

import (
	"context"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"bridge/internal/crypto"
	"bridge/internal/logging"
	"bridge/internal/storage"
	"bridge/internal/types"
)

// SetChangeNotice announces the next validator set enacted at an era
// boundary. The runtime assigns the event id of the round that must
// authorize the handover.
type SetChangeNotice struct {
	EventID uint64
	NewSet  types.ValidatorSet
}

// FinalityNotification carries everything the gadget consumes from one
// finalized block: new proof requests and an optional set change.
type FinalityNotification struct {
	BlockNumber uint64
	Requests    []types.ProofRequest
	SetChange   *SetChangeNotice
}

// Broadcaster sends witnesses to peers.
type Broadcaster interface {
	BroadcastWitness(w *types.Witness) error
}

// Config tunes round lifecycle and anti-stall behavior. Horizons are block
// height deltas, not wall clock, so expiry is deterministic relative to
// chain state.
type Config struct {
	ExpiryHorizonBlocks    uint64
	SetChangeHorizonBlocks uint64
	ProofRetentionBlocks   uint64
	RebroadcastInterval    time.Duration
	RebroadcastJitter      time.Duration
	UnknownEventBuffer     int
	PersistAttempts        int
	PersistBackoff         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ExpiryHorizonBlocks == 0 {
		c.ExpiryHorizonBlocks = 100
	}
	if c.SetChangeHorizonBlocks == 0 {
		c.SetChangeHorizonBlocks = c.ExpiryHorizonBlocks
	}
	if c.ProofRetentionBlocks == 0 {
		c.ProofRetentionBlocks = 1000
	}
	if c.RebroadcastInterval == 0 {
		c.RebroadcastInterval = 30 * time.Second
	}
	if c.RebroadcastJitter == 0 {
		c.RebroadcastJitter = 10 * time.Second
	}
	if c.UnknownEventBuffer == 0 {
		c.UnknownEventBuffer = 256
	}
	if c.PersistAttempts == 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff == 0 {
		c.PersistBackoff = 50 * time.Millisecond
	}
	return c
}

// Worker plays the bridge witnessing protocol.
//
// It is the single owner of the round table. Finality notifications, inbound
// gossip and the sweep timer all funnel into it through channels; RPC
// readers share the table under the mutex. Signing and signature recovery
// happen outside the lock.
type Worker struct {
	mu sync.Mutex

	cfg         Config
	signer      crypto.Signer // nil when running as a non-validator observer
	store       storage.Store
	broadcaster Broadcaster
	sets        *SetManager
	record      *WitnessRecord
	rounds      map[uint64]*types.Round
	proofs      map[uint64]*types.EventProof

	// Ordinary requests held while a set change is in flight, and
	// invalidated rounds awaiting reissue under the new set.
	held    []types.ProofRequest
	reissue []types.ProofRequest

	// Witnesses that arrived before their proof request, bounded.
	earlyWitnesses *lru.Cache[uint64, []types.Witness]

	bestBlock uint64
	broken    bool // persistence outage; bridge role stopped

	logger  logging.Logger
	metrics *Metrics

	finalityCh  chan FinalityNotification
	witnessCh   chan *types.Witness
	subscribers []chan *types.EventProof
}

func NewWorker(cfg Config, signer crypto.Signer, store storage.Store, broadcaster Broadcaster, sets *SetManager, logger logging.Logger, metrics *Metrics) (*Worker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	early, err := lru.New[uint64, []types.Witness](cfg.UnknownEventBuffer)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:            cfg,
		signer:         signer,
		store:          store,
		broadcaster:    broadcaster,
		sets:           sets,
		record:         NewWitnessRecord(),
		rounds:         make(map[uint64]*types.Round),
		proofs:         make(map[uint64]*types.EventProof),
		earlyWitnesses: early,
		logger:         logger,
		metrics:        metrics,
		finalityCh:     make(chan FinalityNotification, 16),
		witnessCh:      make(chan *types.Witness, 256),
	}
	if active := sets.Active(); active != nil && metrics != nil {
		metrics.ValidatorSetID.Set(float64(active.ID))
	}
	return w, nil
}

// SetBroadcaster wires the gossip layer in after construction. The delegate
// needs the worker's witness intake first, so the two are tied together in
// two steps.
func (w *Worker) SetBroadcaster(b Broadcaster) {
	w.mu.Lock()
	w.broadcaster = b
	w.mu.Unlock()
}

// LoadFromStore resumes state after a restart: pending rounds go back to
// collecting, completed proofs are served without re-deriving them.
func (w *Worker) LoadFromStore() error {
	rounds, err := w.store.ListRounds()
	if err != nil {
		return err
	}
	proofs, err := w.store.ListProofs()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	pending := 0
	for _, r := range rounds {
		w.rounds[r.EventID] = r
		if r.CreatedAtBlock > w.bestBlock {
			w.bestBlock = r.CreatedAtBlock
		}
		if r.Status == types.RoundPending {
			pending++
			for i := range r.Witnesses {
				w.record.Note(&r.Witnesses[i])
			}
		}
	}
	for _, p := range proofs {
		w.proofs[p.EventID] = p
	}
	if w.metrics != nil {
		w.metrics.PendingRounds.Set(float64(pending))
	}
	w.logger.Infof("reloaded bridge state: %d rounds (%d pending), %d proofs", len(rounds), pending, len(proofs))
	return nil
}

// Run drives the worker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(w.nextSweepIn())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-w.finalityCh:
			w.ProcessFinality(n)
		case wit := <-w.witnessCh:
			w.ProcessWitness(wit)
		case <-timer.C:
			w.Sweep()
			timer.Reset(w.nextSweepIn())
		}
	}
}

// nextSweepIn jitters the rebroadcast interval per node so the cluster does
// not gossip in lockstep.
func (w *Worker) nextSweepIn() time.Duration {
	return w.cfg.RebroadcastInterval + time.Duration(rand.Int63n(int64(w.cfg.RebroadcastJitter)))
}

// SubmitFinality feeds a finality notification into the worker loop.
func (w *Worker) SubmitFinality(ctx context.Context, n FinalityNotification) error {
	select {
	case w.finalityCh <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueWitness hands an inbound gossip witness to the worker. Called from
// the gossip delegate's goroutine; must not block.
func (w *Worker) EnqueueWitness(wit *types.Witness) {
	select {
	case w.witnessCh <- wit:
	default:
		w.logger.Warnf("witness channel full, dropping witness for event %d", wit.EventID)
	}
}

// Subscribe returns a channel receiving each newly finalized proof.
func (w *Worker) Subscribe() <-chan *types.EventProof {
	ch := make(chan *types.EventProof, 16)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()
	return ch
}

// ProcessFinality handles one finalized block: registers new rounds, signs
// our witnesses, and reacts to validator set changes.
func (w *Worker) ProcessFinality(n FinalityNotification) {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	if n.BlockNumber > w.bestBlock {
		w.bestBlock = n.BlockNumber
	}

	var toStart []types.ProofRequest
	if n.SetChange != nil {
		toStart = append(toStart, w.beginSetChangeLocked(n))
	}
	for _, req := range n.Requests {
		if req.Kind != types.KindValidatorSetChange && w.sets.Frozen() {
			w.logger.Warnf("holding proof request %d: %v", req.EventID, ErrBridgeFrozen)
			w.held = append(w.held, req)
			continue
		}
		toStart = append(toStart, req)
	}

	signReqs, replays := w.startRoundsLocked(toStart)
	w.mu.Unlock()

	w.signAndReplay(signReqs, replays)
}

// beginSetChangeLocked registers the incoming set, invalidates in-flight
// ordinary rounds (they bound to the outgoing set), and returns the special
// proof request the outgoing set must sign.
func (w *Worker) beginSetChangeLocked(n FinalityNotification) types.ProofRequest {
	notice := n.SetChange
	w.logger.Infof("validator set change announced: set %d (%d members), authorizing event %d",
		notice.NewSet.ID, len(notice.NewSet.Validators), notice.EventID)

	for _, r := range w.rounds {
		if r.Status != types.RoundPending || r.Kind == types.KindValidatorSetChange {
			continue
		}
		r.Status = types.RoundInvalidated
		w.record.Clear(r.EventID)
		w.persistRoundLocked(r)
		w.reissue = append(w.reissue, types.ProofRequest{
			EventID:        r.EventID,
			Digest:         r.Digest,
			Kind:           r.Kind,
			CreatedAtBlock: n.BlockNumber,
		})
		if w.metrics != nil {
			w.metrics.RoundsInvalidated.Inc()
			w.metrics.PendingRounds.Dec()
		}
	}

	w.sets.BeginChange(notice.EventID, &notice.NewSet)
	return types.ProofRequest{
		EventID:        notice.EventID,
		Digest:         SetDigest(&notice.NewSet),
		Kind:           types.KindValidatorSetChange,
		CreatedAtBlock: n.BlockNumber,
	}
}

// startRoundsLocked opens rounds for the given requests and returns the
// requests we should sign plus any buffered witnesses to replay.
func (w *Worker) startRoundsLocked(reqs []types.ProofRequest) (signReqs []types.ProofRequest, replays []types.Witness) {
	for _, req := range reqs {
		if existing, ok := w.rounds[req.EventID]; ok && existing.Status != types.RoundInvalidated {
			continue
		}
		if _, ok := w.proofs[req.EventID]; ok {
			continue
		}
		set := w.sets.Active()
		if set == nil {
			w.logger.Warnf("no active validator set, cannot open round for event %d", req.EventID)
			continue
		}
		r := &types.Round{
			EventID:        req.EventID,
			Digest:         req.Digest,
			Kind:           req.Kind,
			ValidatorSetID: set.ID,
			CreatedAtBlock: req.CreatedAtBlock,
			Status:         types.RoundPending,
		}
		w.rounds[req.EventID] = r
		w.persistRoundLocked(r)
		if w.metrics != nil {
			w.metrics.RoundsStarted.Inc()
			w.metrics.PendingRounds.Inc()
		}
		w.logger.Debugf("round opened: event %d kind %s set %d block %d",
			req.EventID, req.Kind, set.ID, req.CreatedAtBlock)

		if buffered, ok := w.earlyWitnesses.Get(req.EventID); ok {
			replays = append(replays, buffered...)
			w.earlyWitnesses.Remove(req.EventID)
		}
		if w.signer != nil {
			if set.Contains(w.signer.Address()) {
				signReqs = append(signReqs, req)
			} else {
				w.logger.Debugf("not signing event %d: %v", req.EventID, ErrNotAuthority)
			}
		}
	}
	return signReqs, replays
}

// signAndReplay runs outside the lock: produces and broadcasts our own
// witnesses, then replays buffered ones through normal validation.
func (w *Worker) signAndReplay(signReqs []types.ProofRequest, replays []types.Witness) {
	for _, req := range signReqs {
		digest := crypto.SigningDigest(req.Digest, req.EventID)
		sig, err := w.signer.Sign(digest)
		if err != nil {
			w.logger.Errorf("signing witness for event %d: %v", req.EventID, err)
			continue
		}
		wit := &types.Witness{
			EventID:   req.EventID,
			Digest:    req.Digest,
			Signer:    w.signer.Address(),
			Signature: sig,
		}
		w.ProcessWitness(wit)
		if w.broadcaster != nil {
			if err := w.broadcaster.BroadcastWitness(wit); err != nil {
				w.logger.Warnf("broadcasting witness for event %d: %v", req.EventID, err)
			}
		}
		if w.metrics != nil {
			w.metrics.WitnessesSent.Inc()
		}
	}
	for i := range replays {
		w.ProcessWitness(&replays[i])
	}
}

// ProcessWitness validates and records one witness. Invalid witnesses are
// dropped with a log record; duplicates are no-ops; witnesses for completed
// rounds are accepted but ignored.
func (w *Worker) ProcessWitness(wit *types.Witness) {
	// Signature recovery happens before taking the table lock.
	recovered, err := crypto.RecoverSigner(crypto.SigningDigest(wit.Digest, wit.EventID), wit.Signature)
	if err != nil || recovered != wit.Signer {
		w.logger.Debugf("dropping witness for event %d from %s: %v", wit.EventID, wit.Signer.Hex(), ErrInvalidSignature)
		if w.metrics != nil {
			w.metrics.WitnessesInvalid.Inc()
		}
		return
	}

	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	released := w.noteWitnessLocked(wit)
	var signReqs []types.ProofRequest
	var replays []types.Witness
	if len(released) > 0 {
		signReqs, replays = w.startRoundsLocked(released)
	}
	w.mu.Unlock()

	if len(signReqs) > 0 || len(replays) > 0 {
		w.signAndReplay(signReqs, replays)
	}
}

func (w *Worker) noteWitnessLocked(wit *types.Witness) []types.ProofRequest {
	r, ok := w.rounds[wit.EventID]
	if !ok {
		if _, done := w.proofs[wit.EventID]; done {
			return nil
		}
		w.bufferEarlyLocked(wit)
		return nil
	}

	switch r.Status {
	case types.RoundComplete:
		// Late witnesses are expected under at-least-once gossip.
		return nil
	case types.RoundExpired, types.RoundInvalidated:
		return nil
	}

	set, ok := w.sets.Get(r.ValidatorSetID)
	if !ok {
		w.logger.Warnf("round %d references unknown validator set %d", r.EventID, r.ValidatorSetID)
		return nil
	}
	if !set.Contains(wit.Signer) {
		w.logger.Debugf("dropping witness for event %d: signer %s not in set %d", wit.EventID, wit.Signer.Hex(), set.ID)
		if w.metrics != nil {
			w.metrics.WitnessesInvalid.Inc()
		}
		return nil
	}

	if !w.record.Note(wit) {
		return nil
	}
	if wit.Digest == r.Digest {
		r.Witnesses = append(r.Witnesses, *wit)
		w.persistRoundLocked(r)
		return w.tryFinalizeLocked(r, set)
	}
	// Witness for a conflicting digest: tracked for diagnostics, never
	// counted toward the round's threshold.
	w.logger.Warnf("witness for event %d carries conflicting digest from %s", wit.EventID, wit.Signer.Hex())
	return nil
}

func (w *Worker) bufferEarlyLocked(wit *types.Witness) {
	buffered, _ := w.earlyWitnesses.Get(wit.EventID)
	for i := range buffered {
		if buffered[i].Signer == wit.Signer {
			return
		}
	}
	w.earlyWitnesses.Add(wit.EventID, append(buffered, *wit))
	if w.metrics != nil {
		w.metrics.WitnessesBuffered.Inc()
	}
	w.logger.Debugf("buffered witness for event %d: %v", wit.EventID, ErrUnknownEvent)
}

// tryFinalizeLocked concludes the round once threshold support exists for
// its digest. The proof is written durably before the round becomes visible
// as Complete. Returns requests released by a completed set change.
func (w *Worker) tryFinalizeLocked(r *types.Round, set *types.ValidatorSet) []types.ProofRequest {
	threshold := set.Threshold()
	if !w.record.HasConsensus(r.EventID, r.Digest, threshold) {
		return nil
	}

	proof := BuildEventProof(r, set)
	if err := w.persistProofLocked(proof); err != nil {
		// Durability precedes visibility: without the write the round
		// stays Pending and this node stops producing proofs.
		w.broken = true
		w.logger.Errorf("%v: stopping bridge participation (event %d): %v", ErrPersistenceFailure, r.EventID, err)
		return nil
	}

	r.Status = types.RoundComplete
	r.CompletedAtBlock = w.bestBlock
	w.persistRoundLocked(r)
	w.proofs[r.EventID] = proof
	if w.metrics != nil {
		w.metrics.RoundConcluded.Set(float64(r.EventID))
		w.metrics.PendingRounds.Dec()
	}
	w.logger.Infof("round %d concluded with %d/%d signatures", r.EventID, proof.NumSignatures(), len(set.Validators))
	w.notifyLocked(proof)

	if r.Kind == types.KindValidatorSetChange && w.sets.CompleteChange(r.EventID) {
		active := w.sets.Active()
		w.logger.Infof("validator set %d enacted", active.ID)
		if w.metrics != nil {
			w.metrics.ValidatorSetID.Set(float64(active.ID))
			w.metrics.BridgeStalled.Set(0)
		}
		released := append(w.reissue, w.held...)
		w.reissue = nil
		w.held = nil
		return released
	}
	return nil
}

func (w *Worker) notifyLocked(proof *types.EventProof) {
	for _, ch := range w.subscribers {
		select {
		case ch <- proof:
		default:
		}
	}
}

// Sweep performs the periodic expiry check, rebroadcast, and retention
// pruning. Expiry is a cooperative check: rounds leave Pending only here or
// on finalize, never by preemption.
func (w *Worker) Sweep() {
	w.mu.Lock()
	var rebroadcast []types.Witness
	for _, r := range w.rounds {
		switch r.Status {
		case types.RoundPending:
			horizon := w.cfg.ExpiryHorizonBlocks
			if r.Kind == types.KindValidatorSetChange {
				horizon = w.cfg.SetChangeHorizonBlocks
			}
			if w.bestBlock > r.CreatedAtBlock+horizon {
				w.expireRoundLocked(r)
				continue
			}
			rebroadcast = append(rebroadcast, w.record.Witnesses(r.EventID, r.Digest)...)
		case types.RoundComplete:
			if w.cfg.ProofRetentionBlocks > 0 && w.bestBlock > r.CompletedAtBlock+w.cfg.ProofRetentionBlocks {
				// In-memory state only; the durable log keeps the
				// round and proof for the audit trail.
				w.record.Clear(r.EventID)
				delete(w.rounds, r.EventID)
				delete(w.proofs, r.EventID)
			}
		}
	}
	w.mu.Unlock()

	if w.broadcaster != nil {
		for i := range rebroadcast {
			if err := w.broadcaster.BroadcastWitness(&rebroadcast[i]); err != nil {
				w.logger.Warnf("rebroadcast for event %d: %v", rebroadcast[i].EventID, err)
			}
		}
	}
}

func (w *Worker) expireRoundLocked(r *types.Round) {
	r.Status = types.RoundExpired
	w.persistRoundLocked(r)
	if w.metrics != nil {
		w.metrics.RoundsExpired.Inc()
		w.metrics.PendingRounds.Dec()
	}
	if r.Kind == types.KindValidatorSetChange && w.sets.FailChange(r.EventID) {
		if w.metrics != nil {
			w.metrics.BridgeStalled.Set(1)
		}
		w.logger.Errorf("%v: event %d expired at block %d; ordinary proofs remain frozen until resolved",
			ErrValidatorSetStalled, r.EventID, w.bestBlock)
		return
	}
	w.logger.Warnf("%v: event %d (created block %d, now %d)", ErrRoundExpired, r.EventID, r.CreatedAtBlock, w.bestBlock)
}

func (w *Worker) persistRoundLocked(r *types.Round) {
	if err := w.store.SaveRound(r); err != nil {
		w.logger.Errorf("persisting round %d: %v", r.EventID, err)
	}
}

func (w *Worker) persistProofLocked(p *types.EventProof) error {
	var err error
	backoff := w.cfg.PersistBackoff
	for attempt := 0; attempt < w.cfg.PersistAttempts; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.PersistRetries.Inc()
			}
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = w.store.SaveProof(p); err == nil {
			return nil
		}
	}
	return err
}

// GetProof returns the finalized proof for an event, or nil if none exists.
// Serves from memory first, then the durable log (pruned rounds).
func (w *Worker) GetProof(eventID uint64) (*types.EventProof, error) {
	w.mu.Lock()
	p, ok := w.proofs[eventID]
	w.mu.Unlock()
	if ok {
		return p, nil
	}
	return w.store.GetProof(eventID)
}

// GetRoundStatus returns the status of a round and whether it is known.
func (w *Worker) GetRoundStatus(eventID uint64) (types.RoundStatus, bool, error) {
	w.mu.Lock()
	r, ok := w.rounds[eventID]
	w.mu.Unlock()
	if ok {
		return r.Status, true, nil
	}
	stored, err := w.store.GetRound(eventID)
	if err != nil {
		return 0, false, err
	}
	if stored == nil {
		return 0, false, nil
	}
	return stored.Status, true, nil
}

// Stalled reports whether the bridge refuses ordinary proofs because a set
// change round failed.
func (w *Worker) Stalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sets.Stalled()
}
