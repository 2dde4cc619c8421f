package chain

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bridge/internal/ethy"
	"bridge/internal/logging"
	"bridge/internal/types"
)

// feedLine is one JSON-encoded finality notification from the chain feed.
type feedLine struct {
	BlockNumber uint64         `json:"block_number"`
	Requests    []feedRequest  `json:"requests"`
	SetChange   *feedSetChange `json:"set_change"`
}

type feedRequest struct {
	EventID uint64 `json:"event_id"`
	Digest  string `json:"digest"`
	Kind    string `json:"kind"`
}

type feedSetChange struct {
	EventID    uint64   `json:"event_id"`
	SetID      uint64   `json:"set_id"`
	Validators []string `json:"validators"`
}

// Feed tails a stream of finality notifications (file or named pipe), one
// JSON object per line, and forwards them to the worker.
type Feed struct {
	path         string
	pollInterval time.Duration
	worker       *ethy.Worker
	logger       logging.Logger
}

func NewFeed(path string, pollInterval time.Duration, worker *ethy.Worker, logger logging.Logger) *Feed {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	return &Feed{path: path, pollInterval: pollInterval, worker: worker, logger: logger}
}

// Run tails the feed until ctx is cancelled. EOF means the writer has not
// appended yet, so the reader polls rather than exiting.
func (f *Feed) Run(ctx context.Context) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open finality feed: %w", err)
	}
	defer file.Close()

	f.logger.Infof("following finality feed at %s", f.path)
	reader := bufio.NewReader(file)
	var partial []byte
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			if partial != nil {
				line = append(partial, line...)
				partial = nil
			}
			f.handleLine(ctx, line)
			continue
		}
		if err == io.EOF {
			// Keep any incomplete tail until the writer finishes the line.
			if len(line) > 0 {
				partial = append(partial, line...)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.pollInterval):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read finality feed: %w", err)
		}
	}
}

func (f *Feed) handleLine(ctx context.Context, line []byte) {
	n, err := parseLine(line)
	if err != nil {
		f.logger.Warnf("skipping malformed feed line: %v", err)
		return
	}
	if err := f.worker.SubmitFinality(ctx, *n); err != nil {
		f.logger.Warnf("submitting finality for block %d: %v", n.BlockNumber, err)
	}
}

func parseLine(line []byte) (*ethy.FinalityNotification, error) {
	var fl feedLine
	if err := json.Unmarshal(line, &fl); err != nil {
		return nil, err
	}

	n := &ethy.FinalityNotification{BlockNumber: fl.BlockNumber}
	for _, r := range fl.Requests {
		req := types.ProofRequest{EventID: r.EventID, CreatedAtBlock: fl.BlockNumber}
		digest, err := hex.DecodeString(r.Digest)
		if err != nil || len(digest) != 32 {
			return nil, fmt.Errorf("event %d: bad digest %q", r.EventID, r.Digest)
		}
		copy(req.Digest[:], digest)
		switch r.Kind {
		case "", "withdrawal":
			req.Kind = types.KindWithdrawal
		case "validator_set_change":
			req.Kind = types.KindValidatorSetChange
		default:
			return nil, fmt.Errorf("event %d: unknown kind %q", r.EventID, r.Kind)
		}
		n.Requests = append(n.Requests, req)
	}

	if fl.SetChange != nil {
		set := types.ValidatorSet{ID: fl.SetChange.SetID}
		for _, a := range fl.SetChange.Validators {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("set change %d: bad validator %q", fl.SetChange.EventID, a)
			}
			set.Validators = append(set.Validators, common.HexToAddress(a))
		}
		if err := set.Validate(); err != nil {
			return nil, fmt.Errorf("set change %d: %w", fl.SetChange.EventID, err)
		}
		n.SetChange = &ethy.SetChangeNotice{EventID: fl.SetChange.EventID, NewSet: set}
	}
	return n, nil
}
