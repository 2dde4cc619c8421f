package ethy

import "errors"

var (
	// Local/recoverable: handled internally, never propagated to callers.
	ErrNotAuthority     = errors.New("local key is not in the active validator set")
	ErrInvalidSignature = errors.New("witness signature does not recover to a set member")
	ErrUnknownEvent     = errors.New("witness references an unknown event id")

	// Structural: surfaced through status values and observability.
	ErrRoundExpired        = errors.New("round expired before reaching threshold")
	ErrValidatorSetStalled = errors.New("validator set change round failed to reach threshold")
	ErrPersistenceFailure  = errors.New("durable write failed")
	ErrBridgeFrozen        = errors.New("bridge is frozen pending a validator set change")
)
