package escrow

import (
	"errors"
	"fmt"

	"supipay/ledger"
	"supipay/swap"
)

// Kind classifies an orchestration failure by the phase that produced it, so
// callers can map it to retry guidance and transport status codes.
type Kind string

const (
	// KindValidation covers malformed or refused input; nothing touched the
	// network.
	KindValidation Kind = "validation"
	// KindResolution covers asset or address lookup failures.
	KindResolution Kind = "resolution"
	// KindSimulation covers contract calls the node refused pre-flight; no fee
	// was spent.
	KindSimulation Kind = "simulation"
	// KindSubmission covers network rejections and terminal on-chain failures.
	KindSubmission Kind = "submission"
	// KindFinalityTimeout covers an exhausted polling budget. The outcome is
	// unknown; callers must re-query, never resubmit.
	KindFinalityTimeout Kind = "finality_timeout"
	// KindSwapUnavailable covers missing conversion paths.
	KindSwapUnavailable Kind = "swap_unavailable"
	// KindMetadata covers off-chain record failures.
	KindMetadata Kind = "metadata"
)

// Error is the orchestrator's structured failure. Hash is set when a
// transaction reached the network before the failure.
type Error struct {
	Kind Kind
	Step string
	Hash string
	Err  error
}

func (e *Error) Error() string {
	if e.Hash != "" {
		return fmt.Sprintf("escrow %s: %s (%s): %v", e.Step, e.Kind, e.Hash, e.Err)
	}
	return fmt.Sprintf("escrow %s: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failure(kind Kind, step string, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}

// classify maps lifecycle sentinels onto the failure taxonomy. Anything
// unrecognised is treated as a submission failure, the conservative default.
func classify(step string, err error) *Error {
	kind := KindSubmission
	switch {
	case errors.Is(err, ledger.ErrSimulationFailed):
		kind = KindSimulation
	case errors.Is(err, ledger.ErrFinalityTimeout):
		kind = KindFinalityTimeout
	case errors.Is(err, ledger.ErrAccountNotFound):
		kind = KindResolution
	case errors.Is(err, swap.ErrNoPath):
		kind = KindSwapUnavailable
	}
	return failure(kind, step, err)
}

// KindOf extracts the failure kind from an error chain, defaulting to
// submission for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSubmission
}
