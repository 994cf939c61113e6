package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"supipay/crypto"
)

const (
	// MinFee is the network minimum fee for plain operations.
	MinFee uint64 = 100
	// ContractFee is the elevated fixed fee charged for contract
	// invocations, whose simulation and execution cost more.
	ContractFee uint64 = 100000

	// ShortTimeout bounds ordinary envelopes.
	ShortTimeout = 30 * time.Second
	// DeferredTimeout bounds sealed-payment envelopes, which are stored and
	// submitted far in the future. It equals the default OTP validity window.
	DeferredTimeout = 48 * time.Hour
)

// FeeClass selects fee and expiry for an envelope.
type FeeClass int

const (
	// FeePayment covers payments, trustline changes and path payments.
	FeePayment FeeClass = iota
	// FeeContract covers contract invocations.
	FeeContract
	// FeeDeferred covers long-lived sealed payment envelopes.
	FeeDeferred
)

var (
	// ErrFinalityTimeout means the polling budget was exhausted without a
	// terminal status. The transaction may still land; callers must re-query
	// rather than resubmit.
	ErrFinalityTimeout = errors.New("ledger: finality polling budget exhausted")
	// ErrTransactionFailed marks a terminal on-chain failure.
	ErrTransactionFailed = errors.New("ledger: transaction failed")
	// ErrInvalidTransition guards the envelope state machine.
	ErrInvalidTransition = errors.New("ledger: invalid envelope state transition")
)

// PollConfig bounds the busy-wait on transaction finality.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollConfig matches the protocol's 1s × 10 budget.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: time.Second, MaxAttempts: 10}
}

// Receipt is the terminal outcome of a driven envelope.
type Receipt struct {
	Hash   string
	Status TxStatus
}

// TxClient drives one envelope from intent to terminal status:
// Unsigned → Signed → [Simulated → Assembled → re-Signed] → Submitted →
// {Success, Failed, TimedOut}. The bracketed leg applies to contract calls
// only. Idempotency is the ledger's, via account sequence numbers.
type TxClient struct {
	client          Client
	poll            PollConfig
	deferredTimeout time.Duration
	log             *slog.Logger
	nowFn           func() time.Time
	sleepFn         func(ctx context.Context, d time.Duration) error
}

func NewTxClient(client Client, log *slog.Logger) *TxClient {
	if log == nil {
		log = slog.Default()
	}
	return &TxClient{
		client:          client,
		poll:            DefaultPollConfig(),
		deferredTimeout: DeferredTimeout,
		log:             log,
		nowFn:           time.Now,
		sleepFn:         sleepContext,
	}
}

// SetPollConfig overrides the finality polling budget.
func (t *TxClient) SetPollConfig(cfg PollConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	t.poll = cfg
}

// SetDeferredTimeout overrides the sealed-envelope validity window.
func (t *TxClient) SetDeferredTimeout(d time.Duration) {
	if d > 0 {
		t.deferredTimeout = d
	}
}

// SetNowFunc overrides the time source. Intended for tests.
func (t *TxClient) SetNowFunc(now func() time.Time) {
	if now != nil {
		t.nowFn = now
	}
}

// SetSleepFunc overrides the poll sleep. Intended for tests.
func (t *TxClient) SetSleepFunc(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep != nil {
		t.sleepFn = sleep
	}
}

// Build loads the source account for its sequence number and constructs an
// unsigned envelope with class-appropriate fee and expiry.
func (t *TxClient) Build(ctx context.Context, source crypto.Address, op Operation, class FeeClass) (*Envelope, error) {
	account, err := t.client.LoadAccount(ctx, source.String())
	if err != nil {
		return nil, err
	}
	return t.BuildFromAccount(account, op, class), nil
}

// BuildFromAccount constructs an unsigned envelope from an already-loaded
// (possibly stub) account.
func (t *TxClient) BuildFromAccount(account *Account, op Operation, class FeeClass) *Envelope {
	fee := MinFee
	timeout := ShortTimeout
	switch class {
	case FeeContract:
		fee = ContractFee
	case FeeDeferred:
		timeout = t.deferredTimeout
	}
	return &Envelope{
		Source:    account.Address,
		Sequence:  account.Sequence + 1,
		Fee:       fee,
		Expiry:    t.nowFn().Add(timeout).Unix(),
		Operation: op,
		State:     StateUnsigned,
	}
}

// Sign signs the envelope in place. Assembled envelopes are re-signed because
// the merged footprint changes the signing digest. The key never leaves
// memory and is never logged.
func (t *TxClient) Sign(env *Envelope, key *crypto.PrivateKey) error {
	if env.State != StateUnsigned && env.State != StateAssembled {
		return fmt.Errorf("%w: sign from state %d", ErrInvalidTransition, env.State)
	}
	sig, err := key.Sign(env.SigningDigest())
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	env.Signature = hex.EncodeToString(sig)
	env.State = StateSigned
	return nil
}

// Simulate runs a signed contract envelope through the node's simulator.
// A rejection aborts the lifecycle before anything is submitted, the primary
// guard against spending fees on calls that would fail.
func (t *TxClient) Simulate(ctx context.Context, env *Envelope) (*SimulationResult, error) {
	if env.State != StateSigned {
		return nil, fmt.Errorf("%w: simulate from state %d", ErrInvalidTransition, env.State)
	}
	if !env.Operation.IsContractCall() {
		return nil, fmt.Errorf("%w: simulate on non-contract operation", ErrInvalidTransition)
	}
	sim, err := t.client.SimulateTransaction(ctx, env)
	if err != nil {
		return nil, err
	}
	env.State = StateSimulated
	return sim, nil
}

// Assemble merges the simulated resource footprint into the envelope and
// clears the now-stale signature. Failure here indicates a structurally
// invalid call and is reported, not retried.
func (t *TxClient) Assemble(env *Envelope, sim *SimulationResult) error {
	if env.State != StateSimulated {
		return fmt.Errorf("%w: assemble from state %d", ErrInvalidTransition, env.State)
	}
	if sim == nil {
		return errors.New("ledger: assemble requires a simulation result")
	}
	env.Footprint = sim.Footprint
	env.Signature = ""
	env.State = StateAssembled
	return nil
}

// Submit hands a signed envelope to the node. Contract envelopes go through
// the asynchronous send endpoint and must be polled; plain envelopes use the
// synchronous submit endpoint and return terminal.
func (t *TxClient) Submit(ctx context.Context, env *Envelope) (*SubmitResult, error) {
	if env.State != StateSigned {
		return nil, fmt.Errorf("%w: submit from state %d", ErrInvalidTransition, env.State)
	}
	var (
		res *SubmitResult
		err error
	)
	if env.Operation.IsContractCall() {
		res, err = t.client.SendTransaction(ctx, env)
	} else {
		res, err = t.client.SubmitTransaction(ctx, env)
	}
	if err != nil {
		return nil, err
	}
	if res.Status == TxStatusError {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionRejected, res.Message)
	}
	env.State = StateSubmitted
	return res, nil
}

// PollUntilFinal queries a transaction until it reaches a terminal status.
// NOT_FOUND means "not yet included" and is retried within the budget;
// exhausting the budget is ErrFinalityTimeout, which the caller must treat as
// unknown, not failed.
func (t *TxClient) PollUntilFinal(ctx context.Context, hash string) (*TxRecord, error) {
	for attempt := 1; attempt <= t.poll.MaxAttempts; attempt++ {
		rec, err := t.client.GetTransaction(ctx, hash)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		t.log.Debug("transaction pending", "hash", hash, "attempt", attempt, "status", string(rec.Status))
		if attempt == t.poll.MaxAttempts {
			break
		}
		if err := t.sleepFn(ctx, t.poll.Interval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrFinalityTimeout, hash, t.poll.MaxAttempts)
}

// Run drives a built envelope through the full lifecycle and returns its
// terminal receipt. Contract envelopes are simulated, assembled, and
// re-signed before submission.
func (t *TxClient) Run(ctx context.Context, env *Envelope, key *crypto.PrivateKey) (*Receipt, error) {
	if err := t.Sign(env, key); err != nil {
		return nil, err
	}
	if env.Operation.IsContractCall() {
		sim, err := t.Simulate(ctx, env)
		if err != nil {
			return nil, err
		}
		if err := t.Assemble(env, sim); err != nil {
			return nil, err
		}
		if err := t.Sign(env, key); err != nil {
			return nil, err
		}
		res, err := t.Submit(ctx, env)
		if err != nil {
			return nil, err
		}
		rec, err := t.PollUntilFinal(ctx, res.Hash)
		if err != nil {
			return nil, err
		}
		if rec.Status == TxStatusFailed {
			return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, res.Hash)
		}
		return &Receipt{Hash: res.Hash, Status: rec.Status}, nil
	}
	res, err := t.Submit(ctx, env)
	if err != nil {
		return nil, err
	}
	return &Receipt{Hash: res.Hash, Status: TxStatusSuccess}, nil
}

// SubmitPrepared submits an already-signed envelope (a decrypted sealed
// payment) as-is, without rebuilding or re-signing.
func (t *TxClient) SubmitPrepared(ctx context.Context, env *Envelope) (*Receipt, error) {
	res, err := t.Submit(ctx, env)
	if err != nil {
		return nil, err
	}
	return &Receipt{Hash: res.Hash, Status: TxStatusSuccess}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
