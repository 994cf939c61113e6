// Package escrow orchestrates direct, protected, and sealed payments: it
// mints payment identifiers and one-time codes, drives the on-chain escrow
// contract, routes post-release swaps, and keeps the off-chain metadata cache
// in step. On-chain state is always authoritative.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"supipay/assets"
	"supipay/crypto"
	"supipay/ledger"
	"supipay/otp"
	"supipay/swap"
)

// ErrEscrowNotFound marks a status query for an identifier the contract has
// no record of. It is an answer, not a failure.
var ErrEscrowNotFound = errors.New("escrow: no escrow for payment id")

// ErrReleaseRefused marks a release the contract simulator rejected: wrong
// one-time code, or the escrow was already released or cancelled.
var ErrReleaseRefused = errors.New("escrow: wrong code or escrow no longer active")

const (
	fnCreate  = "create_escrow"
	fnRelease = "release_funds"
	fnCancel  = "cancel_escrow"
	fnGet     = "get_escrow"
)

var stroopsPerUnit = decimal.NewFromInt(10_000_000)

// PaymentRequest is the common input for the fund-moving operations.
type PaymentRequest struct {
	Receiver    string
	Amount      string
	AssetCode   string
	AssetIssuer string
}

// ProtectedPayment is the result of initiating a protected payment. Code is
// shown once to the sender and never persisted.
type ProtectedPayment struct {
	PaymentID string `json:"paymentId"`
	Code      string `json:"code"`
	Hash      string `json:"hash"`
}

// ReleaseResult reports a release. A failed post-release swap leaves the
// funds delivered in the escrowed asset: Hash is set, SwapErr explains.
type ReleaseResult struct {
	Hash     string `json:"hash"`
	SwapHash string `json:"swapHash,omitempty"`
	SwapErr  string `json:"swapError,omitempty"`
}

// State is the contract's view of an escrow, decoded from a read-only
// simulation. Amount is in stroops.
type State struct {
	PaymentID string `json:"payment_id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	IsActive  bool   `json:"is_active"`
}

// Orchestrator wires the resolver, swap engine, transaction lifecycle, and
// metadata store behind the payment operations.
type Orchestrator struct {
	tx       *ledger.TxClient
	resolver *assets.Resolver
	swaps    *swap.Engine
	store    MetadataStore
	prefs    PreferenceStore
	contract string
	validity time.Duration
	log      *slog.Logger
	nowFn    func() time.Time
}

func NewOrchestrator(tx *ledger.TxClient, resolver *assets.Resolver, swaps *swap.Engine, store MetadataStore, prefs PreferenceStore, contract string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		tx:       tx,
		resolver: resolver,
		swaps:    swaps,
		store:    store,
		prefs:    prefs,
		contract: contract,
		validity: ledger.DeferredTimeout,
		log:      log,
		nowFn:    time.Now,
	}
}

// SetValidity overrides the one-time code validity window shared by sealed
// payments and their envelopes.
func (o *Orchestrator) SetValidity(d time.Duration) {
	if d > 0 {
		o.validity = d
		o.tx.SetDeferredTimeout(d)
	}
}

// SetNowFunc overrides the time source. Intended for tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now != nil {
		o.nowFn = now
	}
}

func (o *Orchestrator) validate(req PaymentRequest) (decimal.Decimal, error) {
	if _, err := crypto.DecodeAccountAddress(req.Receiver); err != nil {
		return decimal.Zero, failure(KindValidation, "validate", fmt.Errorf("receiver: %w", err))
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return decimal.Zero, failure(KindValidation, "validate", fmt.Errorf("amount %q: %w", req.Amount, err))
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, failure(KindValidation, "validate", fmt.Errorf("amount %q not positive", req.Amount))
	}
	return amount, nil
}

// stroops converts a decimal unit amount to the contract's i128 integer
// representation. Sub-stroop precision is refused rather than silently
// truncated.
func stroops(amount decimal.Decimal) (string, error) {
	scaled := amount.Mul(stroopsPerUnit)
	if !scaled.IsInteger() {
		return "", fmt.Errorf("amount %s exceeds 7 decimal places", amount)
	}
	return scaled.String(), nil
}

// preference looks up the receiver's preferred asset. Lookup failures are
// logged and treated as no preference; a swap is an optimisation, never a
// reason to block payment.
func (o *Orchestrator) preference(ctx context.Context, wallet string) (ledger.Asset, bool) {
	if o.prefs == nil {
		return ledger.Asset{}, false
	}
	code, issuer, err := o.prefs.PreferredAsset(ctx, wallet)
	if err != nil {
		o.log.Warn("preference lookup failed", "wallet", wallet, "err", err)
		return ledger.Asset{}, false
	}
	if code == "" {
		return ledger.Asset{}, false
	}
	asset, err := o.resolver.Resolve(ctx, code, issuer)
	if err != nil {
		o.log.Warn("preference resolution failed", "wallet", wallet, "code", code, "err", err)
		return ledger.Asset{}, false
	}
	return asset, true
}

// DirectPay sends funds straight to the receiver in a single transfer. When
// the receiver prefers a different asset, that transfer is a path payment
// converting in flight; there is never a second hop.
func (o *Orchestrator) DirectPay(ctx context.Context, key *crypto.PrivateKey, req PaymentRequest) (*ledger.Receipt, error) {
	if _, err := o.validate(req); err != nil {
		return nil, err
	}
	asset, err := o.resolver.Resolve(ctx, req.AssetCode, req.AssetIssuer)
	if err != nil {
		return nil, failure(KindResolution, "direct_pay", err)
	}

	op := ledger.Operation{
		Type:    ledger.OpPayment,
		Payment: &ledger.PaymentOp{Destination: req.Receiver, Asset: asset, Amount: req.Amount},
	}
	if pref, ok := o.preference(ctx, req.Receiver); ok && swap.Needed(asset, pref) {
		quote, err := o.swaps.BestQuote(ctx, asset, req.Amount, pref)
		if err != nil {
			return nil, classify("direct_pay", err)
		}
		op = o.swaps.Operation(quote, asset, req.Amount, req.Receiver, pref)
	}

	env, err := o.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeePayment)
	if err != nil {
		return nil, classify("direct_pay", err)
	}
	receipt, err := o.tx.Run(ctx, env, key)
	if err != nil {
		return nil, classify("direct_pay", err)
	}
	o.log.Info("direct payment settled", "receiver", req.Receiver, "hash", receipt.Hash)
	return receipt, nil
}

// InitiateProtected locks funds in the escrow contract behind a fresh
// one-time code. The code is returned to the caller exactly once; only its
// commitment goes on chain.
func (o *Orchestrator) InitiateProtected(ctx context.Context, key *crypto.PrivateKey, req PaymentRequest) (*ProtectedPayment, error) {
	amount, err := o.validate(req)
	if err != nil {
		return nil, err
	}
	asset, err := o.resolver.Resolve(ctx, req.AssetCode, req.AssetIssuer)
	if err != nil {
		return nil, failure(KindResolution, "initiate", err)
	}
	lockAmount, err := stroops(amount)
	if err != nil {
		return nil, failure(KindValidation, "initiate", err)
	}

	paymentID := otp.NewPaymentID()
	code, err := otp.NewCode()
	if err != nil {
		return nil, failure(KindValidation, "initiate", err)
	}
	sender := key.PubKey().Address().String()
	token := assets.TokenAddress(asset)

	op := ledger.Operation{
		Type: ledger.OpInvokeContract,
		ContractCall: &ledger.ContractCallOp{
			Contract: o.contract,
			Function: fnCreate,
			Args: []ledger.CallArg{
				ledger.StringArg(paymentID),
				ledger.AddressArg(sender),
				ledger.AddressArg(req.Receiver),
				ledger.I128Arg(lockAmount),
				ledger.AddressArg(token.String()),
				ledger.StringArg(otp.Commit(code)),
			},
		},
	}
	env, err := o.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeeContract)
	if err != nil {
		return nil, classify("initiate", err)
	}
	receipt, err := o.tx.Run(ctx, env, key)
	if err != nil {
		return nil, classify("initiate", err)
	}

	// Metadata is a convenience cache; the escrow exists regardless.
	meta := &Metadata{
		PaymentID:   paymentID,
		Sender:      sender,
		Receiver:    req.Receiver,
		Amount:      req.Amount,
		AssetCode:   asset.Code,
		AssetIssuer: asset.Issuer,
		Status:      StatusPending,
		TxHash:      receipt.Hash,
		CreatedAt:   o.nowFn().UTC(),
	}
	if err := o.store.PutEscrow(ctx, meta); err != nil {
		o.log.Warn("metadata write failed", "paymentId", paymentID, "err", err)
	}
	o.log.Info("escrow locked", "paymentId", paymentID, "hash", receipt.Hash)
	return &ProtectedPayment{PaymentID: paymentID, Code: code, Hash: receipt.Hash}, nil
}

// Release redeems an escrow with the presented one-time code. The contract
// verifies the commitment; a simulation rejection therefore means a wrong
// code or an escrow that is no longer active. After release the funds may be
// swapped in place to the receiver's preferred asset; a swap failure is a
// partial success, never a rollback.
func (o *Orchestrator) Release(ctx context.Context, key *crypto.PrivateKey, paymentID, code string) (*ReleaseResult, error) {
	if paymentID == "" || code == "" {
		return nil, failure(KindValidation, "release", errors.New("payment id and code required"))
	}

	op := ledger.Operation{
		Type: ledger.OpInvokeContract,
		ContractCall: &ledger.ContractCallOp{
			Contract: o.contract,
			Function: fnRelease,
			Args: []ledger.CallArg{
				ledger.StringArg(paymentID),
				ledger.StringArg(otp.Commit(code)),
			},
		},
	}
	env, err := o.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeeContract)
	if err != nil {
		return nil, classify("release", err)
	}
	receipt, err := o.tx.Run(ctx, env, key)
	if err != nil {
		if errors.Is(err, ledger.ErrSimulationFailed) {
			return nil, failure(KindSimulation, "release", fmt.Errorf("%w: %w", ErrReleaseRefused, err))
		}
		return nil, classify("release", err)
	}
	o.log.Info("escrow released", "paymentId", paymentID, "hash", receipt.Hash)

	result := &ReleaseResult{Hash: receipt.Hash}
	o.settleAfterRelease(ctx, key, paymentID, result)
	return result, nil
}

// settleAfterRelease performs the best-effort post-release work: optional
// swap into the receiver's preferred asset and metadata cleanup. Nothing
// here can fail the release itself.
func (o *Orchestrator) settleAfterRelease(ctx context.Context, key *crypto.PrivateKey, paymentID string, result *ReleaseResult) {
	defer func() {
		if err := o.store.DeleteEscrow(ctx, paymentID); err != nil && !errors.Is(err, ErrMetadataNotFound) {
			o.log.Warn("metadata cleanup failed", "paymentId", paymentID, "err", err)
		}
	}()

	meta, err := o.store.GetEscrow(ctx, paymentID)
	if err != nil {
		if !errors.Is(err, ErrMetadataNotFound) {
			o.log.Warn("metadata lookup failed", "paymentId", paymentID, "err", err)
		}
		return
	}
	pref, ok := o.preference(ctx, meta.Receiver)
	if !ok {
		return
	}
	escrowed, err := o.resolver.Resolve(ctx, meta.AssetCode, meta.AssetIssuer)
	if err != nil || !swap.Needed(escrowed, pref) {
		return
	}
	self := key.PubKey().Address().String()
	swapReceipt, err := o.swaps.Execute(ctx, key, self, escrowed, meta.Amount, pref)
	if err != nil {
		o.log.Warn("post-release swap failed", "paymentId", paymentID, "err", err)
		result.SwapErr = err.Error()
		return
	}
	result.SwapHash = swapReceipt.Hash
}

// Cancel refunds an active escrow to its sender. The contract enforces that
// only the sender may cancel.
func (o *Orchestrator) Cancel(ctx context.Context, key *crypto.PrivateKey, paymentID string) (*ledger.Receipt, error) {
	if paymentID == "" {
		return nil, failure(KindValidation, "cancel", errors.New("payment id required"))
	}
	op := ledger.Operation{
		Type: ledger.OpInvokeContract,
		ContractCall: &ledger.ContractCallOp{
			Contract: o.contract,
			Function: fnCancel,
			Args:     []ledger.CallArg{ledger.StringArg(paymentID)},
		},
	}
	env, err := o.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeeContract)
	if err != nil {
		return nil, classify("cancel", err)
	}
	receipt, err := o.tx.Run(ctx, env, key)
	if err != nil {
		return nil, classify("cancel", err)
	}
	if err := o.store.DeleteEscrow(ctx, paymentID); err != nil && !errors.Is(err, ErrMetadataNotFound) {
		o.log.Warn("metadata cleanup failed", "paymentId", paymentID, "err", err)
	}
	o.log.Info("escrow cancelled", "paymentId", paymentID, "hash", receipt.Hash)
	return receipt, nil
}

// Status reads an escrow's on-chain state through a signed read-only
// simulation. The signer is ephemeral and needs no funded account; nothing
// is submitted and no fee is spent.
func (o *Orchestrator) Status(ctx context.Context, paymentID string) (*State, error) {
	if paymentID == "" {
		return nil, failure(KindValidation, "status", errors.New("payment id required"))
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, failure(KindValidation, "status", err)
	}
	op := ledger.Operation{
		Type: ledger.OpInvokeContract,
		ContractCall: &ledger.ContractCallOp{
			Contract: o.contract,
			Function: fnGet,
			Args:     []ledger.CallArg{ledger.StringArg(paymentID)},
		},
	}
	env := o.tx.BuildFromAccount(ledger.StubAccount(key.PubKey().Address().String()), op, ledger.FeeContract)
	if err := o.tx.Sign(env, key); err != nil {
		return nil, failure(KindValidation, "status", err)
	}
	sim, err := o.tx.Simulate(ctx, env)
	if err != nil {
		return nil, classify("status", err)
	}
	if len(sim.Value) == 0 || string(sim.Value) == "null" {
		return nil, fmt.Errorf("%w: %s", ErrEscrowNotFound, paymentID)
	}
	var state State
	if err := json.Unmarshal(sim.Value, &state); err != nil {
		return nil, failure(KindSimulation, "status", fmt.Errorf("decode escrow state: %w", err))
	}
	return &state, nil
}

// Inbox lists pending escrows addressed to a wallet from the metadata cache.
func (o *Orchestrator) Inbox(ctx context.Context, wallet string) ([]*Metadata, error) {
	if _, err := crypto.DecodeAccountAddress(wallet); err != nil {
		return nil, failure(KindValidation, "inbox", fmt.Errorf("wallet: %w", err))
	}
	items, err := o.store.ListEscrowsForReceiver(ctx, wallet, StatusPending)
	if err != nil {
		return nil, failure(KindMetadata, "inbox", err)
	}
	return items, nil
}

// AddTrustline establishes a trustline from the key's account to an asset,
// a prerequisite for receiving non-native assets.
func (o *Orchestrator) AddTrustline(ctx context.Context, key *crypto.PrivateKey, assetCode, assetIssuer string) (*ledger.Receipt, error) {
	asset, err := o.resolver.Resolve(ctx, assetCode, assetIssuer)
	if err != nil {
		return nil, failure(KindResolution, "trustline", err)
	}
	if asset.IsNative() {
		return nil, failure(KindValidation, "trustline", errors.New("native asset needs no trustline"))
	}
	op := ledger.Operation{
		Type:        ledger.OpChangeTrust,
		ChangeTrust: &ledger.ChangeTrustOp{Asset: asset},
	}
	env, err := o.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeePayment)
	if err != nil {
		return nil, classify("trustline", err)
	}
	receipt, err := o.tx.Run(ctx, env, key)
	if err != nil {
		return nil, classify("trustline", err)
	}
	return receipt, nil
}
