package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supipay/crypto"
	"supipay/ledger"
	"supipay/otp"
)

// ErrSealedExpired marks a sealed payment whose validity window has passed.
// The right code cannot revive it; the envelope itself has expired on the
// ledger side.
var ErrSealedExpired = errors.New("escrow: sealed payment expired")

// SealedPayment is the result of initiating a sealed payment. No fee has
// been spent; nothing reaches the ledger until release.
type SealedPayment struct {
	PaymentID string    `json:"paymentId"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// InitiateSealed builds and signs a long-lived payment envelope now, then
// encrypts it under a key derived from a fresh one-time code. Only the
// ciphertext, the commitment, and the window are persisted; whoever learns
// the code can release, nobody else can.
func (o *Orchestrator) InitiateSealed(ctx context.Context, key *crypto.PrivateKey, req PaymentRequest) (*SealedPayment, error) {
	if _, err := o.validate(req); err != nil {
		return nil, err
	}
	asset, err := o.resolver.Resolve(ctx, req.AssetCode, req.AssetIssuer)
	if err != nil {
		return nil, failure(KindResolution, "seal", err)
	}

	code, err := otp.NewCode()
	if err != nil {
		return nil, failure(KindValidation, "seal", err)
	}
	paymentID := otp.NewPaymentID()

	op := ledger.Operation{
		Type:    ledger.OpPayment,
		Payment: &ledger.PaymentOp{Destination: req.Receiver, Asset: asset, Amount: req.Amount},
	}
	env, err := o.tx.Build(ctx, key.PubKey().Address(), op, ledger.FeeDeferred)
	if err != nil {
		return nil, classify("seal", err)
	}
	if err := o.tx.Sign(env, key); err != nil {
		return nil, failure(KindValidation, "seal", err)
	}
	raw, err := ledger.EncodeEnvelope(env)
	if err != nil {
		return nil, failure(KindValidation, "seal", err)
	}
	sealed, err := otp.Seal(raw, code)
	if err != nil {
		return nil, failure(KindValidation, "seal", err)
	}

	now := o.nowFn().UTC()
	record := &SealedRecord{
		PaymentID:   paymentID,
		Sender:      key.PubKey().Address().String(),
		Receiver:    req.Receiver,
		Amount:      req.Amount,
		AssetCode:   asset.Code,
		AssetIssuer: asset.Issuer,
		Ciphertext:  sealed.Ciphertext,
		IV:          sealed.IV,
		Commitment:  sealed.Commitment,
		ExpiresAt:   now.Add(o.validity),
		Status:      SealedPending,
		CreatedAt:   now,
	}
	// Without this record the envelope is unrecoverable, so the write is not
	// best-effort here.
	if err := o.store.PutSealed(ctx, record); err != nil {
		return nil, failure(KindMetadata, "seal", err)
	}
	o.log.Info("payment sealed", "paymentId", paymentID, "expiresAt", record.ExpiresAt)
	return &SealedPayment{PaymentID: paymentID, Code: code, ExpiresAt: record.ExpiresAt}, nil
}

// ReleaseSealed decrypts a sealed envelope with the presented code and
// submits it unchanged. The window is checked before any cryptography, and a
// lapsed record is marked expired so it cannot be retried.
func (o *Orchestrator) ReleaseSealed(ctx context.Context, paymentID, code string) (*ledger.Receipt, error) {
	if paymentID == "" || code == "" {
		return nil, failure(KindValidation, "unseal", errors.New("payment id and code required"))
	}
	record, err := o.store.GetSealed(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrMetadataNotFound) {
			return nil, failure(KindValidation, "unseal", fmt.Errorf("%w: %s", ErrEscrowNotFound, paymentID))
		}
		return nil, failure(KindMetadata, "unseal", err)
	}
	if record.Status != SealedPending {
		return nil, failure(KindValidation, "unseal", fmt.Errorf("sealed payment %s is %s", paymentID, record.Status))
	}
	if o.nowFn().After(record.ExpiresAt) {
		if err := o.store.SetSealedStatus(ctx, paymentID, SealedExpired); err != nil {
			o.log.Warn("sealed status update failed", "paymentId", paymentID, "err", err)
		}
		return nil, failure(KindValidation, "unseal", fmt.Errorf("%w: %s", ErrSealedExpired, paymentID))
	}

	raw, err := otp.Open(&otp.Sealed{
		Ciphertext: record.Ciphertext,
		IV:         record.IV,
		Commitment: record.Commitment,
	}, code)
	if err != nil {
		return nil, failure(KindValidation, "unseal", err)
	}
	env, err := ledger.DecodeEnvelope(raw)
	if err != nil {
		return nil, failure(KindValidation, "unseal", err)
	}

	receipt, err := o.tx.SubmitPrepared(ctx, env)
	if err != nil {
		return nil, classify("unseal", err)
	}
	if err := o.store.SetSealedStatus(ctx, paymentID, SealedCompleted); err != nil {
		o.log.Warn("sealed status update failed", "paymentId", paymentID, "err", err)
	}
	o.log.Info("sealed payment released", "paymentId", paymentID, "hash", receipt.Hash)
	return receipt, nil
}
