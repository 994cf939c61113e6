package escrow

import (
	"context"
	"errors"
	"time"
)

// ErrMetadataNotFound marks a missing off-chain record. The on-chain escrow
// may still exist; metadata is a best-effort cache, never the authority.
var ErrMetadataNotFound = errors.New("escrow: metadata not found")

// Status is the off-chain view of an escrow's progress.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// SealedStatus tracks a sealed payment's off-chain lifecycle.
type SealedStatus string

const (
	SealedPending   SealedStatus = "pending"
	SealedCompleted SealedStatus = "completed"
	SealedExpired   SealedStatus = "expired"
)

// Metadata is the off-chain record written after a successful escrow
// creation. It drives the receiver inbox and post-release swap routing.
type Metadata struct {
	PaymentID   string    `json:"paymentId"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Amount      string    `json:"amount"`
	AssetCode   string    `json:"assetCode"`
	AssetIssuer string    `json:"assetIssuer,omitempty"`
	Status      Status    `json:"status"`
	TxHash      string    `json:"txHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SealedRecord is the persisted form of a sealed payment: the encrypted
// envelope, the commitment gating it, and its validity window. The one-time
// code itself is never stored.
type SealedRecord struct {
	PaymentID   string       `json:"paymentId"`
	Sender      string       `json:"sender"`
	Receiver    string       `json:"receiver"`
	Amount      string       `json:"amount"`
	AssetCode   string       `json:"assetCode"`
	AssetIssuer string       `json:"assetIssuer,omitempty"`
	Ciphertext  string       `json:"ciphertext"`
	IV          string       `json:"iv"`
	Commitment  string       `json:"commitment"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Status      SealedStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// MetadataStore persists escrow and sealed-payment records off-chain.
type MetadataStore interface {
	PutEscrow(ctx context.Context, m *Metadata) error
	GetEscrow(ctx context.Context, paymentID string) (*Metadata, error)
	DeleteEscrow(ctx context.Context, paymentID string) error
	ListEscrowsForReceiver(ctx context.Context, receiver string, status Status) ([]*Metadata, error)

	PutSealed(ctx context.Context, r *SealedRecord) error
	GetSealed(ctx context.Context, paymentID string) (*SealedRecord, error)
	SetSealedStatus(ctx context.Context, paymentID string, status SealedStatus) error
}

// PreferenceStore records per-wallet preferred settlement assets. An empty
// code means no preference.
type PreferenceStore interface {
	PreferredAsset(ctx context.Context, wallet string) (code, issuer string, err error)
	SetPreferredAsset(ctx context.Context, wallet, code, issuer string) error
}
