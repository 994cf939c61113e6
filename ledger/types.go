// Package ledger wraps the external payment network boundary: account
// lookups, transaction envelopes, submission, simulation, and polling to a
// terminal status.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NativeAssetCode is the canonical code of the ledger's native asset.
const NativeAssetCode = "XLM"

// Asset identifies a ledger asset by code and issuing account. The native
// asset carries no issuer.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// NativeAsset returns the handle for the ledger's native asset.
func NativeAsset() Asset {
	return Asset{Code: NativeAssetCode}
}

// IsNative reports whether the asset is the ledger's native asset.
func (a Asset) IsNative() bool {
	return a.Issuer == ""
}

func (a Asset) String() string {
	if a.IsNative() {
		return a.Code
	}
	return a.Code + ":" + a.Issuer
}

// Balance is a single asset balance held by an account.
type Balance struct {
	Asset  Asset  `json:"asset"`
	Amount string `json:"amount"`
}

// Account mirrors the node's view of a funded ledger account.
type Account struct {
	Address  string    `json:"address"`
	Sequence uint64    `json:"sequence"`
	Balances []Balance `json:"balances,omitempty"`
}

// StubAccount returns a zero-sequence stand-in for an account with no ledger
// presence, sufficient to construct read-only simulations.
func StubAccount(address string) *Account {
	return &Account{Address: address}
}

// OperationType enumerates the operation classes the client can drive.
type OperationType string

const (
	OpPayment        OperationType = "payment"
	OpChangeTrust    OperationType = "change_trust"
	OpPathPayment    OperationType = "path_payment_strict_send"
	OpInvokeContract OperationType = "invoke_contract"
)

// PaymentOp moves an exact amount of one asset to a destination account.
type PaymentOp struct {
	Destination string `json:"destination"`
	Asset       Asset  `json:"asset"`
	Amount      string `json:"amount"`
}

// ChangeTrustOp establishes or adjusts a trustline to a non-native asset.
type ChangeTrustOp struct {
	Asset Asset  `json:"asset"`
	Limit string `json:"limit,omitempty"`
}

// PathPaymentOp sends an exact source amount and delivers at least DestMin of
// the destination asset, converting through the given path atomically.
type PathPaymentOp struct {
	SendAsset   Asset   `json:"sendAsset"`
	SendAmount  string  `json:"sendAmount"`
	Destination string  `json:"destination"`
	DestAsset   Asset   `json:"destAsset"`
	DestMin     string  `json:"destMin"`
	Path        []Asset `json:"path,omitempty"`
}

// CallArg is a typed contract-call argument. The node performs the ledger's
// native value encoding behind the wire boundary.
type CallArg struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func StringArg(v string) CallArg  { return CallArg{Type: "string", Value: v} }
func AddressArg(v string) CallArg { return CallArg{Type: "address", Value: v} }
func I128Arg(v string) CallArg    { return CallArg{Type: "i128", Value: v} }

// ContractCallOp invokes a function on an on-ledger contract.
type ContractCallOp struct {
	Contract string    `json:"contract"`
	Function string    `json:"function"`
	Args     []CallArg `json:"args"`
}

// Operation is the tagged union of the supported operation payloads.
type Operation struct {
	Type         OperationType   `json:"type"`
	Payment      *PaymentOp      `json:"payment,omitempty"`
	ChangeTrust  *ChangeTrustOp  `json:"changeTrust,omitempty"`
	PathPayment  *PathPaymentOp  `json:"pathPayment,omitempty"`
	ContractCall *ContractCallOp `json:"contractCall,omitempty"`
}

// IsContractCall reports whether the operation requires the simulate/assemble
// leg of the lifecycle.
func (op Operation) IsContractCall() bool {
	return op.Type == OpInvokeContract
}

// EnvelopeState tracks the lifecycle position of an envelope. States advance
// strictly forward; assembly rewinds a signed envelope to assembled so it can
// be re-signed.
type EnvelopeState int

const (
	StateUnsigned EnvelopeState = iota
	StateSigned
	StateSimulated
	StateAssembled
	StateSubmitted
)

// Envelope is one unsigned-or-signed operation set bound to a source account
// sequence, fee, and expiry. Built fresh per request, never reused across
// payment identifiers.
type Envelope struct {
	Source    string          `json:"source"`
	Sequence  uint64          `json:"sequence"`
	Fee       uint64          `json:"fee"`
	Expiry    int64           `json:"expiry"`
	Operation Operation       `json:"operation"`
	Footprint json.RawMessage `json:"footprint,omitempty"`
	Signature string          `json:"signature,omitempty"`

	State EnvelopeState `json:"-"`
}

// SigningDigest hashes the signable portion of the envelope. The footprint is
// included, which is why assembled envelopes must be re-signed.
func (e *Envelope) SigningDigest() []byte {
	signable := struct {
		Source    string          `json:"source"`
		Sequence  uint64          `json:"sequence"`
		Fee       uint64          `json:"fee"`
		Expiry    int64           `json:"expiry"`
		Operation Operation       `json:"operation"`
		Footprint json.RawMessage `json:"footprint,omitempty"`
	}{e.Source, e.Sequence, e.Fee, e.Expiry, e.Operation, e.Footprint}
	raw, err := json.Marshal(signable)
	if err != nil {
		panic(err)
	}
	return ethcrypto.Keccak256(raw)
}

// EncodeEnvelope serialises an envelope for storage (sealed payments).
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("ledger: nil envelope")
	}
	return json.Marshal(e)
}

// DecodeEnvelope restores a stored envelope. A signature marks it signed and
// ready for submission as-is.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Signature != "" {
		env.State = StateSigned
	}
	return &env, nil
}

// TxStatus is the node-reported status of a submitted transaction.
type TxStatus string

const (
	TxStatusPending  TxStatus = "PENDING"
	TxStatusSuccess  TxStatus = "SUCCESS"
	TxStatusFailed   TxStatus = "FAILED"
	TxStatusNotFound TxStatus = "NOT_FOUND"
	TxStatusError    TxStatus = "ERROR"
)

// Terminal reports whether further polling can change the status.
func (s TxStatus) Terminal() bool {
	return s == TxStatusSuccess || s == TxStatusFailed
}

// SubmitResult is the node's immediate response to a submission.
type SubmitResult struct {
	Hash    string   `json:"hash"`
	Status  TxStatus `json:"status"`
	Message string   `json:"message,omitempty"`
}

// SimulationResult carries the resource footprint and return value of a
// simulated contract call.
type SimulationResult struct {
	Footprint json.RawMessage `json:"footprint,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// TxRecord is the polled status of a transaction by hash.
type TxRecord struct {
	Hash   string   `json:"hash"`
	Status TxStatus `json:"status"`
	Ledger uint64   `json:"ledger,omitempty"`
}

// Path is one candidate conversion route between two assets.
type Path struct {
	SourceAsset       Asset   `json:"sourceAsset"`
	SourceAmount      string  `json:"sourceAmount"`
	DestinationAsset  Asset   `json:"destinationAsset"`
	DestinationAmount string  `json:"destinationAmount"`
	Hops              []Asset `json:"path,omitempty"`
}

// AssetRecord is a directory entry for an issued asset.
type AssetRecord struct {
	Code        string `json:"code"`
	Issuer      string `json:"issuer"`
	NumAccounts int64  `json:"numAccounts,omitempty"`
	Amount      string `json:"amount,omitempty"`
}
