package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable prefixes used on the payment ledger.
type AddressPrefix string

const (
	// AccountPrefix marks a funded ledger account.
	AccountPrefix AddressPrefix = "pay"
	// ContractPrefix marks an on-ledger contract, including derived token
	// contracts.
	ContractPrefix AddressPrefix = "ctr"
)

// Address represents a 20-byte ledger address with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	buf := make([]byte, 20)
	copy(buf, b)
	return Address{prefix: prefix, bytes: buf}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is the uninitialised value.
func (a Address) IsZero() bool {
	return len(a.bytes) == 0
}

// Equal reports whether two addresses share prefix and payload.
func (a Address) Equal(other Address) bool {
	return a.prefix == other.prefix && bytes.Equal(a.bytes, other.bytes)
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address payload must be 20 bytes, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// DecodeAccountAddress decodes an address and requires the account prefix.
func DecodeAccountAddress(addrStr string) (Address, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return Address{}, err
	}
	if addr.Prefix() != AccountPrefix {
		return Address{}, fmt.Errorf("expected %q address, got %q", AccountPrefix, addr.Prefix())
	}
	return addr, nil
}

// DeriveAddress hashes the supplied seed material into a deterministic
// 20-byte address under the given prefix. Used for token contract addresses.
func DeriveAddress(prefix AddressPrefix, seed []byte) Address {
	digest := ethcrypto.Keccak256(seed)
	return NewAddress(prefix, digest[12:])
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex-encoded 32-byte signing key.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (p *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(p.PrivateKey)
}

func (p *PrivateKey) Hex() string {
	return hex.EncodeToString(p.Bytes())
}

func (p *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&p.PublicKey}
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (p *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return ethcrypto.Sign(digest, p.PrivateKey)
}

func (pub *PublicKey) Bytes() []byte {
	return ethcrypto.FromECDSAPub(pub.PublicKey)
}

// Address derives the account address for this key: the trailing 20 bytes of
// the Keccak-256 hash of the uncompressed public key.
func (pub *PublicKey) Address() Address {
	digest := ethcrypto.Keccak256(pub.Bytes()[1:])
	return NewAddress(AccountPrefix, digest[12:])
}

// VerifySignature checks a recoverable signature against a digest and the
// expected signer address.
func VerifySignature(addr Address, digest, sig []byte) bool {
	if len(sig) != 65 || len(digest) != 32 {
		return false
	}
	pubBytes, err := ethcrypto.Ecrecover(digest, sig)
	if err != nil {
		return false
	}
	recovered := ethcrypto.Keccak256(pubBytes[1:])
	return bytes.Equal(recovered[12:], addr.Bytes())
}
