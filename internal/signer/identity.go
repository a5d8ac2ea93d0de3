package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMissingKey is returned when no private key material was supplied.
var ErrMissingKey = errors.New("operator private key is not set")

// Identity is the operator's signing identity. The private key never leaves
// this type: it is not exported, formatted, or logged.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// IdentityFromHex parses a hex encoded secp256k1 private key, with or
// without a 0x prefix.
func IdentityFromHex(hexKey string) (*Identity, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, ErrMissingKey
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X"))
	if err != nil {
		// the underlying error can echo key bytes, so it is not wrapped
		return nil, errors.New("invalid operator private key: expected 32 byte hex string")
	}

	return NewIdentity(key), nil
}

// NewIdentity wraps an already loaded key.
func NewIdentity(key *ecdsa.PrivateKey) *Identity {
	return &Identity{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the operator address derived from the key.
func (id *Identity) Address() common.Address {
	return id.address
}

// SignDigest signs a 32 byte digest. The recovery id is returned in the
// last byte as 0 or 1.
func (id *Identity) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", common.HashLength, len(digest))
	}
	return crypto.Sign(digest, id.key)
}

// SignTx signs a transaction for the given chain.
func (id *Identity) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), id.key)
}

func (id *Identity) String() string {
	return id.address.Hex()
}

// LogValue keeps slog from reflecting into the key.
func (id *Identity) LogValue() slog.Value {
	return slog.StringValue(id.address.Hex())
}

// GoString covers %#v.
func (id *Identity) GoString() string {
	return fmt.Sprintf("signer.Identity{%s}", id.address.Hex())
}
