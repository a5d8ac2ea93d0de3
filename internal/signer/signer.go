// Package signer produces the operator attestation the task contract
// verifies: an EIP-191 signature over keccak256(abi.encodePacked(isSafe, contents)).
package signer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the r || s || v layout expected by the contract.
const SignatureLength = crypto.SignatureLength

var ErrInvalidSignature = errors.New("invalid attestation signature")

// Signer signs (isSafe, contents) bindings with an operator identity.
type Signer struct {
	id *Identity
}

func New(id *Identity) *Signer {
	return &Signer{id: id}
}

// Address is the address signatures will recover to.
func (s *Signer) Address() common.Address {
	return s.id.Address()
}

// EncodeBinding is Solidity's abi.encodePacked(bool, string): a single
// 0x01/0x00 byte followed by the raw UTF-8 bytes of contents. The bool is
// fixed width so the encoding is unambiguous without a length prefix.
func EncodeBinding(isSafe bool, contents string) []byte {
	out := make([]byte, 1+len(contents))
	if isSafe {
		out[0] = 1
	}
	copy(out[1:], contents)
	return out
}

// BindingHash is keccak256 of EncodeBinding.
func BindingHash(isSafe bool, contents string) common.Hash {
	return crypto.Keccak256Hash(EncodeBinding(isSafe, contents))
}

// SigningPayload is the digest actually signed: the EIP-191 personal
// message hash of the 32 byte binding hash.
func SigningPayload(isSafe bool, contents string) []byte {
	h := BindingHash(isSafe, contents)
	return accounts.TextHash(h.Bytes())
}

// Sign returns a 65 byte signature with v in {27, 28}.
func (s *Signer) Sign(isSafe bool, contents string) ([]byte, error) {
	sig, err := s.id.SignDigest(SigningPayload(isSafe, contents))
	if err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over (isSafe, contents).
func Recover(isSafe bool, contents string, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	switch v := normalized[crypto.RecoveryIDOffset]; v {
	case 27, 28:
		normalized[crypto.RecoveryIDOffset] = v - 27
	case 0, 1:
	default:
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, v)
	}

	pub, err := crypto.SigToPub(SigningPayload(isSafe, contents), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig was produced by address over (isSafe, contents).
func Verify(address common.Address, isSafe bool, contents string, sig []byte) bool {
	got, err := Recover(isSafe, contents, sig)
	return err == nil && got == address
}
