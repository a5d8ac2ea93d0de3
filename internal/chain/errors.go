package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrReverted is matched by every contract revert seen during
	// simulation or gas estimation.
	ErrReverted = errors.New("execution reverted")

	// ErrTxFailed is returned when a mined transaction has a failed status.
	ErrTxFailed = errors.New("transaction failed on chain")

	// ErrReceiptTimeout is returned when no receipt appeared in time.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

	// ErrInvalidCall is returned when call arguments cannot be encoded.
	ErrInvalidCall = errors.New("invalid contract call")
)

// RevertError carries the decoded revert reason, when there is one.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return ErrReverted.Error()
	}
	return ErrReverted.Error() + ": " + e.Reason
}

func (e *RevertError) Unwrap() error {
	return ErrReverted
}

// asRevert recognizes node revert errors. Nodes report the revert payload as
// JSON-RPC error data; older nodes only put it in the message.
func asRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}

	var re *RevertError
	if errors.As(err, &re) {
		return re, true
	}

	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			data, decErr := hexutil.Decode(s)
			if decErr == nil {
				out := &RevertError{Data: data}
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					out.Reason = reason
				}
				return out, true
			}
		}
	}

	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return &RevertError{Reason: strings.TrimSpace(reason)}, true
	}
	return nil, false
}

// wrapCallError converts node revert errors into *RevertError and wraps
// everything else with op for context.
func wrapCallError(op string, err error) error {
	if re, ok := asRevert(err); ok {
		return fmt.Errorf("%s: %w", op, re)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isAlreadySent recognizes send errors meaning the node has seen the
// transaction, or a transaction with its nonce, before.
func isAlreadySent(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range []string{"already known", "known transaction", "nonce too low"} {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransient reports whether retrying the operation that produced err might
// succeed. Reverts, failed transactions, bad arguments and cancellation are
// not transient.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrReverted),
		errors.Is(err, ErrTxFailed),
		errors.Is(err, ErrInvalidCall),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
