package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spboyer/guardrail/internal/signer"
)

const (
	DefaultReceiptTimeout      = 2 * time.Minute
	DefaultReceiptPollInterval = time.Second
)

// PreparedCall is a contract call that simulated successfully.
type PreparedCall struct {
	Method string
	From   common.Address
	To     common.Address
	Data   []byte
	Gas    uint64
}

// SubmitterOptions configures a [Submitter].
type SubmitterOptions struct {
	ChainID             *big.Int
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	Logger              *slog.Logger
}

// Submitter simulates, sends and confirms calls to the task contract from a
// single account. It is safe for concurrent use; nonce assignment and
// broadcast are serialized.
type Submitter struct {
	backend  Backend
	contract *Contract
	address  common.Address
	id       *signer.Identity
	chainID  *big.Int

	receiptTimeout      time.Duration
	receiptPollInterval time.Duration
	logger              *slog.Logger

	sendMu sync.Mutex
}

func NewSubmitter(backend Backend, contract *Contract, address common.Address, id *signer.Identity, opts SubmitterOptions) *Submitter {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = DefaultReceiptTimeout
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Submitter{
		backend:             backend,
		contract:            contract,
		address:             address,
		id:                  id,
		chainID:             opts.ChainID,
		receiptTimeout:      opts.ReceiptTimeout,
		receiptPollInterval: opts.ReceiptPollInterval,
		logger:              opts.Logger,
	}
}

// From is the sending account.
func (s *Submitter) From() common.Address {
	return s.id.Address()
}

// Simulate runs method against the latest state and estimates its gas.
// Contract reverts are returned as *RevertError.
func (s *Submitter) Simulate(ctx context.Context, method string, args ...any) (*PreparedCall, error) {
	data, err := s.contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: packing %s: %v", ErrInvalidCall, method, err)
	}

	msg := ethereum.CallMsg{
		From: s.id.Address(),
		To:   &s.address,
		Data: data,
	}

	if _, err := s.backend.CallContract(ctx, msg, nil); err != nil {
		return nil, wrapCallError("simulating "+method, err)
	}

	gas, err := s.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, wrapCallError("estimating gas for "+method, err)
	}

	return &PreparedCall{
		Method: method,
		From:   msg.From,
		To:     s.address,
		Data:   data,
		Gas:    gas,
	}, nil
}

// Submit signs call with the account's next pending nonce and broadcasts it.
// If signed is non-nil it is called with the signed transaction before the
// broadcast. Once signing succeeds the transaction is returned even when the
// broadcast fails; a failed broadcast must be retried with [Submitter.Broadcast]
// on that transaction, never by calling Submit again, or the call would be
// sent twice under different nonces.
func (s *Submitter) Submit(ctx context.Context, call *PreparedCall, signed func(*types.Transaction)) (*types.Transaction, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, call.From)
	if err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}

	tx, err := s.buildTx(ctx, call, nonce)
	if err != nil {
		return nil, err
	}

	tx, err = s.id.SignTx(tx, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: signing transaction: %v", ErrInvalidCall, err)
	}
	if signed != nil {
		signed(tx)
	}

	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return tx, fmt.Errorf("sending %s: %w", call.Method, err)
	}

	s.logger.Debug("transaction sent", "method", call.Method, "tx", tx.Hash().Hex(), "nonce", nonce, "gas", call.Gas)
	return tx, nil
}

// Broadcast resends a transaction returned by Submit. A node that already
// holds the transaction, or whose account nonce has moved past it, counts as
// a successful broadcast; the receipt decides what happened to it.
func (s *Submitter) Broadcast(ctx context.Context, tx *types.Transaction) error {
	err := s.backend.SendTransaction(ctx, tx)
	switch {
	case err == nil:
	case isAlreadySent(err):
		s.logger.Debug("transaction already known to node", "tx", tx.Hash().Hex(), "reply", err)
	default:
		return fmt.Errorf("resending %s: %w", tx.Hash().Hex(), err)
	}
	s.logger.Debug("transaction resent", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	return nil
}

func (s *Submitter) buildTx(ctx context.Context, call *PreparedCall, nonce uint64) (*types.Transaction, error) {
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reading head header: %w", err)
	}

	to := call.To
	if head.BaseFee == nil {
		gasPrice, err := s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggesting gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      call.Gas,
			To:       &to,
			Data:     call.Data,
		}), nil
	}

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas tip: %w", err)
	}
	// headroom for two full blocks of base fee growth
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       call.Gas,
		To:        &to,
		Data:      call.Data,
	}), nil
}

// AwaitReceipt polls for the receipt of hash until it appears, the receipt
// timeout passes, or ctx ends. A receipt with failed status is returned
// together with ErrTxFailed.
func (s *Submitter) AwaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, fmt.Errorf("%w: %s in block %s", ErrTxFailed, hash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			s.logger.Debug("receipt lookup failed, retrying", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, hash.Hex(), s.receiptTimeout)
		case <-ticker.C:
		}
	}
}
