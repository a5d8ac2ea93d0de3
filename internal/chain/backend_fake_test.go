package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend is an in-memory Backend. Fields are guarded by mu; tests set
// them directly before use.
type fakeBackend struct {
	mu sync.Mutex

	chainID *big.Int
	head    uint64
	headErr error
	baseFee *big.Int

	logs      []types.Log
	filterErr error
	queries   []ethereum.FilterQuery

	callErr     error
	estimateErr error
	gas         uint64
	calls       []ethereum.CallMsg

	nonce   uint64
	sendErr error
	sent    []*types.Transaction
	// lostReplies accepts that many transactions into the pool but reports
	// a transport error to the sender.
	lostReplies int

	receipts   map[common.Hash]*types.Receipt
	receiptErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(31337),
		baseFee:  big.NewInt(1_000_000_000),
		gas:      60_000,
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeBackend) setHead(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}

	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= q.FromBlock.Uint64() && l.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return nil, f.callErr
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gas, f.estimateErr
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, known := range f.sent {
		if known.Hash() == tx.Hash() {
			return errors.New("already known")
		}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	if tx.Nonce() < f.nonce {
		return errors.New("nonce too low")
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	if f.lostReplies > 0 {
		f.lostReplies--
		return errors.New("read tcp 127.0.0.1:8545: i/o timeout")
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) setReceipt(hash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{TxHash: hash, Status: status, BlockNumber: big.NewInt(int64(f.head))}
}
