// Package watcher owns the task event subscription. It gates every event on
// the processing record set and hands new tasks to the processor.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"
	"github.com/spboyer/guardrail/internal/chain"
	"github.com/spboyer/guardrail/internal/metrics"
	"github.com/spboyer/guardrail/internal/models"
	"github.com/spboyer/guardrail/internal/records"
)

// ErrForcedShutdown is returned by Run when in-flight tasks had to be
// cancelled because they did not finish within the grace period.
var ErrForcedShutdown = errors.New("forced shutdown: in-flight tasks did not finish within the grace period")

const (
	DefaultGracePeriod           = 30 * time.Second
	DefaultAbortWindow           = 5 * time.Second
	DefaultResubscribeMinBackoff = time.Second
	DefaultResubscribeMaxBackoff = time.Minute
)

// TaskRunner processes gated tasks. It is satisfied by
// [*processor.Processor].
type TaskRunner interface {
	// Run processes a task already marked in flight.
	Run(ctx context.Context, ev models.TaskEvent) models.Outcome
	// Skip reports a task that already had a record.
	Skip(ev models.TaskEvent, existing records.Record) models.Outcome
}

// ReceiptReader looks up transaction receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options configures a [Watcher].
type Options struct {
	// FromBlock is the first block to watch; zero means the current head.
	FromBlock uint64

	// Workers bounds concurrently running tasks. Zero means unbounded.
	Workers int

	GracePeriod           time.Duration
	AbortWindow           time.Duration
	ResubscribeMinBackoff time.Duration
	ResubscribeMaxBackoff time.Duration

	// Receipts is used to reconcile records left pending by a previous run.
	Receipts ReceiptReader

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Watcher is the long-running event loop.
type Watcher struct {
	source  chain.EventSource
	runner  TaskRunner
	records *records.Set

	fromBlock   uint64
	sem         chan struct{}
	gracePeriod time.Duration
	abortWindow time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration
	receipts    ReceiptReader

	metrics *metrics.Recorder
	logger  *slog.Logger
}

func New(source chain.EventSource, runner TaskRunner, recs *records.Set, opts Options) *Watcher {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.AbortWindow <= 0 {
		opts.AbortWindow = DefaultAbortWindow
	}
	if opts.ResubscribeMinBackoff <= 0 {
		opts.ResubscribeMinBackoff = DefaultResubscribeMinBackoff
	}
	if opts.ResubscribeMaxBackoff < opts.ResubscribeMinBackoff {
		opts.ResubscribeMaxBackoff = max(DefaultResubscribeMaxBackoff, opts.ResubscribeMinBackoff)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w := &Watcher{
		source:      source,
		runner:      runner,
		records:     recs,
		fromBlock:   opts.FromBlock,
		gracePeriod: opts.GracePeriod,
		abortWindow: opts.AbortWindow,
		minBackoff:  opts.ResubscribeMinBackoff,
		maxBackoff:  opts.ResubscribeMaxBackoff,
		receipts:    opts.Receipts,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "watcher"),
	}
	if opts.Workers > 0 {
		w.sem = make(chan struct{}, opts.Workers)
	}
	return w
}

// Run subscribes and processes tasks until ctx is cancelled. A failure to
// subscribe initially is returned; later subscription errors are retried.
// After cancellation Run waits for in-flight tasks and returns nil, or
// ErrForcedShutdown if they had to be cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.source.Subscribe(ctx, w.fromBlock)
	if err != nil {
		return fmt.Errorf("subscribing to task events: %w", err)
	}
	w.logger.Info("watching for tasks", "fromBlock", w.fromBlock)

	w.Reconcile(ctx)

	// Tasks outlive ctx until the grace period expires.
	taskCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	var wg sync.WaitGroup
	w.receive(ctx, taskCtx, sub, &wg)

	return w.drain(&wg, abort)
}

func (w *Watcher) receive(ctx, taskCtx context.Context, sub chain.Subscription, wg *sync.WaitGroup) {
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return

		case batch := <-sub.Batches():
			w.logger.Debug("received task batch",
				"events", len(batch.Events), "fromBlock", batch.FromBlock, "toBlock", batch.ToBlock)
			for _, ev := range batch.Events {
				if ctx.Err() != nil {
					break
				}
				w.dispatch(taskCtx, ev, wg)
			}

		case err := <-sub.Err():
			sub.Unsubscribe()
			next := sub.Next()
			w.logger.Warn("task subscription failed, resubscribing", "error", err, "fromBlock", next)

			sub, err = w.resubscribe(ctx, next)
			if err != nil {
				// Only cancellation ends resubscription.
				return
			}
		}
	}
}

// dispatch gates ev and starts its processing without blocking the receive
// loop.
func (w *Watcher) dispatch(ctx context.Context, ev models.TaskEvent, wg *sync.WaitGroup) {
	ok, existing := w.records.Begin(ev.TaskIndex)
	if !ok {
		w.runner.Skip(ev, existing)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if w.sem != nil {
			select {
			case w.sem <- struct{}{}:
				defer func() { <-w.sem }()
			case <-ctx.Done():
			}
		}
		w.runner.Run(ctx, ev)
	}()
}

func (w *Watcher) resubscribe(ctx context.Context, from uint64) (chain.Subscription, error) {
	b := retry.NewExponential(w.minBackoff)
	b = retry.WithCappedDuration(w.maxBackoff, b)

	var sub chain.Subscription
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		s, err := w.source.Subscribe(ctx, from)
		if err != nil {
			w.logger.Warn("resubscribe failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.metrics.Resubscribed()
	w.logger.Info("resubscribed to task events", "fromBlock", from, "attempts", attempt)
	return sub, nil
}

func (w *Watcher) drain(wg *sync.WaitGroup, abort context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	w.logger.Info("waiting for in-flight tasks", "gracePeriod", w.gracePeriod)

	grace := time.NewTimer(w.gracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		w.logger.Info("all tasks finished")
		return nil
	case <-grace.C:
	}

	w.logger.Warn("grace period expired, cancelling in-flight tasks")
	abort()

	window := time.NewTimer(w.abortWindow)
	defer window.Stop()
	select {
	case <-done:
	case <-window.C:
		w.logger.Error("in-flight tasks did not stop after cancellation", "abortWindow", w.abortWindow)
	}
	return ErrForcedShutdown
}

// Reconcile checks records left submitted or unconfirmed by a previous run
// against the chain and settles the ones whose receipt is known.
func (w *Watcher) Reconcile(ctx context.Context) {
	if w.receipts == nil {
		return
	}

	for _, r := range w.records.Pending() {
		if r.TxHash == (common.Hash{}) {
			continue
		}
		log := w.logger.With("taskIndex", r.TaskIndex, "txHash", r.TxHash.Hex())

		receipt, err := w.receipts.TransactionReceipt(ctx, r.TxHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			log.Warn("pending response still has no receipt", "state", r.State)
			continue
		case err != nil:
			log.Warn("reconciling pending response", "error", err)
			continue
		case receipt.Status == types.ReceiptStatusSuccessful:
			err = w.records.Complete(r.TaskIndex, r.TxHash)
			log.Info("pending response confirmed")
		default:
			err = w.records.Fail(r.TaskIndex, chain.ErrTxFailed)
			log.Warn("pending response failed on chain")
		}
		if err != nil {
			log.Error("updating processing record", "error", err)
		}
	}
}
