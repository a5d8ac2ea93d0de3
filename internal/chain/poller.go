package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spboyer/guardrail/internal/models"
)

const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxBlockRange = 1000
)

// Batch is the set of task events found in one polled block range, in log
// order.
type Batch struct {
	Events    []models.TaskEvent
	FromBlock uint64
	ToBlock   uint64
}

// Subscription is a live stream of task event batches. It follows the shape
// of go-ethereum's event.Subscription: Err delivers at most one error and is
// closed by Unsubscribe.
type Subscription interface {
	Batches() <-chan Batch
	Err() <-chan error

	// Next is the first block not yet delivered. Resubscribing from it
	// neither skips nor replays ranges.
	Next() uint64

	Unsubscribe()
}

// EventSource starts task event subscriptions.
type EventSource interface {
	// Subscribe starts delivering events from fromBlock; zero means the
	// current head. Failure to reach the chain is returned immediately.
	Subscribe(ctx context.Context, fromBlock uint64) (Subscription, error)
}

// LogPollerOptions configures a [LogPoller].
type LogPollerOptions struct {
	Interval      time.Duration
	MaxBlockRange uint64
	Logger        *slog.Logger
}

// LogPoller is an [EventSource] built on eth_getLogs, which works over plain
// HTTP endpoints.
type LogPoller struct {
	backend  Backend
	contract *Contract
	address  common.Address
	interval time.Duration
	maxRange uint64
	logger   *slog.Logger
}

func NewLogPoller(backend Backend, contract *Contract, address common.Address, opts LogPollerOptions) *LogPoller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxBlockRange == 0 {
		opts.MaxBlockRange = DefaultMaxBlockRange
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &LogPoller{
		backend:  backend,
		contract: contract,
		address:  address,
		interval: opts.Interval,
		maxRange: opts.MaxBlockRange,
		logger:   opts.Logger,
	}
}

func (p *LogPoller) Subscribe(ctx context.Context, fromBlock uint64) (Subscription, error) {
	head, err := p.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	if fromBlock == 0 {
		fromBlock = head
	}

	sub := &pollSubscription{
		poller:  p,
		batches: make(chan Batch),
		errc:    make(chan error, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	sub.next.Store(fromBlock)

	p.logger.Debug("subscribed to task events", "contract", p.address.Hex(), "fromBlock", fromBlock, "head", head)

	go sub.loop(ctx)
	return sub, nil
}

type pollSubscription struct {
	poller  *LogPoller
	batches chan Batch
	errc    chan error
	quit    chan struct{}
	done    chan struct{}
	next    atomic.Uint64
	once    sync.Once
}

func (s *pollSubscription) Batches() <-chan Batch { return s.batches }
func (s *pollSubscription) Err() <-chan error     { return s.errc }
func (s *pollSubscription) Next() uint64          { return s.next.Load() }

func (s *pollSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		<-s.done
		close(s.errc)
	})
}

func (s *pollSubscription) loop(ctx context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.poller.interval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil {
			if ctx.Err() == nil {
				s.errc <- err
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll catches up from next to the current head.
func (s *pollSubscription) poll(ctx context.Context) error {
	head, err := s.poller.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("reading chain head: %w", err)
	}

	for next := s.next.Load(); next <= head; next = s.next.Load() {
		to := min(head, next+s.poller.maxRange-1)

		events, err := s.poller.fetch(ctx, next, to)
		if err != nil {
			return err
		}

		if len(events) > 0 {
			select {
			case s.batches <- Batch{Events: events, FromBlock: next, ToBlock: to}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		s.next.Store(to + 1)
	}
	return nil
}

func (p *LogPoller) fetch(ctx context.Context, from, to uint64) ([]models.TaskEvent, error) {
	logs, err := p.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{p.address},
		Topics:    [][]common.Hash{{p.contract.TaskCreatedTopic()}},
	})
	if err != nil {
		return nil, fmt.Errorf("filtering logs %d-%d: %w", from, to, err)
	}

	events := make([]models.TaskEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := p.contract.DecodeTaskEvent(l)
		if err != nil {
			if errors.Is(err, ErrMalformedLog) {
				p.logger.Error("skipping undecodable task event",
					"block", l.BlockNumber, "tx", l.TxHash.Hex(), "logIndex", l.Index, "error", err)
				continue
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
