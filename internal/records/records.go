// Package records tracks, per task index, whether a response is in flight
// or done. It is the idempotency gate that keeps the operator from
// responding to the same task twice.
package records

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle position of a task's response.
type State string

const (
	StateInFlight State = "in_flight"
	// StateSubmitted means the response transaction was broadcast and its
	// receipt has not been observed yet.
	StateSubmitted State = "submitted"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	// StateUnconfirmed means processing stopped after broadcast but before
	// a receipt. A restart reconciles it instead of resubmitting.
	StateUnconfirmed State = "unconfirmed"
)

// Terminal reports whether no further transitions are expected in this
// process.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateUnconfirmed
}

// ErrUnknownTask is returned when a transition targets a task index that was
// never begun.
var ErrUnknownTask = errors.New("no processing record for task")

// Record is one task's processing marker.
type Record struct {
	TaskIndex uint32      `json:"task_index"`
	State     State       `json:"state"`
	TxHash    common.Hash `json:"tx_hash,omitempty"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Set is the in-memory record set. Every operation takes the same mutex so
// that Begin is an atomic check-and-mark.
type Set struct {
	mu      sync.Mutex
	records map[uint32]*Record
	journal *Journal
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a [Set].
type Option func(*Set)

// WithJournal persists terminal and submitted records to j.
func WithJournal(j *Journal) Option {
	return func(s *Set) { s.journal = j }
}

// WithLogger sets the logger used for journal write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) { s.logger = l }
}

func NewSet(opts ...Option) *Set {
	s := &Set{
		records: make(map[uint32]*Record),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load seeds the set from the journal, if one is configured. It must be
// called before any Begin.
func (s *Set) Load() (int, error) {
	if s.journal == nil {
		return 0, nil
	}

	recs, err := s.journal.Load()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range recs {
		r := recs[i]
		s.records[r.TaskIndex] = &r
	}
	return len(recs), nil
}

// Begin marks taskIndex in flight. It returns false together with the
// existing record when the task has been seen before in any state.
func (s *Set) Begin(taskIndex uint32) (bool, Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[taskIndex]; ok {
		return false, *r
	}

	r := &Record{TaskIndex: taskIndex, State: StateInFlight, UpdatedAt: s.now()}
	s.records[taskIndex] = r
	return true, *r
}

// MarkSubmitted records that the response transaction was broadcast.
func (s *Set) MarkSubmitted(taskIndex uint32, txHash common.Hash) error {
	return s.transition(taskIndex, StateSubmitted, txHash, nil)
}

// Complete records a confirmed response.
func (s *Set) Complete(taskIndex uint32, txHash common.Hash) error {
	return s.transition(taskIndex, StateCompleted, txHash, nil)
}

// Fail records a terminal failure. The task stays gated for the rest of the
// process lifetime.
func (s *Set) Fail(taskIndex uint32, cause error) error {
	return s.transition(taskIndex, StateFailed, common.Hash{}, cause)
}

// MarkUnconfirmed records a broadcast response whose receipt was not seen.
func (s *Set) MarkUnconfirmed(taskIndex uint32, txHash common.Hash, cause error) error {
	return s.transition(taskIndex, StateUnconfirmed, txHash, cause)
}

func (s *Set) transition(taskIndex uint32, state State, txHash common.Hash, cause error) error {
	s.mu.Lock()
	r, ok := s.records[taskIndex]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w %d", ErrUnknownTask, taskIndex)
	}

	r.State = state
	if txHash != (common.Hash{}) {
		r.TxHash = txHash
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	r.UpdatedAt = s.now()
	snapshot := *r
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Put(snapshot); err != nil {
			s.logger.Error("failed to journal processing record",
				"taskIndex", taskIndex, "state", state, "error", err)
		}
	}
	return nil
}

// Get returns the record for taskIndex.
func (s *Set) Get(taskIndex uint32) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[taskIndex]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Snapshot returns a copy of every record ordered by task index.
func (s *Set) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskIndex < out[j].TaskIndex })
	return out
}

// Pending returns the records that have a transaction hash but no known
// receipt.
func (s *Set) Pending() []Record {
	var out []Record
	for _, r := range s.Snapshot() {
		if r.State == StateSubmitted || r.State == StateUnconfirmed {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns how many records are in each state.
func (s *Set) Counts() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[State]int)
	for _, r := range s.records {
		counts[r.State]++
	}
	return counts
}
