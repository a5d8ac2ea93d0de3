// Package processor drives a single task through classify, attest, simulate,
// submit and receipt confirmation.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"
	"github.com/spboyer/guardrail/internal/chain"
	"github.com/spboyer/guardrail/internal/classifier"
	"github.com/spboyer/guardrail/internal/metrics"
	"github.com/spboyer/guardrail/internal/models"
	"github.com/spboyer/guardrail/internal/records"
)

//go:generate go tool mockgen -destination=mocks_test.go -package=processor . Attester,Responder
//go:generate go tool mockgen -destination=classifier_mock_test.go -package=processor -mock_names=Classifier=MockClassifier github.com/spboyer/guardrail/internal/classifier Classifier

// ErrMalformedTask is returned for tasks whose contents cannot be processed.
var ErrMalformedTask = errors.New("malformed task")

// Pipeline step names, used in logs and metrics.
const (
	StepClassify = "classify"
	StepSign     = "sign"
	StepSimulate = "simulate"
	StepSubmit   = "submit"
	StepReceipt  = "receipt"
)

const skipReasonDuplicate = "already processed"

// Attester signs the (isSafe, contents) binding for a task.
type Attester interface {
	Sign(isSafe bool, contents string) ([]byte, error)
}

// Responder simulates, sends and confirms contract calls. It is satisfied by
// [*chain.Submitter]. Submit signs exactly once; a transaction whose send
// failed is retried with Broadcast.
type Responder interface {
	Simulate(ctx context.Context, method string, args ...any) (*chain.PreparedCall, error)
	Submit(ctx context.Context, call *chain.PreparedCall, signed func(*types.Transaction)) (*types.Transaction, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	AwaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options configures a [Processor]. Zero values fall back to defaults.
type Options struct {
	ClassifyTimeout  time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxContentsBytes int

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

const (
	DefaultClassifyTimeout  = 30 * time.Second
	DefaultMaxAttempts      = 5
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultMaxContentsBytes = 16 * 1024
)

// Processor runs the response pipeline for individual tasks. It is safe for
// concurrent use; each call to Run owns exactly one task.
type Processor struct {
	classifier classifier.Classifier
	attester   Attester
	responder  Responder
	records    *records.Set

	classifyTimeout  time.Duration
	maxAttempts      int
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	maxContentsBytes int

	metrics *metrics.Recorder
	logger  *slog.Logger
}

func New(cls classifier.Classifier, att Attester, resp Responder, recs *records.Set, opts Options) *Processor {
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = DefaultClassifyTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(DefaultMaxBackoff, opts.InitialBackoff)
	}
	if opts.MaxContentsBytes <= 0 {
		opts.MaxContentsBytes = DefaultMaxContentsBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Processor{
		classifier:       cls,
		attester:         att,
		responder:        resp,
		records:          recs,
		classifyTimeout:  opts.ClassifyTimeout,
		maxAttempts:      opts.MaxAttempts,
		initialBackoff:   opts.InitialBackoff,
		maxBackoff:       opts.MaxBackoff,
		maxContentsBytes: opts.MaxContentsBytes,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With("component", "processor"),
	}
}

// Process gates ev on the record set and runs it if no record exists yet.
func (p *Processor) Process(ctx context.Context, ev models.TaskEvent) models.Outcome {
	if ok, existing := p.records.Begin(ev.TaskIndex); !ok {
		return p.Skip(ev, existing)
	}
	return p.Run(ctx, ev)
}

// Skip reports a task that was not run because it already has a record.
func (p *Processor) Skip(ev models.TaskEvent, existing records.Record) models.Outcome {
	o := models.Skipped(ev.TaskIndex, skipReasonDuplicate)
	p.metrics.TaskSkipped()
	p.logger.Info("task skipped", append(o.LogAttrs(), slog.String("state", string(existing.State)))...)
	return o
}

// Run processes an event that has already been marked in flight. It always
// leaves the record in a non in-flight state and never returns an error;
// failures are reported in the outcome.
func (p *Processor) Run(ctx context.Context, ev models.TaskEvent) models.Outcome {
	p.metrics.TaskStarted()

	t := &taskRun{ev: ev}
	o := p.run(ctx, t)
	o.Attempts = t.attempts

	p.metrics.TaskFinished(o.Kind)
	switch o.Kind {
	case models.OutcomeFailed:
		p.logger.Error("task failed", o.LogAttrs()...)
	default:
		p.logger.Info("task processed", o.LogAttrs()...)
	}
	return o
}

// taskRun caches the result of every completed step so that a retry resumes
// at the step that failed.
type taskRun struct {
	ev       models.TaskEvent
	attempts int

	verdict     *models.Verdict
	attestation *models.Attestation
	call        *chain.PreparedCall
	tx          *types.Transaction
	txHash      common.Hash
	sent        bool
}

// submitted reports whether the response transaction has been signed. From
// then on the task only ever resends that transaction.
func (t *taskRun) submitted() bool {
	return t.tx != nil
}

func (p *Processor) run(ctx context.Context, t *taskRun) models.Outcome {
	idx := t.ev.TaskIndex

	if err := p.validate(t.ev.Task); err != nil {
		p.recordFail(idx, err)
		return models.Failed(idx, err)
	}

	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		t.attempts++
		err := p.attempt(ctx, t)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && retryable(err) {
			p.logger.Warn("task attempt failed, retrying",
				"taskIndex", idx, "attempt", t.attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		if rerr := p.records.Complete(idx, t.txHash); rerr != nil {
			p.logger.Error("recording completion", "taskIndex", idx, "error", rerr)
		}
		return models.Submitted(idx, t.txHash, t.verdict.IsSafe, true)

	case t.submitted() && ctx.Err() != nil:
		p.recordUnconfirmed(idx, t.txHash, ctx.Err())
		o := models.Submitted(idx, t.txHash, t.verdict.IsSafe, false)
		o.Reason = "receipt not observed before shutdown"
		return o

	case t.submitted() && !errors.Is(err, chain.ErrTxFailed):
		// The transaction may still be mined; leave it for reconciliation.
		p.recordUnconfirmed(idx, t.txHash, err)
		o := models.Failed(idx, err)
		o.TxHash = t.txHash
		o.IsSafe = t.verdict.IsSafe
		return o

	default:
		p.recordFail(idx, err)
		o := models.Failed(idx, err)
		o.TxHash = t.txHash
		if t.verdict != nil {
			o.IsSafe = t.verdict.IsSafe
		}
		return o
	}
}

func (p *Processor) recordUnconfirmed(idx uint32, txHash common.Hash, cause error) {
	if rerr := p.records.MarkUnconfirmed(idx, txHash, cause); rerr != nil {
		p.logger.Error("recording unconfirmed submission", "taskIndex", idx, "error", rerr)
	}
}

func (p *Processor) recordFail(idx uint32, err error) {
	if rerr := p.records.Fail(idx, err); rerr != nil {
		p.logger.Error("recording failure", "taskIndex", idx, "error", rerr)
	}
}

func (p *Processor) validate(task models.Task) error {
	if strings.TrimSpace(task.Contents) == "" {
		return fmt.Errorf("%w: empty contents", ErrMalformedTask)
	}
	if len(task.Contents) > p.maxContentsBytes {
		return fmt.Errorf("%w: contents are %d bytes, limit is %d", ErrMalformedTask, len(task.Contents), p.maxContentsBytes)
	}
	return nil
}

func (p *Processor) backoff() retry.Backoff {
	b := retry.NewExponential(p.initialBackoff)
	b = retry.WithCappedDuration(p.maxBackoff, b)
	return retry.WithMaxRetries(uint64(p.maxAttempts-1), b)
}

// attempt runs every step that has not completed yet.
func (p *Processor) attempt(ctx context.Context, t *taskRun) error {
	ev := t.ev

	if t.verdict == nil {
		v, err := p.classify(ctx, ev.Task.Contents)
		if err != nil {
			return &stepError{step: StepClassify, err: err, retry: true}
		}
		t.verdict = &v
		p.metrics.Verdict(v.IsSafe)
		p.logger.Debug("task classified",
			"taskIndex", ev.TaskIndex, "isSafe", v.IsSafe, "failedOpen", v.FailedOpen, "raw", v.Raw)
	}

	if t.attestation == nil {
		start := time.Now()
		sig, err := p.attester.Sign(t.verdict.IsSafe, ev.Task.Contents)
		p.metrics.StepAttempt(StepSign, time.Since(start))
		if err != nil {
			return &stepError{step: StepSign, err: err}
		}
		t.attestation = &models.Attestation{
			TaskIndex: ev.TaskIndex,
			Task:      ev.Task,
			IsSafe:    t.verdict.IsSafe,
			Signature: sig,
		}
	}

	if !t.submitted() {
		if t.call == nil {
			a := t.attestation
			start := time.Now()
			call, err := p.responder.Simulate(ctx, chain.MethodRespondToTask, a.Task, a.TaskIndex, a.Signature, a.IsSafe)
			p.metrics.StepAttempt(StepSimulate, time.Since(start))
			if err != nil {
				return &stepError{step: StepSimulate, err: err, retry: chain.IsTransient(err)}
			}
			t.call = call
		}

		start := time.Now()
		tx, err := p.responder.Submit(ctx, t.call, func(tx *types.Transaction) {
			p.signed(t, tx)
		})
		p.metrics.StepAttempt(StepSubmit, time.Since(start))
		if tx != nil && !t.submitted() {
			p.signed(t, tx)
		}
		if err != nil {
			return &stepError{step: StepSubmit, err: err, retry: chain.IsTransient(err)}
		}
		t.sent = true
		p.logger.Info("response submitted", "taskIndex", ev.TaskIndex, "txHash", t.txHash.Hex(), "isSafe", t.verdict.IsSafe)
	} else if !t.sent {
		start := time.Now()
		err := p.responder.Broadcast(ctx, t.tx)
		p.metrics.StepAttempt(StepSubmit, time.Since(start))
		if err != nil {
			return &stepError{step: StepSubmit, err: err, retry: chain.IsTransient(err)}
		}
		t.sent = true
		p.logger.Info("response resent", "taskIndex", ev.TaskIndex, "txHash", t.txHash.Hex())
	}

	start := time.Now()
	_, err := p.responder.AwaitReceipt(ctx, t.txHash)
	p.metrics.StepAttempt(StepReceipt, time.Since(start))
	if err != nil {
		return &stepError{step: StepReceipt, err: err, retry: chain.IsTransient(err)}
	}
	return nil
}

// signed records the response transaction before it is broadcast, so a crash
// mid-send leaves a record that reconciliation can settle.
func (p *Processor) signed(t *taskRun, tx *types.Transaction) {
	t.tx = tx
	t.txHash = tx.Hash()
	if err := p.records.MarkSubmitted(t.ev.TaskIndex, t.txHash); err != nil {
		p.logger.Error("recording submission", "taskIndex", t.ev.TaskIndex, "error", err)
	}
}

func (p *Processor) classify(ctx context.Context, contents string) (models.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.classifyTimeout)
	defer cancel()

	start := time.Now()
	v, err := p.classifier.Classify(ctx, contents)
	p.metrics.StepAttempt(StepClassify, time.Since(start))
	return v, err
}

// stepError records which pipeline step failed and whether retrying it can
// help.
type stepError struct {
	step  string
	err   error
	retry bool
}

func (e *stepError) Error() string {
	return e.step + ": " + e.err.Error()
}

func (e *stepError) Unwrap() error {
	return e.err
}

func retryable(err error) bool {
	var se *stepError
	if errors.As(err, &se) {
		return se.retry
	}
	return false
}
