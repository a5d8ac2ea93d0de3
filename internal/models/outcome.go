package models

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// OutcomeKind is the terminal result of processing one task.
type OutcomeKind string

const (
	OutcomeSubmitted OutcomeKind = "submitted"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is what a task processor reports for a single TaskEvent.
type Outcome struct {
	Kind      OutcomeKind
	TaskIndex uint32

	// TxHash is set for submitted outcomes, and for failed outcomes whose
	// transaction was mined but reverted.
	TxHash common.Hash
	IsSafe bool

	// Confirmed is false when the response was broadcast but the receipt
	// was never observed (for example, shutdown during the wait).
	Confirmed bool

	Reason   string
	Err      error
	Attempts int
}

func Submitted(taskIndex uint32, txHash common.Hash, isSafe, confirmed bool) Outcome {
	return Outcome{Kind: OutcomeSubmitted, TaskIndex: taskIndex, TxHash: txHash, IsSafe: isSafe, Confirmed: confirmed}
}

func Skipped(taskIndex uint32, reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, TaskIndex: taskIndex, Reason: reason}
}

func Failed(taskIndex uint32, err error) Outcome {
	o := Outcome{Kind: OutcomeFailed, TaskIndex: taskIndex, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

// LogAttrs returns the structured fields logged for every outcome.
func (o Outcome) LogAttrs() []any {
	attrs := []any{
		slog.Uint64("taskIndex", uint64(o.TaskIndex)),
		slog.String("outcome", string(o.Kind)),
	}
	if o.Reason != "" {
		attrs = append(attrs, slog.String("reason", o.Reason))
	}
	if o.Kind == OutcomeSubmitted {
		attrs = append(attrs,
			slog.String("txHash", o.TxHash.Hex()),
			slog.Bool("isSafe", o.IsSafe),
			slog.Bool("confirmed", o.Confirmed))
	} else if o.TxHash != (common.Hash{}) {
		attrs = append(attrs, slog.String("txHash", o.TxHash.Hex()))
	}
	if o.Attempts > 0 {
		attrs = append(attrs, slog.Int("attempts", o.Attempts))
	}
	return attrs
}
