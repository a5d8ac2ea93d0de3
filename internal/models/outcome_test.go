package models

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func attrMap(attrs []any) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		attr := a.(slog.Attr)
		m[attr.Key] = attr.Value.String()
	}
	return m
}

func TestOutcomeConstructors(t *testing.T) {
	hash := common.HexToHash("0x01")

	s := Submitted(7, hash, true, true)
	if s.Kind != OutcomeSubmitted || s.TaskIndex != 7 || s.TxHash != hash || !s.IsSafe || !s.Confirmed {
		t.Errorf("Submitted() = %+v", s)
	}

	k := Skipped(7, "already processed")
	if k.Kind != OutcomeSkipped || k.Reason != "already processed" || k.Err != nil {
		t.Errorf("Skipped() = %+v", k)
	}

	boom := errors.New("boom")
	f := Failed(7, boom)
	if f.Kind != OutcomeFailed || f.Reason != "boom" || !errors.Is(f.Err, boom) {
		t.Errorf("Failed() = %+v", f)
	}
	if f := Failed(7, nil); f.Reason != "" {
		t.Errorf("Failed(nil).Reason = %q, want empty", f.Reason)
	}
}

func TestOutcomeLogAttrs(t *testing.T) {
	hash := common.HexToHash("0xabc")

	tests := []struct {
		name    string
		outcome Outcome
		want    map[string]string
	}{
		{
			name:    "submitted",
			outcome: Submitted(3, hash, false, true),
			want: map[string]string{
				"taskIndex": "3",
				"outcome":   "submitted",
				"txHash":    hash.Hex(),
				"isSafe":    "false",
				"confirmed": "true",
			},
		},
		{
			name:    "skipped",
			outcome: Skipped(3, "already processed"),
			want: map[string]string{
				"taskIndex": "3",
				"outcome":   "skipped",
				"reason":    "already processed",
			},
		},
		{
			name: "failed after mining",
			outcome: Outcome{
				Kind:      OutcomeFailed,
				TaskIndex: 3,
				TxHash:    hash,
				Reason:    "reverted",
				Attempts:  2,
			},
			want: map[string]string{
				"taskIndex": "3",
				"outcome":   "failed",
				"reason":    "reverted",
				"txHash":    hash.Hex(),
				"attempts":  "2",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attrMap(tt.outcome.LogAttrs())
			if len(got) != len(tt.want) {
				t.Errorf("LogAttrs() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("LogAttrs()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestTaskEventString(t *testing.T) {
	ev := TaskEvent{TaskIndex: 7, BlockNumber: 120, Task: Task{Contents: "Hey!", TaskCreatedBlock: 119}}
	if got, want := ev.String(), "task 7 (block 120)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
