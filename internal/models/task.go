package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Task is the on-chain task payload. It mirrors the contract's
// (string contents, uint32 taskCreatedBlock) tuple and is never mutated.
type Task struct {
	Contents         string `json:"contents" abi:"contents"`
	TaskCreatedBlock uint32 `json:"taskCreatedBlock" abi:"taskCreatedBlock"`
}

// TaskEvent is a decoded NewTaskCreated log.
type TaskEvent struct {
	// TaskIndex is assigned by the contract and is the idempotency key.
	TaskIndex uint32 `json:"taskIndex"`
	Task      Task   `json:"task"`

	// Where the event came from. Informational only.
	BlockNumber uint64      `json:"blockNumber"`
	TxHash      common.Hash `json:"txHash"`
	LogIndex    uint        `json:"logIndex"`
}

func (e TaskEvent) String() string {
	return fmt.Sprintf("task %d (block %d)", e.TaskIndex, e.BlockNumber)
}

// Verdict is the classifier's structured safety determination.
type Verdict struct {
	IsSafe bool `json:"isSafe"`

	// Raw is the classifier's unparsed output, kept for logging.
	Raw string `json:"raw,omitempty"`

	// FailedOpen is set when the verdict was produced by the fail-open
	// policy instead of by the classifier.
	FailedOpen bool `json:"failedOpen,omitempty"`
}

// Attestation binds a verdict to a task under the operator key.
type Attestation struct {
	TaskIndex uint32 `json:"taskIndex"`
	Task      Task   `json:"task"`
	IsSafe    bool   `json:"isSafe"`
	Signature []byte `json:"signature"`
}
