// Package chain talks to the task contract over JSON-RPC: it polls for
// NewTaskCreated events and simulates, submits and confirms calls.
package chain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spboyer/guardrail/internal/models"
)

const (
	MethodRespondToTask = "respondToTask"
	MethodCreateNewTask = "createNewTask"
	EventNewTaskCreated = "NewTaskCreated"
)

const taskTuple = `{"name":"%s","type":"tuple","components":[{"name":"contents","type":"string"},{"name":"taskCreatedBlock","type":"uint32"}]%s}`

// contractABI covers the subset of the task contract the operator uses.
var contractABI = `[
	{"type":"function","name":"respondToTask","stateMutability":"nonpayable","inputs":[
		` + fmt.Sprintf(taskTuple, "task", "") + `,
		{"name":"taskIndex","type":"uint32"},
		{"name":"signature","type":"bytes"},
		{"name":"isSafe","type":"bool"}
	],"outputs":[]},
	{"type":"function","name":"createNewTask","stateMutability":"nonpayable","inputs":[
		{"name":"contents","type":"string"}
	],"outputs":[` + fmt.Sprintf(taskTuple, "", "") + `]},
	{"type":"event","name":"NewTaskCreated","anonymous":false,"inputs":[
		{"name":"taskIndex","type":"uint32","indexed":true},
		` + fmt.Sprintf(taskTuple, "task", `,"indexed":false`) + `
	]}
]`

// ErrMalformedLog is returned for logs that are not a decodable
// NewTaskCreated event.
var ErrMalformedLog = errors.New("malformed NewTaskCreated log")

// Contract is the parsed task contract ABI.
type Contract struct {
	abi abi.ABI
}

// ParseContract parses the embedded ABI.
func ParseContract() (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parsing task contract ABI: %w", err)
	}
	return &Contract{abi: parsed}, nil
}

// MustParseContract is ParseContract for package level initialization and
// tests.
func MustParseContract() *Contract {
	c, err := ParseContract()
	if err != nil {
		panic(err)
	}
	return c
}

// Pack encodes a call to method.
func (c *Contract) Pack(method string, args ...any) ([]byte, error) {
	return c.abi.Pack(method, args...)
}

// TaskCreatedTopic is the NewTaskCreated event signature hash.
func (c *Contract) TaskCreatedTopic() common.Hash {
	return c.abi.Events[EventNewTaskCreated].ID
}

// DecodeTaskEvent turns a NewTaskCreated log into a TaskEvent.
func (c *Contract) DecodeTaskEvent(l types.Log) (models.TaskEvent, error) {
	if len(l.Topics) != 2 || l.Topics[0] != c.TaskCreatedTopic() {
		return models.TaskEvent{}, fmt.Errorf("%w: unexpected topics in tx %s", ErrMalformedLog, l.TxHash.Hex())
	}

	idx := new(big.Int).SetBytes(l.Topics[1].Bytes())
	if !idx.IsUint64() || idx.Uint64() > math.MaxUint32 {
		return models.TaskEvent{}, fmt.Errorf("%w: task index %s out of range", ErrMalformedLog, idx)
	}

	values, err := c.abi.Unpack(EventNewTaskCreated, l.Data)
	if err != nil {
		return models.TaskEvent{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
	}
	if len(values) != 1 {
		return models.TaskEvent{}, fmt.Errorf("%w: expected 1 value, got %d", ErrMalformedLog, len(values))
	}

	task, ok := abi.ConvertType(values[0], new(models.Task)).(*models.Task)
	if !ok {
		return models.TaskEvent{}, fmt.Errorf("%w: unexpected task tuple %T", ErrMalformedLog, values[0])
	}

	return models.TaskEvent{
		TaskIndex:   uint32(idx.Uint64()),
		Task:        *task,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, nil
}

// EncodeTaskCreatedData is the inverse of the data half of DecodeTaskEvent.
// It is used to build fixtures.
func (c *Contract) EncodeTaskCreatedData(task models.Task) ([]byte, error) {
	return c.abi.Events[EventNewTaskCreated].Inputs.NonIndexed().Pack(task)
}
