package main

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spboyer/guardrail/internal/chain"
	"github.com/spboyer/guardrail/internal/models"
	"github.com/spboyer/guardrail/internal/projectconfig"
	"github.com/spboyer/guardrail/internal/signer"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetIn(&bytes.Buffer{})
	cmd.SetOut(&bytes.Buffer{})
	return cmd
}

func TestResolveTaskContents_FromArgs(t *testing.T) {
	contents, err := resolveTaskContents(newTestCommand(), []string{"Hey!"}, false)
	require.NoError(t, err)
	assert.Equal(t, "Hey!", contents)
}

func TestResolveTaskContents_NonInteractiveWithoutArgs(t *testing.T) {
	_, err := resolveTaskContents(newTestCommand(), nil, false)
	require.ErrorIs(t, err, errNoContents)

	_, err = resolveTaskContents(newTestCommand(), []string{"   "}, true)
	require.ErrorIs(t, err, errNoContents)
}

func TestCreateTask_RequiresProducerKey(t *testing.T) {
	t.Setenv(projectconfig.EnvProducerKey, "")
	cfg := projectconfig.New()
	cfg.Chain.ContractAddress = testContract

	_, err := createTask(context.Background(), cfg, "Hey!", nil)
	require.ErrorIs(t, err, signer.ErrMissingKey)
}

func TestCreateTask_RequiresContractAddress(t *testing.T) {
	t.Setenv(projectconfig.EnvProducerKey, testKey)

	_, err := createTask(context.Background(), projectconfig.New(), "Hey!", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract_address")
}

func TestFindTaskCreated(t *testing.T) {
	contract := chain.MustParseContract()
	task := models.Task{Contents: "Hey!", TaskCreatedBlock: 41}
	data, err := contract.EncodeTaskCreatedData(task)
	require.NoError(t, err)

	txHash := common.HexToHash("0xabc")
	receipt := &types.Receipt{
		TxHash: txHash,
		Logs: []*types.Log{
			{Topics: []common.Hash{common.HexToHash("0xdead")}},
			{
				Topics:      []common.Hash{contract.TaskCreatedTopic(), common.BigToHash(big.NewInt(7))},
				Data:        data,
				BlockNumber: 42,
				TxHash:      txHash,
			},
		},
	}

	ev, err := findTaskCreated(contract, receipt)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), ev.TaskIndex)
	assert.Equal(t, task, ev.Task)
	assert.Equal(t, uint64(42), ev.BlockNumber)

	_, err = findTaskCreated(contract, &types.Receipt{TxHash: txHash})
	require.Error(t, err)
}
