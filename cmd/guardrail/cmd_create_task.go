package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spboyer/guardrail/internal/chain"
	"github.com/spboyer/guardrail/internal/models"
	"github.com/spboyer/guardrail/internal/projectconfig"
	"github.com/spboyer/guardrail/internal/signer"
	"github.com/spboyer/guardrail/internal/spinner"
	"github.com/spboyer/guardrail/internal/utils"
	"github.com/spf13/cobra"
)

// errNoContents is returned when create-task has nothing to submit and
// cannot prompt for it.
var errNoContents = errors.New("task contents are required (pass them as an argument or run in a terminal)")

// promptContents and promptConfirm are test hooks for the interactive
// prompts.
var (
	promptContents = defaultPromptContents
	promptConfirm  = defaultPromptConfirm
)

func defaultPromptContents(in io.Reader, out io.Writer) (string, error) {
	var contents string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Task contents").
				Placeholder("Hey!").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("contents cannot be empty")
					}
					return nil
				}).
				Value(&contents),
		),
	).WithInput(in).WithOutput(out).Run()
	return contents, err
}

func defaultPromptConfirm(in io.Reader, out io.Writer, question string) bool {
	var confirmed bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(question).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	).WithInput(in).WithOutput(out).Run()

	if err != nil {
		return false
	}
	return confirmed
}

func newCreateTaskCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "create-task [contents]",
		Short: "Create a new task on the task contract",
		Long: `Create a new task by calling createNewTask on the task contract.

The producer key is read from PRIVATE_KEY. With no contents argument the
contents are prompted for when running in a terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			contents, err := resolveTaskContents(cmd, args, yes)
			if err != nil {
				return err
			}
			if contents == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.") //nolint:errcheck
				return nil
			}

			var progress io.Writer
			if utils.IsTerminal(cmd.OutOrStdout()) {
				progress = cmd.OutOrStdout()
			}
			ev, err := createTask(cmd.Context(), cfg, contents, progress)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %d in block %d (tx %s)\n", //nolint:errcheck
				ev.TaskIndex, ev.BlockNumber, ev.TxHash.Hex())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

// resolveTaskContents returns the contents to submit, or "" if the user
// declined the confirmation.
func resolveTaskContents(cmd *cobra.Command, args []string, yes bool) (string, error) {
	in, out := cmd.InOrStdin(), cmd.OutOrStdout()
	interactive := utils.IsTerminal(in)

	var contents string
	switch {
	case len(args) == 1:
		contents = args[0]
	case interactive:
		c, err := promptContents(in, out)
		if err != nil {
			return "", fmt.Errorf("reading task contents: %w", err)
		}
		contents = c
	default:
		return "", errNoContents
	}

	if strings.TrimSpace(contents) == "" {
		return "", errNoContents
	}
	if !yes && interactive && !promptConfirm(in, out, fmt.Sprintf("Create task %q?", contents)) {
		return "", nil
	}
	return contents, nil
}

// createTask submits createNewTask and waits for it to be mined. Progress is
// drawn on progress while waiting, if it is non-nil.
func createTask(ctx context.Context, cfg *projectconfig.Config, contents string, progress io.Writer) (models.TaskEvent, error) {
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return models.TaskEvent{}, fmt.Errorf("chain.contract_address %q is not a valid address", cfg.Chain.ContractAddress)
	}

	id, err := signer.IdentityFromHex(os.Getenv(projectconfig.EnvProducerKey))
	if err != nil {
		return models.TaskEvent{}, fmt.Errorf("%s: %w", projectconfig.EnvProducerKey, err)
	}

	client, chainID, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return models.TaskEvent{}, err
	}
	defer client.Close()

	contract, err := chain.ParseContract()
	if err != nil {
		return models.TaskEvent{}, err
	}

	submitter := chain.NewSubmitter(client, contract, common.HexToAddress(cfg.Chain.ContractAddress), id, chain.SubmitterOptions{
		ChainID:             chainID,
		ReceiptTimeout:      cfg.Chain.ReceiptTimeout,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval,
	})

	call, err := submitter.Simulate(ctx, chain.MethodCreateNewTask, contents)
	if err != nil {
		return models.TaskEvent{}, err
	}
	tx, err := submitter.Submit(ctx, call, nil)
	if err != nil {
		return models.TaskEvent{}, err
	}
	hash := tx.Hash()
	stop := func() {}
	if progress != nil {
		stop = spinner.Start(progress, "Waiting for "+hash.Hex())
	}
	receipt, err := submitter.AwaitReceipt(ctx, hash)
	stop()
	if err != nil {
		return models.TaskEvent{}, fmt.Errorf("waiting for %s: %w", hash.Hex(), err)
	}
	return findTaskCreated(contract, receipt)
}

// findTaskCreated returns the NewTaskCreated event emitted in receipt.
func findTaskCreated(contract *chain.Contract, receipt *types.Receipt) (models.TaskEvent, error) {
	topic := contract.TaskCreatedTopic()
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		return contract.DecodeTaskEvent(*l)
	}
	return models.TaskEvent{}, fmt.Errorf("transaction %s emitted no %s event", receipt.TxHash.Hex(), chain.EventNewTaskCreated)
}
