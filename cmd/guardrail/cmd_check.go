package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spboyer/guardrail/internal/chain"
	"github.com/spboyer/guardrail/internal/classifier"
	"github.com/spboyer/guardrail/internal/projectconfig"
	"github.com/spboyer/guardrail/internal/records"
	"github.com/spboyer/guardrail/internal/signer"
	"github.com/spf13/cobra"
)

// errCheckFailed is returned when at least one readiness check failed.
var errCheckFailed = errors.New("one or more checks failed")

const probeContents = "Hey!"

type checkStatus string

const (
	checkOK      checkStatus = "ok"
	checkFailed  checkStatus = "failed"
	checkSkipped checkStatus = "skipped"
)

type checkItem struct {
	Name   string      `json:"name"`
	Status checkStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

type checkReport struct {
	Timestamp  string      `json:"timestamp"`
	ConfigPath string      `json:"configPath,omitempty"`
	Ready      bool        `json:"ready"`
	Checks     []checkItem `json:"checks"`
}

func (r *checkReport) add(name string, status checkStatus, detail string) {
	r.Checks = append(r.Checks, checkItem{Name: name, Status: status, Detail: detail})
}

func newCheckCommand() *cobra.Command {
	var (
		offline bool
		probe   bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the operator is ready to run",
		Long: `Check that the operator is ready to run.

Performs the following checks:
  1. Configuration - guardrail.yaml is valid and complete
  2. Operator key - OPERATOR_PRIVATE_KEY is set and well formed
  3. Classifier - the configured classifier can be created (and, with --probe, answers)
  4. Chain - the RPC endpoint is reachable, on the expected chain, and the contract has code
  5. Records - the record journal, if configured, can be read`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			report := runChecks(cmd.Context(), cfg, offline, probe)

			format, _ := cmd.Flags().GetString("format")
			if err := printCheckReport(cmd.OutOrStdout(), report, format); err != nil {
				return err
			}
			if !report.Ready {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip checks that need the RPC endpoint")
	cmd.Flags().BoolVar(&probe, "probe", false, "Send a probe message through the classifier")
	return cmd
}

func runChecks(ctx context.Context, cfg *projectconfig.Config, offline, probe bool) *checkReport {
	report := &checkReport{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		ConfigPath: cfg.Path,
	}

	if err := cfg.ValidateForRun(); err != nil {
		report.add("config", checkFailed, err.Error())
	} else {
		report.add("config", checkOK, "")
	}

	if id, err := signer.IdentityFromHex(os.Getenv(projectconfig.EnvOperatorKey)); err != nil {
		report.add("operator key", checkFailed, err.Error())
	} else {
		report.add("operator key", checkOK, id.Address().Hex())
	}

	checkClassifier(ctx, cfg, probe, report)

	if offline {
		report.add("chain", checkSkipped, "--offline")
	} else {
		checkChain(ctx, cfg, report)
	}

	checkRecords(cfg, report)

	report.Ready = true
	for _, c := range report.Checks {
		if c.Status == checkFailed {
			report.Ready = false
		}
	}
	return report
}

func checkClassifier(ctx context.Context, cfg *projectconfig.Config, probe bool, report *checkReport) {
	cls, err := classifier.Create(classifier.Type(cfg.Classifier.Type), cfg.Classifier.Params)
	if err != nil {
		report.add("classifier", checkFailed, err.Error())
		return
	}
	if !probe {
		report.add("classifier", checkOK, cls.Name())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Classifier.Timeout)
	defer cancel()
	v, err := cls.Classify(ctx, probeContents)
	if err != nil {
		report.add("classifier", checkFailed, fmt.Sprintf("%s: %v", cls.Name(), err))
		return
	}
	report.add("classifier", checkOK, fmt.Sprintf("%s: %q is safe=%t", cls.Name(), probeContents, v.IsSafe))
}

func checkChain(ctx context.Context, cfg *projectconfig.Config, report *checkReport) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, chainID, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		report.add("chain", checkFailed, err.Error())
		return
	}
	defer client.Close()

	if cfg.Chain.ChainID != 0 && chainID.Uint64() != cfg.Chain.ChainID {
		report.add("chain", checkFailed, fmt.Sprintf("connected to chain %s, configuration expects chain %d", chainID, cfg.Chain.ChainID))
		return
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		report.add("chain", checkFailed, err.Error())
		return
	}
	report.add("chain", checkOK, fmt.Sprintf("chain %s at block %d", chainID, head))

	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		report.add("contract", checkSkipped, "no valid contract address")
		return
	}
	address := common.HexToAddress(cfg.Chain.ContractAddress)
	code, err := client.CodeAt(ctx, address, nil)
	switch {
	case err != nil:
		report.add("contract", checkFailed, err.Error())
	case len(code) == 0:
		report.add("contract", checkFailed, fmt.Sprintf("no contract code at %s", address.Hex()))
	default:
		report.add("contract", checkOK, address.Hex())
	}
}

func checkRecords(cfg *projectconfig.Config, report *checkReport) {
	if cfg.Records.JournalDir == "" {
		report.add("records", checkSkipped, "no journal configured")
		return
	}
	recs := records.NewSet(records.WithJournal(records.NewJournal(cfg.Records.JournalDir)))
	n, err := recs.Load()
	if err != nil {
		report.add("records", checkFailed, err.Error())
		return
	}
	report.add("records", checkOK, fmt.Sprintf("%d records, %d pending", n, len(recs.Pending())))
}

func printCheckReport(out io.Writer, r *checkReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text":
		if r.ConfigPath != "" {
			fmt.Fprintf(out, "Config: %s\n\n", r.ConfigPath) //nolint:errcheck
		}
		for _, c := range r.Checks {
			icon := "✅"
			switch c.Status {
			case checkFailed:
				icon = "❌"
			case checkSkipped:
				icon = "⏭️"
			}
			line := fmt.Sprintf("%s %s", icon, c.Name)
			if c.Detail != "" {
				line += ": " + c.Detail
			}
			fmt.Fprintln(out, line) //nolint:errcheck
		}
		if r.Ready {
			fmt.Fprintln(out, "\nReady to run.") //nolint:errcheck
		} else {
			fmt.Fprintln(out, "\nNot ready: fix the failed checks above.") //nolint:errcheck
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q: expected text or json", format)
	}
}
