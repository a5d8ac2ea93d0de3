package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spboyer/guardrail/internal/chain"
	"github.com/spboyer/guardrail/internal/classifier"
	"github.com/spboyer/guardrail/internal/metrics"
	"github.com/spboyer/guardrail/internal/processor"
	"github.com/spboyer/guardrail/internal/projectconfig"
	"github.com/spboyer/guardrail/internal/records"
	"github.com/spboyer/guardrail/internal/signer"
	"github.com/spboyer/guardrail/internal/watcher"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCommand() *cobra.Command {
	var fromBlock uint64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the task contract and respond to new tasks",
		Long: `Watch the task contract for NewTaskCreated events and respond to every new
task exactly once.

The operator key is read from OPERATOR_PRIVATE_KEY, which may also be set in a
.env file next to guardrail.yaml or in the working directory.

On SIGINT or SIGTERM the watcher stops receiving events and waits for in-flight
tasks for up to watcher.grace_period. The process exits with status 1 if tasks
had to be cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("from-block") {
				cfg.Chain.FromBlock = fromBlock
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOperator(ctx, cfg, slog.Default())
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "First block to watch (default: chain.from_block, 0 = current head)")
	return cmd
}

func runOperator(ctx context.Context, cfg *projectconfig.Config, logger *slog.Logger) error {
	if err := cfg.ValidateForRun(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	id, err := signer.IdentityFromHex(os.Getenv(projectconfig.EnvOperatorKey))
	if err != nil {
		return fmt.Errorf("%s: %w", projectconfig.EnvOperatorKey, err)
	}

	cls, err := classifier.Create(classifier.Type(cfg.Classifier.Type), cfg.Classifier.Params)
	if err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}
	if cfg.FailOpen() {
		logger.Warn("classifier fail-open is enabled: classifier errors will be attested as safe")
		cls = classifier.FailOpen(cls, logger)
	}

	var recOpts []records.Option
	recOpts = append(recOpts, records.WithLogger(logger))
	if cfg.Records.JournalDir != "" {
		recOpts = append(recOpts, records.WithJournal(records.NewJournal(cfg.Records.JournalDir)))
	}
	recs := records.NewSet(recOpts...)
	n, err := recs.Load()
	if err != nil {
		return fmt.Errorf("loading processing records: %w", err)
	}
	if n > 0 {
		logger.Info("loaded processing records", "count", n, "dir", cfg.Records.JournalDir)
	}

	client, chainID, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer client.Close()
	if cfg.Chain.ChainID != 0 && chainID.Uint64() != cfg.Chain.ChainID {
		return fmt.Errorf("connected to chain %s, configuration expects chain %d", chainID, cfg.Chain.ChainID)
	}

	contract, err := chain.ParseContract()
	if err != nil {
		return err
	}
	address := common.HexToAddress(cfg.Chain.ContractAddress)

	var rec *metrics.Recorder
	if cfg.MetricsEnabled() {
		rec = metrics.NewRecorder()
	}

	submitter := chain.NewSubmitter(client, contract, address, id, chain.SubmitterOptions{
		ChainID:             chainID,
		ReceiptTimeout:      cfg.Chain.ReceiptTimeout,
		ReceiptPollInterval: cfg.Chain.ReceiptPollInterval,
		Logger:              logger.With("component", "submitter"),
	})
	poller := chain.NewLogPoller(client, contract, address, chain.LogPollerOptions{
		Interval:      cfg.Chain.PollInterval,
		MaxBlockRange: cfg.Chain.MaxBlockRange,
		Logger:        logger.With("component", "poller"),
	})

	proc := processor.New(cls, signer.New(id), submitter, recs, processor.Options{
		ClassifyTimeout:  cfg.Classifier.Timeout,
		MaxAttempts:      cfg.Processor.MaxAttempts,
		InitialBackoff:   cfg.Processor.InitialBackoff,
		MaxBackoff:       cfg.Processor.MaxBackoff,
		MaxContentsBytes: cfg.Processor.MaxContentsBytes,
		Metrics:          rec,
		Logger:           logger,
	})

	w := watcher.New(poller, proc, recs, watcher.Options{
		FromBlock:             cfg.Chain.FromBlock,
		Workers:               cfg.Processor.Workers,
		GracePeriod:           cfg.Watcher.GracePeriod,
		ResubscribeMinBackoff: cfg.Watcher.ResubscribeMinBackoff,
		ResubscribeMaxBackoff: cfg.Watcher.ResubscribeMaxBackoff,
		Receipts:              client,
		Metrics:               rec,
		Logger:                logger,
	})

	logger.Info("operator starting",
		"operator", id,
		"contract", address.Hex(),
		"chainID", chainID,
		"classifier", cls.Name())

	var srv *metrics.Server
	if rec != nil {
		srv, err = metrics.NewServer(rec, metrics.ServerConfig{
			Address: cfg.Metrics.Address,
			Logger:  logger.With("component", "metrics"),
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	err = g.Wait()
	logSummary(logger, recs)
	return err
}

func logSummary(logger *slog.Logger, recs *records.Set) {
	counts := recs.Counts()
	attrs := make([]any, 0, len(counts)*2)
	for _, s := range []records.State{
		records.StateCompleted,
		records.StateFailed,
		records.StateUnconfirmed,
		records.StateSubmitted,
		records.StateInFlight,
	} {
		if c := counts[s]; c > 0 {
			attrs = append(attrs, string(s), c)
		}
	}
	logger.Info("operator stopped", attrs...)
}
