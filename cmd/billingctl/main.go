package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"billing-pipeline/internal/allocation"
	"billing-pipeline/internal/archive"
	"billing-pipeline/internal/audit"
	"billing-pipeline/internal/config"
	"billing-pipeline/internal/logging"
	"billing-pipeline/internal/queue"
	"billing-pipeline/internal/store"
	"billing-pipeline/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "billingctl",
		Short:        "Operate the billing job queue and audit log",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(verifyAuditCmd())
	rootCmd.AddCommand(exportAuditCmd())
	rootCmd.AddCommand(balanceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command needs: config, a logger and the store.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.Store
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: st}, nil
}

func (e *env) close() {
	e.store.Close()
	_ = e.logger.Sync()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			applied, err := e.store.RunMigrations(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		orgID      string
		jobType    string
		payload    string
		priority   int
		maxRetries int
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a job and notify workers",
		Example: `  billingctl enqueue --org org-1 --type payment.allocate --payload '{"payment_id":"p-1"}'
  billingctl enqueue --org org-1 --type audit.export --payload '{"organization_id":"org-1","destination":"s3"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			var notifier queue.Notifier = queue.NopNotifier{}
			switch e.cfg.NotifyBackend {
			case "postgres":
				notifier = queue.NewPGNotifier(e.cfg.PostgresDSN, e.cfg.NotifyChannel, e.store.Pool(), e.cfg.ReconnectDelay, e.logger)
			case "redis":
				notifier = queue.NewRedisNotifier(e.cfg, e.logger)
			}
			defer notifier.Close()

			p := worker.NewProcessor(worker.Deps{Jobs: e.store, Runs: e.store, Notifier: notifier, Logger: e.logger}, worker.OptionsFromConfig(e.cfg))
			req := worker.EnqueueRequest{
				OrgID:      orgID,
				JobType:    jobType,
				Payload:    json.RawMessage(payload),
				Priority:   priority,
				MaxRetries: maxRetries,
			}
			if delay > 0 {
				req.ScheduledFor = time.Now().Add(delay)
			}
			job, err := p.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVarP(&jobType, "type", "t", "", "job type, e.g. payment.allocate")
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "JSON payload")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "0 uses the configured default")
	cmd.Flags().DurationVar(&delay, "delay", 0, "schedule the job this far in the future")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job [id]",
		Short: "Show a job and its run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			job, err := e.store.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			out := map[string]any{"job": job}
			if run, err := e.store.GetRun(ctx, args[0]); err == nil {
				out["run"] = run
			}
			return printJSON(cmd, out)
		},
	}
}

func verifyAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-audit [org]",
		Short: "Recompute an organization's audit hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			res, err := audit.NewChain(e.store, nil, e.logger).Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("audit chain of %s is broken at entry %s: %s", args[0], res.BreakEntryID, res.Reason)
			}
			return nil
		},
	}
}

func exportAuditCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "export-audit [org]",
		Short: "Export an organization's audit chain to the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			uploaders, err := archive.NewUploaders(ctx, e.cfg)
			if err != nil {
				return err
			}
			receipt, err := archive.NewExporter(e.store, uploaders, e.logger).Export(ctx, args[0], dest)
			if err != nil {
				return err
			}
			return printJSON(cmd, receipt)
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "local", "local or s3")
	return cmd
}

func balanceCmd() *cobra.Command {
	var (
		year  int
		month int
		asOf  string
	)
	cmd := &cobra.Command{
		Use:   "balance [tenant]",
		Short: "Report SOLL, IST and dunning state of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if month < 0 || month > 12 {
				return fmt.Errorf("month must be 1-12 or 0 for the whole year")
			}
			at := time.Now().UTC()
			if asOf != "" {
				t, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("as-of: %w", err)
				}
				at = t
			}
			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			b, err := allocation.NewReporter(e.store).Report(ctx, args[0], allocation.Period{Year: year, Month: month}, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, b)
		},
	}
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "billing year")
	cmd.Flags().IntVar(&month, "month", 0, "billing month, 0 for the whole year")
	cmd.Flags().StringVar(&asOf, "as-of", "", "report date (YYYY-MM-DD), defaults to today")
	return cmd
}
