// Package main provides the CLI entry point for exportsignal.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ukaji3/exportsignal/pkg/exportsignal"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/config"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/logging"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/models"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/output"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/server"
	"github.com/ukaji3/exportsignal/pkg/exportsignal/workbook"
)

var (
	configPath   string
	workbookPath string
	sheet        string
	cell         string
	mode         string
	pollInterval time.Duration
	timeout      time.Duration
	logSheet     string
	logFile      string
	pretty       bool
	listen       string
	lastRuns     int
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exportsignal",
		Short: "Request a Shopify export through a workbook control cell",
		Long: `exportsignal sets a control cell (Control!B2 by default) in a shared xlsx
workbook to "true" so an external worker starts an export, then waits for the
cell to read "false" again.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")
	pf.StringVarP(&workbookPath, "workbook", "w", "", "Workbook path (default from config: control.xlsx)")
	pf.StringVar(&sheet, "sheet", "", "Control sheet name (default Control)")
	pf.StringVar(&cell, "cell", "", "Control cell address (default B2)")
	pf.StringVar(&mode, "mode", "", "Wait mode: legacy or await (default legacy)")
	pf.DurationVar(&pollInterval, "interval", 0, "Poll interval (default 5s)")
	pf.DurationVar(&timeout, "timeout", 0, "Await mode timeout (0 = none)")
	pf.StringVar(&logSheet, "log-sheet", "", "Run log sheet name (default Logs)")
	pf.StringVar(&logFile, "log-file", "", "Process log file (default stderr)")
	pf.BoolVar(&pretty, "pretty", false, "Pretty-print JSON output")

	rootCmd.AddCommand(
		newInitCmd(),
		newGetCmd(),
		newSetCmd(),
		newTriggerCmd(),
		newStatusCmd(),
		newServeCmd(),
	)
	return rootCmd
}

// loadConfig merges the config file, environment and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("workbook") {
		cfg.Workbook = workbookPath
	}
	if flags.Changed("sheet") {
		cfg.Sheet = sheet
	}
	if flags.Changed("cell") {
		cfg.Cell = cell
	}
	if flags.Changed("mode") {
		cfg.Mode = mode
	}
	if flags.Changed("interval") {
		cfg.PollInterval = pollInterval
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("log-sheet") {
		cfg.LogSheet = logSheet
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if flags.Lookup("listen") != nil && flags.Changed("listen") {
		cfg.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env bundles what every command needs.
type env struct {
	cfg      *config.Config
	wb       *workbook.Workbook
	signaler *exportsignal.Signaler
	runLog   *workbook.RunLog
	logger   logging.Logger
	closers  []io.Closer
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i].Close()
	}
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg}

	if cfg.LogFile != "" {
		l, err := logging.Open(cfg.LogFile)
		if err != nil {
			return nil, err
		}
		e.logger = l
		e.closers = append(e.closers, l)
	} else {
		e.logger = logging.New(cmd.ErrOrStderr())
	}

	if _, err := os.Stat(cfg.Workbook); os.IsNotExist(err) {
		e.Close()
		return nil, fmt.Errorf("workbook not found: %s (run `exportsignal init` first)", cfg.Workbook)
	}
	wb, err := workbook.Open(cfg.Workbook)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	e.wb = wb
	e.closers = append(e.closers, wb)

	opts, err := cfg.Options()
	if err != nil {
		e.Close()
		return nil, err
	}
	sigOpts := []exportsignal.Option{
		exportsignal.WithLogger(e.logger),
		exportsignal.WithNotifier(exportsignal.NotifierFunc(func(_ context.Context, message string) error {
			_, err := fmt.Fprintln(cmd.ErrOrStderr(), message)
			return err
		})),
	}
	if cfg.LogSheet != "" {
		e.runLog = workbook.NewRunLog(wb, cfg.LogSheet)
		sigOpts = append(sigOpts, exportsignal.WithRecorder(e.runLog))
	}
	sig, err := exportsignal.New(wb, opts, sigOpts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.signaler = sig
	return e, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := output.ToJSON(v, pretty)
	if err != nil {
		return fmt.Errorf("serialization failed: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workbook with the control cell set to \"false\"",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Workbook); err == nil && !force {
				return fmt.Errorf("workbook already exists: %s (use --force to overwrite)", cfg.Workbook)
			}
			opts, err := cfg.Options()
			if err != nil {
				return err
			}
			ref, err := opts.Ref()
			if err != nil {
				return err
			}
			wb, err := workbook.Create(cfg.Workbook, ref, cfg.LogSheet)
			if err != nil {
				return fmt.Errorf("failed to create workbook: %w", err)
			}
			defer wb.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "created %s with %s=%q\n", cfg.Workbook, ref, models.ValueIdle)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing workbook")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [CELL]",
		Short: "Print a cell value (the control cell by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			address := e.signaler.Ref().String()
			if len(args) == 1 {
				address = args[0]
			}
			v, err := e.signaler.ReadCell(cmd.Context(), address)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set CELL VALUE",
		Short: "Write a string value to a cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.signaler.WriteCell(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			e.logger.Printf("set %s=%q", args[0], args[1])
			return nil
		},
	}
}

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "trigger",
		Aliases: []string{"export"},
		Short:   "Create Shopify Export: signal the worker and wait",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			res, err := e.signaler.TriggerExport(cmd.Context())
			if err != nil {
				return fmt.Errorf("export trigger failed: %w", err)
			}
			return printJSON(cmd, res)
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the control cell and recent run log rows as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			snap, err := e.signaler.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			status := &output.Status{Control: snap}
			if e.runLog != nil {
				runs, err := e.runLog.Entries(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read run log: %w", err)
				}
				status.Runs = runs
			}
			data, err := output.StatusToJSON(status, lastRuns, pretty)
			if err != nil {
				return fmt.Errorf("serialization failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().IntVarP(&lastRuns, "last", "n", 10, "Number of run log rows to show (0 = all)")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the export trigger over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			return server.New(e.signaler, server.WithLogger(e.logger)).Run(cmd.Context(), e.cfg.Listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default :8080)")
	return cmd
}
