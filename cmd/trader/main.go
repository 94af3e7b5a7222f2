package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"intradaybot-go/internal/config"
	"intradaybot-go/internal/engine"
	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/journal"
	"intradaybot-go/internal/scheduler"
	"intradaybot-go/internal/status"
)

const defaultConfigPath = "config/config.yaml"

var opts struct {
	configPath string
	paramsPath string
	logLevel   string
	symbols    []string
	dryRun     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trader",
		Short:         "Intraday session trader for Dhan",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "YAML config file")
	root.PersistentFlags().StringVar(&opts.paramsPath, "params", "", "trading parameters CSV (overrides session.params_path)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&opts.symbols, "symbols", nil, "restrict the session to these symbols")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "simulate orders against a paper account")

	root.AddCommand(runCmd(), scheduleCmd(), resolveCmd(), reportCmd())
	root.AddCommand(ordersCmd(), orderCmd(), cancelCmd(), positionsCmd(), quoteCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run today's session once and write the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			log, logFile, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, cancel := signalContext()
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.App.StatusAddr != "" {
				go func() {
					if err := status.Serve(ctx, log, cfg.App.StatusAddr, rt.statusHandler()); err != nil {
						log.Error().Err(err).Msg("status api stopped")
					}
				}()
			}

			records, err := rt.engine.Run(ctx)
			writeReport(cfg, log, records, time.Now().In(rt.loc))
			if errors.Is(err, engine.ErrNotTradingDay) || errors.Is(err, engine.ErrMarketClosed) {
				log.Warn().Err(err).Msg("nothing to trade")
				return nil
			}
			if errors.Is(err, context.Canceled) {
				log.Warn().Msg("session interrupted")
				return nil
			}
			return err
		},
	}
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Stay resident and start a session on the configured cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			log, logFile, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, cancel := signalContext()
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.App.StatusAddr != "" {
				go func() {
					if err := status.Serve(ctx, log, cfg.App.StatusAddr, rt.statusHandler()); err != nil {
						log.Error().Err(err).Msg("status api stopped")
					}
				}()
			}

			sched := scheduler.New(ctx, log, rt.loc)
			err = sched.Register("session", cfg.Schedule.SessionCron, func(ctx context.Context) error {
				rt.engine.ResetForNewSession()
				rt.client.ClearQuoteCache()
				records, err := rt.engine.Run(ctx)
				writeReport(cfg, log, records, time.Now().In(rt.loc))
				if errors.Is(err, engine.ErrNotTradingDay) || errors.Is(err, engine.ErrMarketClosed) {
					log.Info().Err(err).Msg("session skipped")
					return nil
				}
				return err
			})
			if err != nil {
				return err
			}
			sched.Start()
			<-ctx.Done()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			sched.Stop(stopCtx)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "resolve SYMBOL...",
		Short: "Look up NSE security ids in the broker scrip master",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			log, logFile, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, cancel := signalContext()
			defer cancel()

			found, missing, err := exchange.NewInstrumentResolver(log, cfg.Broker.ScripMasterURL, "NSE").Resolve(ctx, args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, sym := range sortedKeys(found) {
				fmt.Fprintf(out, "%-16s %s\n", sym, found[sym])
			}
			for _, sym := range missing {
				fmt.Fprintf(out, "%-16s (not found)\n", sym)
			}
			if !save || len(found) == 0 {
				return nil
			}
			existing, err := config.LoadSymbolMap(cfg.Broker.SymbolMapPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			merged := exchange.MergeSymbolMaps(existing, found)
			if err := config.SaveSymbolMap(cfg.Broker.SymbolMapPath, merged); err != nil {
				return err
			}
			fmt.Fprintf(out, "saved %d ids to %s\n", len(merged), cfg.Broker.SymbolMapPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "merge the result into the symbol map file")
	return cmd
}

func reportCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "report [trades.jsonl]",
		Short: "Summarize a trade journal and write the CSV report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			path := cfg.Journal.JSONLPath
			if len(args) == 1 {
				path = args[0]
			}
			records, err := journal.ReadJSONL(path)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if day != "" {
				filtered := records[:0]
				for _, r := range records {
					if r.Day == day {
						filtered = append(filtered, r)
					}
				}
				records = filtered
			}

			summary := journal.Summarize(records)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Trades:        %d (W %d / L %d)\n", summary.TotalTrades, summary.Winners, summary.Losers)
			fmt.Fprintf(out, "Total P&L:     %.2f\n", summary.TotalPnL)
			fmt.Fprintf(out, "Win rate:      %.2f%%\n", summary.WinRate)
			fmt.Fprintf(out, "Profit factor: %.2f\n", summary.ProfitFactor)
			fmt.Fprintf(out, "Session:       %s\n", summary.Verdict())
			if len(records) == 0 {
				return nil
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			report, err := journal.WriteCSVReport(cfg.Journal.ReportsDir, records, summary, time.Now().In(loc))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Report:        %s\n", report)
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "only include trades from this date (YYYY-MM-DD)")
	return cmd
}
