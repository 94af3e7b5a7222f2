package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"intradaybot-go/internal/config"
	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/execution"
	"intradaybot-go/internal/marketdata"
)

// brokerSession is the slice of the runtime the account commands need: no feed,
// no engine, always the live broker.
type brokerSession struct {
	log     zerolog.Logger
	client  *exchange.Client
	exec    *execution.Executor
	fetcher *marketdata.Fetcher
	logFile io.Closer
}

func openBroker(ctx context.Context, symbols []string) (*brokerSession, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	log, logFile, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	bs, err := newBrokerSession(ctx, cfg, log, symbols)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	bs.logFile = logFile
	return bs, nil
}

func newBrokerSession(ctx context.Context, cfg *config.Config, log zerolog.Logger, symbols []string) (*brokerSession, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	symbolMap, err := resolveSymbolMap(ctx, cfg, log, symbols)
	if err != nil {
		return nil, err
	}
	client := exchange.NewClient(log, clientOptions(cfg, creds, loc)...)
	return &brokerSession{
		log:    log,
		client: client,
		exec: execution.NewExecutor(log, client, symbolMap,
			execution.WithSegment(cfg.Broker.ExchangeSegment),
			execution.WithProductType(cfg.Broker.ProductType),
		),
		fetcher: marketdata.NewFetcher(log, client, symbolMap, marketdata.WithLocation(loc)),
	}, nil
}

func (b *brokerSession) Close() error {
	if b.logFile == nil {
		return nil
	}
	return b.logFile.Close()
}

func brokerError(err error) error {
	if exchange.IsRateLimited(err) {
		return fmt.Errorf("%w (broker is throttling requests, try again in a few seconds)", err)
	}
	return err
}

func printJSON(w io.Writer, raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, buf.String())
}

// withBroker runs fn against a live broker session scoped to the command.
func withBroker(symbols []string, fn func(ctx context.Context, b *brokerSession) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	b, err := openBroker(ctx, symbols)
	if err != nil {
		return err
	}
	defer b.Close()
	return brokerError(fn(ctx, b))
}

func ordersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "Print today's order book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(nil, func(ctx context.Context, b *brokerSession) error {
				raw, err := b.client.Orders(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), raw)
				return nil
			})
		},
	}
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order ORDER_ID",
		Short: "Print one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(nil, func(ctx context.Context, b *brokerSession) error {
				raw, err := b.exec.OrderStatus(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), raw)
				return nil
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ORDER_ID",
		Short: "Cancel a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(nil, func(ctx context.Context, b *brokerSession) error {
				ok, err := b.exec.CancelOrder(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("cancel of %s was not confirmed by the broker", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s cancelled\n", args[0])
				return nil
			})
		},
	}
}

func positionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Print open broker positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(nil, func(ctx context.Context, b *brokerSession) error {
				list, err := b.exec.Positions(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(out, "no open positions")
					return nil
				}
				for _, p := range list {
					printJSON(out, p)
				}
				return nil
			})
		},
	}
}

func quoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Print the last traded price of each symbol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbols := make([]string, len(args))
			for i, a := range args {
				symbols[i] = exchange.NormalizeSymbol(a)
			}
			return withBroker(symbols, func(ctx context.Context, b *brokerSession) error {
				out := cmd.OutOrStdout()
				for _, sym := range symbols {
					if px, ok := b.fetcher.CurrentLTP(ctx, sym); ok {
						fmt.Fprintf(out, "%-16s %.2f\n", sym, px)
					} else {
						fmt.Fprintf(out, "%-16s (no quote)\n", sym)
					}
				}
				return nil
			})
		},
	}
}
