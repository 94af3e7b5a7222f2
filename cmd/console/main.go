package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"intradaybot-go/internal/config"
)

const defaultConfigPath = "config/config.yaml"

func main() {
	p := newPrompter(os.Stdin, os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== Intraday Trader Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit session (symbols, stop loss, quantity, times)")
		fmt.Println("3) Edit risk limits")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch dry-run session")
		fmt.Println("6) Reload config from disk")
		fmt.Println("0) Exit")

		choice := p.ask("Select option")
		if choice == "" && p.eof {
			return
		}
		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editSession(p, cfg)
		case "3":
			editRisk(p, cfg)
		case "4":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchSession(p)
		case "6":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Environment: %s (dry run: %t)\n", cfg.App.Env, cfg.App.DryRun)
	fmt.Printf("Broker: %s [%s %s %s]\n", cfg.Broker.BaseURL, cfg.Broker.ExchangeSegment, cfg.Broker.ProductType, cfg.Broker.OrderType)
	fmt.Printf("Live feed: %t (%s)\n", cfg.Feed.Enabled, cfg.Broker.FeedURL)
	fmt.Printf("Parameters sheet: %s\n", cfg.Session.ParamsPath)
	fmt.Println("Fallback symbols:", strings.Join(cfg.Session.Symbols, ", "))
	fmt.Printf("Stop loss: %.2f%% | quantity: %d\n", cfg.Session.StopLossPercent, cfg.Session.Quantity)
	fmt.Printf("Entry %s | exit %s | entry price at %s\n", cfg.Session.EntryTime, cfg.Session.ExitTime, cfg.Session.EntryPriceTarget)
	fmt.Printf("Market hours: %s - %s %s\n", cfg.Session.MarketOpen, cfg.Session.MarketClose, cfg.Session.Timezone)
	fmt.Printf("Max notional per trade: %.2f | max trades per symbol: %d\n", cfg.Risk.MaxNotionalPerTrade, cfg.Risk.MaxTradesPerSymbol)
	fmt.Printf("Schedule: %s\n", cfg.Schedule.SessionCron)
	fmt.Printf("Paper cash: %.2f\n", cfg.Paper.StartingCash)
}

func editSession(p *prompter, cfg *config.Config) {
	fmt.Println("\n--- Edit Session ---")
	cfg.Session.Symbols = p.symbols("Symbols, comma-separated", cfg.Session.Symbols)
	cfg.Session.StopLossPercent = p.percent("Stop loss (%)", cfg.Session.StopLossPercent)
	cfg.Session.Quantity = p.count("Quantity per symbol", cfg.Session.Quantity)
	cfg.Session.EntryTime = p.clock("Entry time", cfg.Session.EntryTime)
	cfg.Session.ExitTime = p.clock("Exit time", cfg.Session.ExitTime)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}
}

func editRisk(p *prompter, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk ---")
	cfg.Risk.MaxNotionalPerTrade = p.amount("Max notional per trade (0 = unlimited)", cfg.Risk.MaxNotionalPerTrade)
	cfg.Risk.MaxTradesPerSymbol = p.count("Max trades per symbol", cfg.Risk.MaxTradesPerSymbol)
	cfg.Paper.StartingCash = p.amount("Paper starting cash", cfg.Paper.StartingCash)
}

func launchSession(p *prompter) {
	fmt.Println("Launching dry-run session (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/trader", "run", "--dry-run", "--config", locateConfig())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start trader: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	p.ask("\nPress ENTER to stop the session and return to menu")
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(locateConfig())
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func saveConfig(cfg *config.Config) error {
	path := locateConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func locateConfig() string {
	if v := os.Getenv("TRADER_CONFIG"); v != "" {
		return filepath.Clean(v)
	}
	return filepath.Clean(defaultConfigPath)
}
