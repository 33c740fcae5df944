// Command fetch runs a single arbitration from the command line and prints
// the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marketarbiter/internal/app"
	"marketarbiter/internal/arbiter"
	"marketarbiter/internal/config"
	"marketarbiter/internal/logger"
	"marketarbiter/internal/provider"
)

func main() {
	_ = godotenv.Load()

	var (
		symbol, assetType, market, dataType string
		strategy, fieldsCSV, providersCSV   string
		configPath                          string
		maxAge                              time.Duration
		timeout                             int
		verbose                             bool
	)
	flag.StringVar(&symbol, "symbol", getenv("SYMBOL", ""), "asset symbol, e.g. MSFT")
	flag.StringVar(&assetType, "type", getenv("ASSET_TYPE", string(provider.Equity)), "asset type (equity, crypto, fx, etf, index, commodity)")
	flag.StringVar(&market, "market", getenv("MARKET", ""), "market or exchange")
	flag.StringVar(&dataType, "data", getenv("DATA_TYPE", string(provider.Price)), "data type (price, quote, ohlcv, fundamentals, fx_rate)")
	flag.StringVar(&strategy, "strategy", string(arbiter.FirstSuccess), "merge strategy (first_success, weighted_merge)")
	flag.StringVar(&fieldsCSV, "fields", "", "comma-separated fields to return")
	flag.StringVar(&providersCSV, "providers", "", "comma-separated providers to restrict to")
	flag.DurationVar(&maxAge, "max-age", 0, "reject cached data older than this")
	flag.IntVar(&timeout, "timeout", 30, "overall timeout seconds")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.yaml or config.json (optional)")
	flag.BoolVar(&verbose, "v", false, "log at debug level to stderr")
	flag.Parse()

	if symbol == "" {
		fmt.Fprintln(os.Stderr, "fetch: -symbol is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	log := logger.New()
	level := "warn"
	if verbose {
		level = "debug"
	}
	if err := log.Configure(level, "text", "stderr", 0); err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	a, err := app.New(ctx, cfg, log, nil)
	if err != nil {
		fatal(err)
	}
	defer a.Close()

	res, err := a.Engine.Arbitrate(ctx, arbiter.Request{
		Asset:            provider.Asset{Symbol: symbol, Type: provider.AssetType(assetType), Market: market},
		DataType:         provider.DataType(dataType),
		MaxAge:           maxAge,
		MergeStrategy:    arbiter.MergeStrategy(strategy),
		Fields:           splitCSV(fieldsCSV),
		RequireProviders: splitCSV(providersCSV),
	})
	if err != nil {
		var failed *arbiter.AllProvidersFailedError
		if errors.As(err, &failed) {
			for _, at := range failed.Attempts {
				fmt.Fprintf(os.Stderr, "  %s: %s %s\n", at.Provider, at.Outcome, at.Error)
			}
		}
		a.Close()
		fatal(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "fetch:", err)
	os.Exit(1)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
