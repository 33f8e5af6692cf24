package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/driftline/perpsweep"
	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/download"
	"github.com/driftline/perpsweep/exchange"
	"github.com/driftline/perpsweep/exchange/binance"
	"github.com/driftline/perpsweep/logger"
	"github.com/driftline/perpsweep/logger/zerolog"
	"github.com/driftline/perpsweep/universe"
)

const (
	dateLayout = "2006-01-02"
)

// Command line flags
var (
	// Shared flags
	configFile string

	// Run command flags
	paperTrade  bool
	paperEquity float64

	// Download command flags
	pair       string
	days       int
	startDate  string
	endDate    string
	timeframe  string
	outputFile string

	// Pairs command flags
	refreshPairs  bool
	savePairsFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "perpsweep",
		Short:   "Leveraged perpetual futures trading engine",
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildDownloadCmd())
	rootCmd.AddCommand(buildPairsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		RunE:  runEngine,
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "config.yml", "Config file path")
	runCmd.Flags().BoolVar(&paperTrade, "paper", false, "Trade against the venue simulator fed by live market data")
	runCmd.Flags().Float64Var(&paperEquity, "paper-equity", 1000, "Starting equity for paper trading (USDT)")

	return runCmd
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exch, err := buildExchange(ctx, cfg, log)
	if err != nil {
		return err
	}

	bot, err := perpsweep.New(cfg, exch, log)
	if err != nil {
		return err
	}

	return bot.Run(ctx)
}

// buildLogger replaces the env-driven default with the config file's
// log settings
func buildLogger(cfg config.LogConfig) (logger.Logger, error) {
	if cfg.Level == "" {
		return perpsweep.DefaultLog, nil
	}
	return zerolog.New(cfg.Level, cfg.TimeFormat, cfg.Colored, cfg.JSON)
}

// buildExchange returns the live futures client, or the simulator fed
// by the live market stream when --paper is set
func buildExchange(ctx context.Context, cfg *config.Config, log logger.Logger) (core.Exchange, error) {
	if paperTrade {
		feed, err := buildFeeder(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return exchange.NewPaper(log,
			exchange.WithPaperEquity(paperEquity),
			exchange.WithPaperFeeder(feed),
		), nil
	}

	return binance.New(ctx, log, cfg)
}

// buildFeeder returns a market-data-only futures client, no
// credentials required
func buildFeeder(ctx context.Context, cfg *config.Config, log logger.Logger) (core.Feeder, error) {
	var options []binance.FuturesOption
	if cfg.Venue.UseTestnet {
		options = append(options, binance.WithFuturesTestnet())
	}
	return binance.NewFutures(ctx, log, options...)
}

func buildDownloadCmd() *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download historical candles to CSV",
		RunE:  runDownload,
	}

	downloadCmd.Flags().StringVarP(&pair, "pair", "p", "", "Trading pair (e.g. BTCUSDT)")
	downloadCmd.Flags().IntVarP(&days, "days", "d", 0, "Number of days to download (default 30 days)")
	downloadCmd.Flags().StringVarP(&startDate, "start", "s", "", "Start date (e.g. 2025-12-01)")
	downloadCmd.Flags().StringVarP(&endDate, "end", "e", "", "End date (e.g. 2025-12-31)")
	downloadCmd.Flags().StringVarP(&timeframe, "timeframe", "t", "", "Timeframe (e.g. 1h)")
	downloadCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file path (e.g. ./btc.csv)")

	downloadCmd.MarkFlagRequired("pair")
	downloadCmd.MarkFlagRequired("timeframe")
	downloadCmd.MarkFlagRequired("output")

	return downloadCmd
}

func runDownload(cmd *cobra.Command, args []string) error {
	exc, err := binance.NewFutures(cmd.Context(), perpsweep.DefaultLog)
	if err != nil {
		return err
	}

	options, err := buildDownloadOptions()
	if err != nil {
		return err
	}

	return download.NewDownloader(exc, perpsweep.DefaultLog).Download(
		cmd.Context(),
		pair,
		timeframe,
		outputFile,
		options...,
	)
}

func buildDownloadOptions() ([]download.Option, error) {
	var options []download.Option

	if days > 0 {
		options = append(options, download.WithDays(days))
	}

	if startDate != "" || endDate != "" {
		if startDate == "" || endDate == "" {
			return nil, fmt.Errorf("start and end dates must be provided together")
		}

		start, err := time.Parse(dateLayout, startDate)
		if err != nil {
			return nil, fmt.Errorf("invalid start date format: %w", err)
		}

		end, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end date format: %w", err)
		}

		options = append(options, download.WithInterval(start, end))
	}

	return options, nil
}

func buildPairsCmd() *cobra.Command {
	pairsCmd := &cobra.Command{
		Use:   "pairs",
		Short: "List the configured universe with venue metadata",
		RunE:  runPairs,
	}

	pairsCmd.Flags().StringVarP(&configFile, "config", "c", "config.yml", "Config file path")
	pairsCmd.Flags().BoolVar(&refreshPairs, "refresh", false, "Refresh the pair registry from the venue before listing")
	pairsCmd.Flags().StringVar(&savePairsFile, "save", "", "Write the refreshed pair registry to a JSON file")

	return pairsCmd
}

func runPairs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if refreshPairs || savePairsFile != "" {
		if err := exchange.UpdatePairs(cmd.Context()); err != nil {
			return err
		}
	}
	if savePairsFile != "" {
		if err := exchange.SavePairsToFile(savePairsFile); err != nil {
			return err
		}
	}

	exch, err := buildFeeder(cmd.Context(), cfg, perpsweep.DefaultLog)
	if err != nil {
		return err
	}

	svc := universe.NewService(exch, cfg, perpsweep.DefaultLog)
	if err := svc.Load(cmd.Context()); err != nil {
		return err
	}

	pairs := svc.Pairs()
	sort.Strings(pairs)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Pair", "Asset", "Quote", "Bucket", "Sector", "Tick", "Step", "Max Lev", "MMR"})

	for _, p := range pairs {
		meta, ok := svc.Meta(p)
		if !ok {
			continue
		}
		asset, quote := exchange.SplitAssetQuote(p)
		table.Append([]string{
			meta.Pair,
			asset,
			quote,
			string(meta.Bucket),
			meta.Sector,
			strconv.FormatFloat(meta.TickSize, 'f', -1, 64),
			strconv.FormatFloat(meta.StepSize, 'f', -1, 64),
			strconv.Itoa(meta.MaxLeverage),
			fmt.Sprintf("%.4f", meta.MaintMarginRatio),
		})
	}

	table.Render()
	return nil
}
