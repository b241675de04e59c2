package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"strategos/internal/domain"
	"strategos/internal/engine"
	"strategos/internal/risk"
	"strategos/internal/strategy"
	"strategos/internal/strategy/builtins"
	"strategos/pkg/strategos"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: strategos-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  builtins   List or print builtin strategies\n")
	fmt.Fprintf(os.Stderr, "  compile    Compile an editor graph JSON file offline\n")
	fmt.Fprintf(os.Stderr, "  run        Run a backtest request JSON file on the server\n")
	fmt.Fprintf(os.Stderr, "  results    List stored results\n")
	fmt.Fprintf(os.Stderr, "  compare    Rank stored results by id\n")
	fmt.Fprintf(os.Stderr, "  margin     Calculate margin for a leveraged position\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("strategos-cli %s\n", version)
	case "builtins":
		err = runBuiltins(os.Args[2:])
	case "compile":
		err = runCompile(os.Args[2:])
	case "run":
		err = runBacktest(ctx, os.Args[2:])
	case "results":
		err = runResults(ctx, os.Args[2:])
	case "compare":
		err = runCompare(ctx, os.Args[2:])
	case "margin":
		err = runMargin(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("STRATEGOS_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("server", def, "strategos-server base URL")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func runCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	graphPath := fs.String("graph", "", "editor graph JSON file (nodes and edges)")
	name := fs.String("name", "", "strategy name")
	fs.Parse(args)
	if *graphPath == "" {
		return fmt.Errorf("-graph is required")
	}

	var g strategy.Graph
	if err := readJSON(*graphPath, &g); err != nil {
		return err
	}
	s, err := strategy.Compile(g.Nodes, g.Edges, strategy.Metadata{Name: *name})
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runBuiltins(args []string) error {
	fs := flag.NewFlagSet("builtins", flag.ExitOnError)
	name := fs.String("name", "", "print this builtin as JSON instead of listing")
	symbol := fs.String("symbol", "BTC/USD", "symbol to instantiate the builtin for")
	fs.Parse(args)
	if *name == "" {
		for _, n := range builtins.Names() {
			fmt.Println(n)
		}
		return nil
	}
	s, err := builtins.Lookup(*name, *symbol)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func runBacktest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	server := serverFlag(fs)
	reqPath := fs.String("request", "", "backtest request JSON file")
	full := fs.Bool("full", false, "print the full result instead of a summary")
	fs.Parse(args)
	if *reqPath == "" {
		return fmt.Errorf("-request is required")
	}

	var req engine.RunRequest
	if err := readJSON(*reqPath, &req); err != nil {
		return err
	}
	res, err := strategos.NewClient(*server).RunBacktest(ctx, req)
	if res == nil {
		return err
	}
	if *full {
		if perr := printJSON(res); perr != nil {
			return perr
		}
		return err
	}
	printSummary(res)
	return err
}

func printSummary(res *domain.BacktestResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	m := res.Metrics
	fmt.Fprintf(w, "id\t%s\n", res.ID)
	fmt.Fprintf(w, "strategy\t%s (%s)\n", res.StrategyID, res.Symbol)
	fmt.Fprintf(w, "status\t%s\n", res.Status)
	if res.FailureReason != "" {
		fmt.Fprintf(w, "failure\t%s: %s\n", res.FailureReason, res.Error)
	}
	fmt.Fprintf(w, "equity\t%.2f -> %.2f\n", res.InitialCapital, res.FinalEquity)
	fmt.Fprintf(w, "total return\t%.2f%%\n", m.TotalReturn)
	fmt.Fprintf(w, "sharpe\t%.3f\n", m.SharpeRatio)
	fmt.Fprintf(w, "max drawdown\t%.2f%%\n", m.MaxDrawdown)
	fmt.Fprintf(w, "trades\t%d (win rate %.1f%%)\n", m.TotalTrades, m.WinRate)
	if m.ProfitFactor != nil {
		fmt.Fprintf(w, "profit factor\t%.3f\n", *m.ProfitFactor)
	} else {
		fmt.Fprintf(w, "profit factor\tunbounded\n")
	}
}

func runResults(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("results", flag.ExitOnError)
	server := serverFlag(fs)
	strategyID := fs.String("strategy", "", "strategy id (default: latest across strategies)")
	limit := fs.Int("limit", 20, "page size")
	offset := fs.Int("offset", 0, "page offset")
	fs.Parse(args)

	results, err := strategos.NewClient(*server).Results(ctx, *strategyID, *limit, *offset)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tSTRATEGY\tSTATUS\tRETURN%\tSHARPE\tTRADES\tSTARTED")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.3f\t%d\t%s\n", r.ID, r.StrategyID, r.Status,
			r.Metrics.TotalReturn, r.Metrics.SharpeRatio, r.Metrics.TotalTrades, r.StartedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runCompare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	server := serverFlag(fs)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one result id is required")
	}
	cmp, err := strategos.NewClient(*server).Compare(ctx, fs.Args())
	if err != nil {
		return err
	}
	return printJSON(cmp)
}

func runMargin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("margin", flag.ExitOnError)
	server := serverFlag(fs)
	exchange := fs.String("exchange", "binance_futures", "exchange profile")
	entry := fs.Float64("entry", 0, "entry price")
	size := fs.Float64("size", 0, "position size in units")
	leverage := fs.Float64("leverage", 1, "leverage")
	side := fs.String("side", "long", "long or short")
	price := fs.Float64("price", 0, "current price (default entry)")
	marginType := fs.String("margin-type", "isolated", "isolated or cross")
	free := fs.Float64("free", 0, "free balance available to cross margin")
	fs.Parse(args)

	current := *price
	if current == 0 {
		current = *entry
	}
	calc, err := strategos.NewClient(*server).CalculateMargin(ctx, risk.MarginParams{
		EntryPrice:   *entry,
		Size:         *size,
		Leverage:     *leverage,
		Side:         domain.PositionSide(*side),
		CurrentPrice: current,
		Exchange:     *exchange,
		MarginType:   domain.MarginType(*marginType),
		FreeBalance:  *free,
	})
	if err != nil {
		return err
	}
	return printJSON(calc)
}
