package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/database"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/trader"
	"ai-trading-engine/internal/vault"
)

// SymbolStats aggregates closed trades per symbol
type SymbolStats struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	TotalWins     float64
	TotalLosses   float64
	WinRate       float64
	AvgPnL        float64
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: pattern-admin <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  top     list the best performing patterns")
	fmt.Fprintln(os.Stderr, "  prune   remove stale or weak patterns")
	fmt.Fprintln(os.Stderr, "  trades  per-symbol report of closed trades")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.LoggingConfig.Level = "warn"
	logger := logging.New(cfg.LoggingConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := vault.LoadSecrets(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseConfig.Host == "" {
		fmt.Fprintln(os.Stderr, "DB_HOST is required")
		os.Exit(1)
	}

	db, err := database.NewDB(ctx, cfg.DatabaseConfig.DSN(), 2, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	args := os.Args[2:]
	switch os.Args[1] {
	case "top":
		err = runTop(ctx, repo, cfg, args)
	case "prune":
		err = runPrune(ctx, repo, cfg, args)
	case "trades":
		err = runTrades(ctx, repo, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func loadService(ctx context.Context, repo *database.Repository, cfg *config.Config) (*patterns.Service, error) {
	svc := patterns.NewService(cfg.PatternConfig.Patterns(), repo, nil, logging.Nop())
	if _, err := svc.Load(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func runTop(ctx context.Context, repo *database.Repository, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	n := fs.Int("n", 10, "number of patterns")
	minUsage := fs.Int("min-usage", 1, "minimum usage count")
	_ = fs.Parse(args)

	svc, err := loadService(ctx, repo, cfg)
	if err != nil {
		return err
	}

	top := svc.GetTopPerformers(*n, *minUsage)
	fmt.Printf("%d of %d patterns\n\n", len(top), svc.Count())
	fmt.Printf("%-36s %-10s %-8s %-6s %8s %8s %6s\n", "ID", "SYMBOL", "TF", "ACTION", "SUCCESS", "AVG RET", "USES")
	for _, p := range top {
		fmt.Printf("%-36s %-10s %-8s %-6s %7.1f%% %7.2f%% %6d\n",
			p.ID, p.Symbol, p.Timeframe, p.Action, p.SuccessRate*100, p.AverageReturn, p.UsageCount)
	}
	return nil
}

func runPrune(ctx context.Context, repo *database.Repository, cfg *config.Config, args []string) error {
	def := cfg.PatternConfig.Prune
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	maxAge := fs.Duration("max-age", def.MaxAge, "drop patterns unused for longer than this")
	minSuccess := fs.Float64("min-success", def.MinSuccessRate, "drop used patterns below this success rate")
	minUsage := fs.Int("min-usage", def.MinUsageCount, "drop patterns used fewer times")
	maxPatterns := fs.Int("max", def.MaxPatterns, "keep at most this many patterns")
	_ = fs.Parse(args)

	svc, err := loadService(ctx, repo, cfg)
	if err != nil {
		return err
	}
	before := svc.Count()
	removed, err := svc.PrunePatterns(ctx, patterns.PruneCriteria{
		MaxAge:         *maxAge,
		MinSuccessRate: *minSuccess,
		MinUsageCount:  *minUsage,
		MaxPatterns:    *maxPatterns,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d of %d patterns, %d remaining\n", removed, before, svc.Count())
	return nil
}

func runTrades(ctx context.Context, repo *database.Repository, args []string) error {
	fs := flag.NewFlagSet("trades", flag.ExitOnError)
	traderID := fs.String("trader", "", "restrict to one trader")
	limit := fs.Int("limit", 1000, "most recent trades to read")
	_ = fs.Parse(args)

	trades, err := repo.ListTrades(ctx, *traderID, *limit)
	if err != nil {
		return err
	}
	stats := aggregate(trades)

	fmt.Printf("%d trades\n\n", len(trades))
	fmt.Printf("%-10s %6s %6s %8s %12s %10s\n", "SYMBOL", "TRADES", "WINS", "WIN RATE", "TOTAL PNL", "AVG PNL")
	for _, s := range stats {
		fmt.Printf("%-10s %6d %6d %7.1f%% %12.2f %10.2f\n",
			s.Symbol, s.TotalTrades, s.WinningTrades, s.WinRate, s.TotalPnL, s.AvgPnL)
	}
	return nil
}

// aggregate builds per-symbol stats ordered by total PnL, best first
func aggregate(trades []trader.TradeRecord) []*SymbolStats {
	bySymbol := make(map[string]*SymbolStats)
	for _, t := range trades {
		s, ok := bySymbol[t.Symbol]
		if !ok {
			s = &SymbolStats{Symbol: t.Symbol}
			bySymbol[t.Symbol] = s
		}
		s.TotalTrades++
		s.TotalPnL += t.RealizedPnL
		if t.RealizedPnL > 0 {
			s.WinningTrades++
			s.TotalWins += t.RealizedPnL
		} else if t.RealizedPnL < 0 {
			s.LosingTrades++
			s.TotalLosses += t.RealizedPnL
		}
	}

	out := make([]*SymbolStats, 0, len(bySymbol))
	for _, s := range bySymbol {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
		s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalPnL != out[j].TotalPnL {
			return out[i].TotalPnL > out[j].TotalPnL
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
