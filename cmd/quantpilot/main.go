package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rewired-gh/quantpilot/internal/audit"
	"github.com/rewired-gh/quantpilot/internal/config"
	"github.com/rewired-gh/quantpilot/internal/datafeed"
	"github.com/rewired-gh/quantpilot/internal/exchange"
	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/metrics"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
	"github.com/rewired-gh/quantpilot/internal/position"
	"github.com/rewired-gh/quantpilot/internal/report"
	"github.com/rewired-gh/quantpilot/internal/storage"
	"github.com/rewired-gh/quantpilot/internal/strategy"
	"github.com/rewired-gh/quantpilot/internal/telegram"
	"github.com/rewired-gh/quantpilot/internal/timeseries"
	"github.com/rewired-gh/quantpilot/internal/trader"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg, err := logger.New(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Dir: cfg.LogDir()})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = lg.Close() }()
	lg.Info("Configuration loaded from %s", *configPath)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		lg.Fatal("Failed to create data directory: %v", err)
	}

	store, err := storage.New(cfg.Storage.MaxOrders, cfg.Storage.DBPath)
	if err != nil {
		lg.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			lg.Error("Failed to close storage: %v", err)
		}
	}()

	var telegramClient *telegram.Client
	var notifier notify.Notifier = notify.Nop{}
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			lg.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		lg.Info("Telegram client initialized successfully")
	} else {
		lg.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		lg.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	tr, err := build(ctx, cfg, store, notifier, lg)
	if err != nil {
		lg.Fatal("Failed to start: %v", err)
	}

	var status tickStatus
	if telegramClient != nil {
		telegramClient.SetStatus(status.String)
		telegramClient.ListenForCommands(ctx)
	}

	lg.Info("Starting trading loop (interval: %v, balance: %.2f, max_leverage: %.2f)",
		cfg.Trading.Interval, cfg.Trading.Balance, cfg.Trading.MaxLeverage)

	ticker := time.NewTicker(cfg.Trading.Interval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleTickResult := func(res *trader.Result, err error) {
		status.set(res, err)
		if err != nil {
			consecutiveFailures++
			lg.Error("Trading tick failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					lg.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && telegramClient != nil {
			if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
				lg.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	lg.Debug("Running initial trading tick")
	handleTickResult(tr.RunTick(ctx))

	for {
		select {
		case <-ctx.Done():
			lg.Info("Service stopped")
			return

		case <-ticker.C:
			lg.Debug("Starting scheduled trading tick")
			handleTickResult(tr.RunTick(ctx))
			if err := store.RotateOrders(); err != nil {
				lg.Warn("Failed to rotate orders: %v", err)
			}
		}
	}
}

// build wires every pipeline stage. Exchange metadata and anchor prices are fetched once here.
func build(ctx context.Context, cfg *config.Config, store *storage.Storage, n notify.Notifier, lg *logger.Logger) (*trader.Trader, error) {
	configs, err := strategy.LoadTable(cfg.Data.StrategyTable, lg)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no valid strategies in %s", cfg.Data.StrategyTable)
	}
	notify.NewBest(n, lg).Info(report.FormatWeights(strategy.Weights(configs)))

	remote := datafeed.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Timeout, cfg.Remote.MaxRetries)
	remote.SetRetryDelay(cfg.Remote.RetryDelayBase)
	cache := timeseries.New(cfg.Data.Dir, remote, n, lg)

	strategies := make([]*strategy.Strategy, 0, len(configs))
	for _, c := range configs {
		s, err := strategy.New(c, cache)
		if err != nil {
			lg.Error("Skipping strategy %s: %v", c.Label(), err)
			continue
		}
		strategies = append(strategies, s)
	}

	ex := exchange.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Timeout)
	info, err := ex.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	anchor, err := cfg.AnchorTime()
	if err != nil {
		return nil, err
	}
	coins := cfg.Trading.Coins
	if len(coins) == 0 {
		coins = strategyCoins(configs)
	}
	infos, err := exchange.BuildSymbolInfos(ctx, info, coins, remote, anchor, lg)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(infos))
	for s := range infos {
		symbols = append(symbols, s)
	}
	lg.Info("Loaded %d strategies over %d symbols", len(strategies), len(symbols))

	var table audit.Table = store
	if cfg.Audit.Backend == config.BackendCSV {
		csvTable, err := audit.NewCSVTable(cfg.Audit.Dir)
		if err != nil {
			return nil, err
		}
		table = csvTable
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.Serve(ctx, cfg.Metrics.Addr, lg.With("metrics"))
	}

	executor := exchange.NewExecutor(ex, store, infos, exchange.ExecutorOptions{
		MinOrderUSD: cfg.Exchange.MinOrderUSD,
		Pause:       cfg.Exchange.OrderPause,
		QuoteCoin:   cfg.Exchange.QuoteCoin,
	}, n, lg)

	return trader.New(trader.Deps{
		Strategies: strategies,
		Signals:    strategy.NewAggregator(cfg.Data.Dir, n, lg),
		Engine:     position.NewEngine(infos, lg),
		Prices:     datafeed.NewPriceBook(remote, cfg.LastPricesPath(), cfg.Trading.PriceMaxAge, n, lg),
		Account:    ex,
		Executor:   executor,
		Audit:      audit.New(table, lg),
		Metrics:    m,
		Notifier:   n,
	}, symbols, trader.Options{
		Balance:     cfg.Trading.Balance,
		MaxLeverage: cfg.Trading.MaxLeverage,
		QuoteCoin:   cfg.Exchange.QuoteCoin,
	}, lg)
}

func strategyCoins(configs []models.StrategyConfig) []string {
	seen := make(map[string]bool)
	var coins []string
	for _, c := range configs {
		base := models.BaseSymbol(c.Symbol)
		if !seen[base] {
			seen[base] = true
			coins = append(coins, base)
		}
	}
	sort.Strings(coins)
	return coins
}

// tickStatus backs the /status bot command.
type tickStatus struct {
	mu   sync.Mutex
	text string
}

func (s *tickStatus) set(res *trader.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.text = fmt.Sprintf("Last tick failed at %s: %v", time.Now().UTC().Format(time.RFC3339), err)
		return
	}
	s.text = fmt.Sprintf("Last tick %s at %s\nSignals: %d\nLeverage real %.4f, ref %.4f\nOrders: %d\nBalance: %.2f",
		res.TickID, res.Time.Format(time.RFC3339), len(res.Signals), res.Leverage.Real, res.Leverage.Reference, len(res.Orders), res.Balance)
}

func (s *tickStatus) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.text == "" {
		return "No tick has finished yet"
	}
	return s.text
}
