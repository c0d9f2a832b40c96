package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"futures-fleet/account"
	"futures-fleet/binance"
	"futures-fleet/execution"
	"futures-fleet/intent"
	"futures-fleet/monitor"
	"futures-fleet/session"
)

// FleetConfig is the process-level configuration, loaded from the
// environment on top of defaults.
type FleetConfig struct {
	// Trading pairs prepared (leverage, margin type) for every account.
	Pairs []string

	// Sizing.
	Leverage       int
	SizingFraction float64

	// Risk thresholds.
	StopLossPct      float64
	TakeProfitPct    float64
	RSICheckInterval time.Duration

	// Intent input.
	IntentFile         string
	IntentPollInterval time.Duration

	// Endpoint overrides, used by integration tests.
	BaseURL   string
	StreamURL string

	Debug bool
}

// DefaultFleetConfig mirrors the production trading profile.
func DefaultFleetConfig() FleetConfig {
	return FleetConfig{
		Pairs: []string{
			"BTCUSDT", "ETHUSDT", "XRPUSDT", "SOLUSDT",
			"ADAUSDT", "BNBUSDT", "TRXUSDT", "LINKUSDT",
		},
		Leverage:           50,
		SizingFraction:     0.01,
		StopLossPct:        -2.0,
		TakeProfitPct:      3.0,
		RSICheckInterval:   time.Minute,
		IntentPollInterval: time.Second,
	}
}

// loadConfigFromEnv overlays environment variables on the defaults.
func loadConfigFromEnv() FleetConfig {
	config := DefaultFleetConfig()

	if pairs := os.Getenv("TRADING_PAIRS"); pairs != "" {
		config.Pairs = config.Pairs[:0]
		for _, pair := range strings.Split(pairs, ",") {
			if trimmed := strings.TrimSpace(pair); trimmed != "" {
				config.Pairs = append(config.Pairs, strings.ToUpper(trimmed))
			}
		}
	}
	if leverage := os.Getenv("LEVERAGE"); leverage != "" {
		if val, err := strconv.Atoi(leverage); err == nil && val > 0 {
			config.Leverage = val
		}
	}
	if fraction := os.Getenv("SIZING_FRACTION"); fraction != "" {
		if val, err := strconv.ParseFloat(fraction, 64); err == nil && val > 0 {
			config.SizingFraction = val
		}
	}
	if stopLoss := os.Getenv("STOP_LOSS_PERCENT"); stopLoss != "" {
		if val, err := strconv.ParseFloat(stopLoss, 64); err == nil {
			config.StopLossPct = val
		}
	}
	if takeProfit := os.Getenv("TAKE_PROFIT_PERCENT"); takeProfit != "" {
		if val, err := strconv.ParseFloat(takeProfit, 64); err == nil {
			config.TakeProfitPct = val
		}
	}
	if interval := os.Getenv("RSI_CHECK_INTERVAL"); interval != "" {
		if val, err := time.ParseDuration(interval); err == nil && val > 0 {
			config.RSICheckInterval = val
		}
	}
	config.IntentFile = os.Getenv("INTENT_FILE")
	if baseURL := os.Getenv("FAPI_BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	if streamURL := os.Getenv("FAPI_STREAM_URL"); streamURL != "" {
		config.StreamURL = streamURL
	}
	config.Debug = os.Getenv("DEBUG") == "true"

	return config
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// accountRunner bundles the session and monitor goroutines of one account.
// The registry in main holds exactly one runner per account name, so a
// duplicate task for an account cannot exist by construction.
type accountRunner struct {
	name    string
	session *session.Manager
	monitor *monitor.Monitor
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	// Load environment variables from .env file
	if err := godotenv.Overload(); err != nil {
		log.Printf("ℹ️ Info: no .env file loaded, relying on existing env vars: %v", err)
	}

	log.Printf("🚀 Multi-Account Futures Execution & Risk Engine")
	log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	config := loadConfigFromEnv()

	logger, err := newLogger(config.Debug)
	if err != nil {
		log.Fatalf("❌ Failed to create logger: %v", err)
	}
	defer logger.Sync()

	accounts := account.FromEnv(logger)
	if accounts.Len() == 0 {
		log.Fatalf("❌ No trading accounts configured. Expected TRADER<NAME>_APIKEY / TRADER<NAME>_APISECRET pairs in the environment.")
	}

	log.Printf("📋 Configuration:")
	log.Printf("├─ Accounts: %d", accounts.Len())
	log.Printf("├─ Pairs: %s", strings.Join(config.Pairs, ", "))
	log.Printf("├─ Leverage: %dx", config.Leverage)
	log.Printf("├─ Sizing: %.1f%% of balance", config.SizingFraction*100)
	log.Printf("├─ Stop Loss: %.1f%% | Take Profit: %.1f%%", config.StopLossPct, config.TakeProfitPct)
	log.Printf("└─ RSI Check: every %v", config.RSICheckInterval)

	clientConfig := binance.DefaultConfig()
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.StreamURL != "" {
		clientConfig.StreamURL = config.StreamURL
	}
	client := binance.NewClient(clientConfig, logger)
	rules := binance.NewRulesCache(client, logger)

	engineConfig := execution.DefaultConfig()
	engineConfig.Leverage = config.Leverage
	engineConfig.SizingFraction = config.SizingFraction
	engineConfig.Pairs = config.Pairs
	engine := execution.NewEngine(client, accounts, rules, engineConfig, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply leverage and margin settings before any order can flow.
	for _, name := range accounts.Names() {
		if err := engine.PrepareAccount(ctx, name); err != nil {
			logger.Warn("Account preparation failed",
				zap.String("account", name), zap.Error(err))
		}
	}

	monitorConfig := monitor.DefaultConfig()
	monitorConfig.StopLossPct = config.StopLossPct
	monitorConfig.TakeProfitPct = config.TakeProfitPct
	monitorConfig.RSICheckInterval = config.RSICheckInterval

	var wg sync.WaitGroup
	runners := make(map[string]*accountRunner, accounts.Len())
	for _, name := range accounts.Names() {
		acct, err := accounts.Credentials(name)
		if err != nil {
			continue
		}

		runner := &accountRunner{
			name:    name,
			session: session.NewManager(client, acct, session.DefaultConfig(), logger),
			monitor: monitor.New(acct, client, engine, monitorConfig, logger),
		}
		runners[name] = runner

		wg.Add(2)
		go func() {
			defer wg.Done()
			runner.session.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			runner.monitor.Run(ctx, runner.session.Events())
		}()

		log.Printf("✅ Account task started: %s", name)
	}

	queue := intent.NewQueue(32, logger)
	if config.IntentFile != "" {
		watcher := intent.NewFileWatcher(config.IntentFile, config.IntentPollInterval, queue, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	// Fan every incoming intent out to all account loops; each loop
	// serializes its own executions.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case it := <-queue.Intents():
				for _, runner := range runners {
					runner.monitor.Submit(it)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.Printf("✅ Engine is LIVE across %d account(s)", len(runners))
	log.Printf("🛑 Press Ctrl+C to stop")

	<-sigCh
	log.Printf("🛑 Shutdown signal received, stopping account tasks...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("✅ All account tasks stopped. Goodbye! 👋")
	case <-time.After(15 * time.Second):
		log.Printf("⚠️ Timed out waiting for account tasks to stop")
	}
}
