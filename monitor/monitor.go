// Package monitor tracks open positions per account from the user-data
// stream and closes them on risk triggers: stop-loss and take-profit
// percentages on every account update, RSI reversal on a periodic check.
//
// One Monitor runs in one goroutine per account and is the only owner of
// that account's position map, so the map needs no locking. Order intents
// are routed through the same goroutine, which serializes every
// money-moving action for a given (account, symbol) pair.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-fleet/account"
	"futures-fleet/binance"
	"futures-fleet/execution"
	"futures-fleet/indicators"
	"futures-fleet/intent"
	"futures-fleet/session"
)

// Close reasons reported when the monitor exits a position.
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonRSIExit    = "RSI_EXIT"
)

// Exchange is the read-only market/account surface the monitor needs.
// *binance.Client satisfies it.
type Exchange interface {
	WalletBalance(ctx context.Context, acct account.Account) (float64, error)
	OpenPositions(ctx context.Context, acct account.Account) ([]binance.PositionRisk, error)
	ClosePrices(ctx context.Context, symbol, interval string, limit int) ([]float64, error)
}

// Executor places and closes orders. *execution.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, it intent.OrderIntent, accountName string) (*execution.Result, error)
	ClosePosition(ctx context.Context, accountName, symbol, side string, quantity float64) error
}

// Position is one tracked open position.
type Position struct {
	Symbol        string
	Side          string
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

// Config holds the risk thresholds.
type Config struct {
	// StopLossPct closes a position when unrealized PnL as a percentage
	// of balance drops to or below this value.
	StopLossPct float64 `json:"stop_loss_pct"`
	// TakeProfitPct closes a position when the PnL percentage reaches
	// or exceeds this value.
	TakeProfitPct float64 `json:"take_profit_pct"`
	// RSIOverbought exits long positions at or above this RSI.
	RSIOverbought float64 `json:"rsi_overbought"`
	// RSIOversold exits short positions at or below this RSI.
	RSIOversold float64 `json:"rsi_oversold"`
	// RSICheckInterval between periodic RSI evaluations.
	RSICheckInterval time.Duration `json:"rsi_check_interval"`
	// IntentBuffer is the capacity of the per-account intent channel.
	IntentBuffer int `json:"intent_buffer"`
}

// DefaultConfig returns the production risk profile: -2% stop loss, +3%
// take profit, RSI 65/35 exits checked every minute.
func DefaultConfig() Config {
	return Config{
		StopLossPct:      -2.0,
		TakeProfitPct:    3.0,
		RSIOverbought:    65,
		RSIOversold:      35,
		RSICheckInterval: time.Minute,
		IntentBuffer:     16,
	}
}

// Monitor supervises one account's positions.
type Monitor struct {
	acct     account.Account
	exchange Exchange
	executor Executor
	config   Config
	logger   *zap.Logger

	// positions is owned exclusively by the Run goroutine.
	positions map[string]*Position
	intents   chan intent.OrderIntent
}

// New creates a monitor for one account.
func New(acct account.Account, exchange Exchange, executor Executor, config Config, logger *zap.Logger) *Monitor {
	defaults := DefaultConfig()
	if config.StopLossPct == 0 {
		config.StopLossPct = defaults.StopLossPct
	}
	if config.TakeProfitPct == 0 {
		config.TakeProfitPct = defaults.TakeProfitPct
	}
	if config.RSIOverbought == 0 {
		config.RSIOverbought = defaults.RSIOverbought
	}
	if config.RSIOversold == 0 {
		config.RSIOversold = defaults.RSIOversold
	}
	if config.RSICheckInterval == 0 {
		config.RSICheckInterval = defaults.RSICheckInterval
	}
	if config.IntentBuffer == 0 {
		config.IntentBuffer = defaults.IntentBuffer
	}
	return &Monitor{
		acct:      acct,
		exchange:  exchange,
		executor:  executor,
		config:    config,
		logger:    logger.Named("risk-monitor").With(zap.String("account", acct.Name)),
		positions: make(map[string]*Position),
		intents:   make(chan intent.OrderIntent, config.IntentBuffer),
	}
}

// Submit routes an order intent into this account's loop. Non-blocking; a
// full channel drops the intent with a log line rather than stalling the
// fan-out.
func (m *Monitor) Submit(it intent.OrderIntent) {
	select {
	case m.intents <- it:
	default:
		m.logger.Warn("Intent channel full, dropping intent",
			zap.String("symbol", it.Symbol))
	}
}

// Run consumes session events, routed intents, and the RSI ticker until
// the context is canceled or the event channel closes.
func (m *Monitor) Run(ctx context.Context, events <-chan session.Event) {
	ticker := time.NewTicker(m.config.RSICheckInterval)
	defer ticker.Stop()

	m.logger.Info("Risk monitor started",
		zap.Float64("stop_loss_pct", m.config.StopLossPct),
		zap.Float64("take_profit_pct", m.config.TakeProfitPct))

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, event)
		case it := <-m.intents:
			if _, err := m.executor.Execute(ctx, it, m.acct.Name); err != nil {
				m.logger.Debug("Intent not executed", zap.Error(err))
			}
		case <-ticker.C:
			m.checkRSI(ctx)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, event session.Event) {
	switch {
	case event.Connected:
		m.prime(ctx)
	case event.Account != nil:
		m.handleAccountUpdate(ctx, event.Account)
	case event.Order != nil:
		m.logger.Info("Order update",
			zap.String("symbol", event.Order.Symbol),
			zap.String("side", event.Order.Side),
			zap.String("status", event.Order.Status),
			zap.Float64("quantity", event.Order.Quantity),
			zap.Float64("price", event.Order.Price))
	}
}

// prime rebuilds the position map from the REST position snapshot after a
// (re)connect, so positions opened while the stream was down are not
// orphaned.
func (m *Monitor) prime(ctx context.Context) {
	open, err := m.exchange.OpenPositions(ctx, m.acct)
	if err != nil {
		m.logger.Warn("Failed to prime positions from snapshot", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(open))
	for _, p := range open {
		seen[p.Symbol] = true
		if existing, ok := m.positions[p.Symbol]; ok {
			existing.Quantity = abs(p.PositionAmt)
			existing.Side = sideOf(p.PositionAmt)
			existing.EntryPrice = p.EntryPrice
			existing.UnrealizedPnL = p.UnrealizedProfit
			continue
		}
		m.positions[p.Symbol] = &Position{
			Symbol:        p.Symbol,
			Side:          sideOf(p.PositionAmt),
			Quantity:      abs(p.PositionAmt),
			EntryPrice:    p.EntryPrice,
			UnrealizedPnL: p.UnrealizedProfit,
			OpenedAt:      time.Now(),
		}
		m.logger.Info("Tracking existing position",
			zap.String("symbol", p.Symbol),
			zap.Float64("position_amt", p.PositionAmt),
			zap.Float64("unrealized_pnl", p.UnrealizedProfit))
	}
	for symbol := range m.positions {
		if !seen[symbol] {
			delete(m.positions, symbol)
		}
	}
}

// handleAccountUpdate applies position changes and then evaluates the
// closing criteria for every position still open.
func (m *Monitor) handleAccountUpdate(ctx context.Context, update *session.AccountUpdate) {
	for _, change := range update.Positions {
		if change.Quantity == 0 {
			if _, ok := m.positions[change.Symbol]; ok {
				m.logger.Info("Position flat, removing from tracking",
					zap.String("symbol", change.Symbol))
				delete(m.positions, change.Symbol)
			}
			continue
		}

		pos, ok := m.positions[change.Symbol]
		if !ok {
			pos = &Position{Symbol: change.Symbol, OpenedAt: time.Now()}
			m.positions[change.Symbol] = pos
		}
		pos.Side = sideOf(change.Quantity)
		pos.Quantity = abs(change.Quantity)
		pos.EntryPrice = change.EntryPrice
		pos.UnrealizedPnL = change.UnrealizedPnL

		m.logger.Info("Position updated",
			zap.String("symbol", pos.Symbol),
			zap.String("side", pos.Side),
			zap.Float64("quantity", pos.Quantity),
			zap.Float64("unrealized_pnl", pos.UnrealizedPnL))
	}

	if len(m.positions) == 0 {
		return
	}

	balance, err := m.exchange.WalletBalance(ctx, m.acct)
	if err != nil {
		m.logger.Warn("Failed to fetch balance for risk evaluation", zap.Error(err))
		return
	}
	if balance <= 0 {
		return
	}

	for _, pos := range m.positions {
		m.evaluate(ctx, pos, balance)
	}
}

// evaluate applies the stop-loss/take-profit thresholds to one position.
func (m *Monitor) evaluate(ctx context.Context, pos *Position, balance float64) {
	pnlPct := pos.UnrealizedPnL / balance * 100

	switch {
	case pnlPct <= m.config.StopLossPct:
		m.logger.Info("Stop loss triggered",
			zap.String("symbol", pos.Symbol), zap.Float64("pnl_pct", pnlPct))
		m.close(ctx, pos, ReasonStopLoss, 0)
	case pnlPct >= m.config.TakeProfitPct:
		m.logger.Info("Take profit triggered",
			zap.String("symbol", pos.Symbol), zap.Float64("pnl_pct", pnlPct))
		m.close(ctx, pos, ReasonTakeProfit, 0)
	}
}

// checkRSI runs the periodic RSI reversal check against fresh five-minute
// closes for every open position.
func (m *Monitor) checkRSI(ctx context.Context) {
	for _, pos := range m.positions {
		closes, err := m.exchange.ClosePrices(ctx, pos.Symbol, indicators.RSIInterval, indicators.RSIPeriod)
		if err != nil {
			m.logger.Warn("Failed to fetch closes for RSI check",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		if len(closes) < indicators.RSIPeriod {
			m.logger.Warn("Not enough closes for RSI check",
				zap.String("symbol", pos.Symbol), zap.Int("closes", len(closes)))
			continue
		}

		rsi, err := indicators.RSI(closes)
		if err != nil {
			m.logger.Warn("RSI calculation failed",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}

		longExit := pos.Side == binance.SideBuy && rsi >= m.config.RSIOverbought
		shortExit := pos.Side == binance.SideSell && rsi <= m.config.RSIOversold
		if !longExit && !shortExit {
			continue
		}

		m.logger.Info("RSI reversal triggered",
			zap.String("symbol", pos.Symbol),
			zap.String("side", pos.Side),
			zap.Float64("rsi", rsi))
		m.close(ctx, pos, ReasonRSIExit, closes[len(closes)-1])
	}
}

// close issues the closing order and, once acknowledged, removes the
// position immediately. Waiting for the next account update instead would
// let rapid re-evaluations issue duplicate closes.
func (m *Monitor) close(ctx context.Context, pos *Position, reason string, exitPrice float64) {
	err := m.executor.ClosePosition(ctx, m.acct.Name, pos.Symbol, pos.Side, pos.Quantity)
	if err != nil {
		m.logger.Error("Failed to close position",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	delete(m.positions, pos.Symbol)

	fields := []zap.Field{
		zap.String("symbol", pos.Symbol),
		zap.String("side", pos.Side),
		zap.Float64("quantity", pos.Quantity),
		zap.String("reason", reason),
		zap.Duration("held", time.Since(pos.OpenedAt)),
	}
	if exitPrice > 0 && pos.EntryPrice > 0 {
		realized := (exitPrice - pos.EntryPrice) * pos.Quantity
		if pos.Side == binance.SideSell {
			realized = -realized
		}
		fields = append(fields, zap.Float64("realized_pnl", realized))
	}
	m.logger.Info("Position closed", fields...)
}

// OpenPositions returns a snapshot copy of the tracked positions. Intended
// for tests and status reporting, not for the hot path.
func (m *Monitor) OpenPositions() []Position {
	snapshot := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		snapshot = append(snapshot, *pos)
	}
	return snapshot
}

func sideOf(quantity float64) string {
	if quantity < 0 {
		return binance.SideSell
	}
	return binance.SideBuy
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
