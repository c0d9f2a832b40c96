// Package execution turns order intents into signed, precision-adjusted
// exchange orders. Every step is a hard gate: a failure aborts that one
// order, gets logged, and never takes the process down.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futures-fleet/account"
	"futures-fleet/binance"
	"futures-fleet/intent"
)

// Business-rule gates. Each aborts a single order intent.
var (
	// ErrPositionAlreadyOpen rejects an intent for a symbol the account
	// already holds; no averaging or pyramiding.
	ErrPositionAlreadyOpen = errors.New("position already open")
	// ErrInsufficientBalance rejects an intent when the account has no
	// USDT to size against.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Config holds the sizing and account-preparation settings.
type Config struct {
	// SizingFraction of the wallet balance committed per trade.
	SizingFraction float64 `json:"sizing_fraction"`
	// Leverage multiplier applied to the sizing base.
	Leverage int `json:"leverage"`
	// MarginType applied to every configured pair at startup.
	MarginType string `json:"margin_type"`
	// Pairs the engine prepares leverage and margin for.
	Pairs []string `json:"pairs"`
}

// DefaultConfig returns the production sizing profile: 1% of balance at
// 50x leverage, isolated margin.
func DefaultConfig() Config {
	return Config{
		SizingFraction: 0.01,
		Leverage:       50,
		MarginType:     "ISOLATED",
	}
}

// Result is the acknowledged outcome of one executed intent.
type Result struct {
	Account  string
	Symbol   string
	Side     string
	Quantity decimal.Decimal
	OrderID  int64
	Status   string
}

// Engine places and closes orders for any configured account.
type Engine struct {
	client   *binance.Client
	accounts *account.Store
	rules    *binance.RulesCache
	config   Config
	logger   *zap.Logger
}

// NewEngine creates an execution engine.
func NewEngine(client *binance.Client, accounts *account.Store, rules *binance.RulesCache, config Config, logger *zap.Logger) *Engine {
	if config.SizingFraction == 0 {
		config.SizingFraction = DefaultConfig().SizingFraction
	}
	if config.Leverage == 0 {
		config.Leverage = DefaultConfig().Leverage
	}
	if config.MarginType == "" {
		config.MarginType = DefaultConfig().MarginType
	}
	return &Engine{
		client:   client,
		accounts: accounts,
		rules:    rules,
		config:   config,
		logger:   logger.Named("order-execution"),
	}
}

// Execute runs an order intent through the gate sequence for one account:
// credentials, open-position check, balance, sizing, precision, submit.
// The first failing gate aborts the intent. Rejections are surfaced, never
// retried here; retrying without re-running the gates could duplicate
// exposure.
func (e *Engine) Execute(ctx context.Context, it intent.OrderIntent, accountName string) (*Result, error) {
	logger := e.logger.With(zap.String("account", accountName), zap.String("symbol", it.Symbol))

	acct, err := e.accounts.Credentials(accountName)
	if err != nil {
		logger.Warn("Skipping account without credentials", zap.Error(err))
		return nil, err
	}

	open, err := e.client.PositionFor(ctx, acct, it.Symbol)
	if err != nil {
		logger.Error("Failed to check open positions", zap.Error(err))
		return nil, err
	}
	if open != nil {
		logger.Info("Intent ignored, position already open",
			zap.Float64("position_amt", open.PositionAmt))
		return nil, fmt.Errorf("%w: %s %s", ErrPositionAlreadyOpen, accountName, it.Symbol)
	}

	balance, err := e.client.WalletBalance(ctx, acct)
	if err != nil {
		logger.Error("Failed to fetch wallet balance", zap.Error(err))
		return nil, err
	}
	if balance <= 0 {
		logger.Info("Intent ignored, insufficient balance", zap.Float64("balance", balance))
		return nil, fmt.Errorf("%w: %s", ErrInsufficientBalance, accountName)
	}

	quantity, err := e.sizeOrder(ctx, it, balance)
	if err != nil {
		logger.Warn("Failed to size order", zap.Error(err))
		return nil, err
	}

	order := binance.OrderRequest{
		Symbol:     it.Symbol,
		Side:       it.Side,
		Type:       it.Type,
		Quantity:   quantity.String(),
		ReduceOnly: false,
	}
	resp, err := e.client.PlaceOrder(ctx, acct, order)
	if err != nil {
		logger.Error("Order rejected by exchange", zap.Error(err))
		return nil, fmt.Errorf("place %s %s order: %w", it.Side, it.Symbol, err)
	}

	logger.Info("Order placed",
		zap.String("side", it.Side),
		zap.String("quantity", quantity.String()),
		zap.Int64("order_id", resp.OrderID),
		zap.String("status", resp.Status))
	return &Result{
		Account:  accountName,
		Symbol:   it.Symbol,
		Side:     it.Side,
		Quantity: quantity,
		OrderID:  resp.OrderID,
		Status:   resp.Status,
	}, nil
}

// sizeOrder computes the precision-adjusted base-asset quantity. An intent
// may carry an explicit quantity; otherwise the sizing base is a fixed
// fraction of balance times leverage, divided by the current price.
func (e *Engine) sizeOrder(ctx context.Context, it intent.OrderIntent, balance float64) (decimal.Decimal, error) {
	raw := it.Quantity
	if raw == 0 {
		price, err := e.client.MarkPrice(ctx, it.Symbol)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if price <= 0 {
			return decimal.Decimal{}, fmt.Errorf("invalid price %v for %s", price, it.Symbol)
		}
		raw = balance * e.config.SizingFraction * float64(e.config.Leverage) / price
	}

	rules, err := e.rules.RulesFor(ctx, it.Symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return binance.AdjustQuantity(raw, rules)
}

// ClosePosition market-closes a tracked position by submitting the
// opposite side at the tracked quantity. The inverted side at full size is
// what makes this reduce the position rather than extend it.
func (e *Engine) ClosePosition(ctx context.Context, accountName, symbol, side string, quantity float64) error {
	acct, err := e.accounts.Credentials(accountName)
	if err != nil {
		return err
	}

	closeSide := binance.SideSell
	if side == binance.SideSell {
		closeSide = binance.SideBuy
	}

	order := binance.OrderRequest{
		Symbol:   symbol,
		Side:     closeSide,
		Type:     binance.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(quantity).String(),
	}
	resp, err := e.client.PlaceOrder(ctx, acct, order)
	if err != nil {
		return fmt.Errorf("close %s %s: %w", symbol, accountName, err)
	}

	e.logger.Info("Position close order placed",
		zap.String("account", accountName),
		zap.String("symbol", symbol),
		zap.String("side", closeSide),
		zap.Float64("quantity", quantity),
		zap.Int64("order_id", resp.OrderID))
	return nil
}

// PrepareAccount applies the configured leverage and margin type to every
// trading pair before the account starts receiving intents. Per-pair
// failures are logged and skipped so one delisted pair cannot block an
// account.
func (e *Engine) PrepareAccount(ctx context.Context, accountName string) error {
	acct, err := e.accounts.Credentials(accountName)
	if err != nil {
		return err
	}

	logger := e.logger.With(zap.String("account", accountName))
	for _, pair := range e.config.Pairs {
		if err := e.client.SetLeverage(ctx, acct, pair, e.config.Leverage); err != nil {
			logger.Warn("Failed to set leverage",
				zap.String("symbol", pair), zap.Error(err))
			continue
		}
		if err := e.client.SetMarginType(ctx, acct, pair, e.config.MarginType); err != nil {
			logger.Warn("Failed to set margin type",
				zap.String("symbol", pair), zap.Error(err))
			continue
		}
		logger.Info("Prepared pair",
			zap.String("symbol", pair),
			zap.Int("leverage", e.config.Leverage),
			zap.String("margin_type", e.config.MarginType))
	}
	return nil
}
