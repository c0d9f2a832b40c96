package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrQuantityOutOfBounds is returned when a normalized quantity leaves the
// symbol's [minQty, maxQty] range. Callers must abort the order, never
// clamp to a boundary.
var ErrQuantityOutOfBounds = errors.New("quantity outside symbol bounds")

// SymbolRules are the LOT_SIZE constraints for one symbol.
type SymbolRules struct {
	Symbol   string
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
}

// RulesCache lazily fetches per-symbol trading rules and caches them for
// the process lifetime; the exchange changes them rarely enough that no
// expiry is needed. Concurrent population of the same symbol is harmless,
// fetched rules are idempotent.
type RulesCache struct {
	client *Client
	logger *zap.Logger

	mu    sync.RWMutex
	rules map[string]SymbolRules
}

// NewRulesCache creates an empty cache backed by the given client.
func NewRulesCache(client *Client, logger *zap.Logger) *RulesCache {
	return &RulesCache{
		client: client,
		logger: logger.Named("symbol-rules"),
		rules:  make(map[string]SymbolRules),
	}
}

// RulesFor returns the cached rules for a symbol, fetching them from the
// exchange on first access.
func (rc *RulesCache) RulesFor(ctx context.Context, symbol string) (SymbolRules, error) {
	rc.mu.RLock()
	rules, ok := rc.rules[symbol]
	rc.mu.RUnlock()
	if ok {
		return rules, nil
	}

	rules, err := rc.fetch(ctx, symbol)
	if err != nil {
		return SymbolRules{}, err
	}

	rc.mu.Lock()
	rc.rules[symbol] = rules
	rc.mu.Unlock()

	rc.logger.Info("Cached symbol trading rules",
		zap.String("symbol", symbol),
		zap.String("step_size", rules.StepSize.String()),
		zap.String("min_qty", rules.MinQty.String()),
		zap.String("max_qty", rules.MaxQty.String()))
	return rules, nil
}

// fetch pulls the LOT_SIZE filter from the exchange info endpoint.
func (rc *RulesCache) fetch(ctx context.Context, symbol string) (SymbolRules, error) {
	body, err := rc.client.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", "symbol="+symbol, "")
	if err != nil {
		return SymbolRules{}, err
	}

	var payload struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				MaxQty     string `json:"maxQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return SymbolRules{}, fmt.Errorf("decode exchange info payload: %w", err)
	}

	for _, info := range payload.Symbols {
		if info.Symbol != symbol {
			continue
		}
		for _, filter := range info.Filters {
			if filter.FilterType != "LOT_SIZE" {
				continue
			}
			return parseLotSize(symbol, filter.StepSize, filter.MinQty, filter.MaxQty)
		}
	}
	return SymbolRules{}, fmt.Errorf("exchange info has no LOT_SIZE filter for %s", symbol)
}

func parseLotSize(symbol, step, min, max string) (SymbolRules, error) {
	stepSize, err := decimal.NewFromString(step)
	if err != nil || stepSize.IsZero() {
		return SymbolRules{}, fmt.Errorf("invalid step size %q for %s", step, symbol)
	}
	minQty, err := decimal.NewFromString(min)
	if err != nil {
		return SymbolRules{}, fmt.Errorf("invalid min qty %q for %s", min, symbol)
	}
	maxQty, err := decimal.NewFromString(max)
	if err != nil {
		return SymbolRules{}, fmt.Errorf("invalid max qty %q for %s", max, symbol)
	}
	return SymbolRules{Symbol: symbol, StepSize: stepSize, MinQty: minQty, MaxQty: maxQty}, nil
}

// AdjustQuantity normalizes a raw base-asset quantity to the symbol's step
// size: floor(raw/step)*step, truncated to the decimal precision the step
// implies. Truncation only, never rounding up. The result must land inside
// [minQty, maxQty] or the order is aborted with ErrQuantityOutOfBounds.
func AdjustQuantity(raw float64, rules SymbolRules) (decimal.Decimal, error) {
	rawQty := decimal.NewFromFloat(raw)
	steps := rawQty.Div(rules.StepSize).Floor()
	adjusted := steps.Mul(rules.StepSize).Truncate(stepPrecision(rules.StepSize))

	if adjusted.LessThan(rules.MinQty) || adjusted.GreaterThan(rules.MaxQty) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s adjusted to %s, allowed [%s, %s]",
			ErrQuantityOutOfBounds, rules.Symbol, adjusted.String(),
			rules.MinQty.String(), rules.MaxQty.String())
	}
	return adjusted, nil
}

// stepPrecision is the number of decimal places implied by a step size,
// log10(1/step) for steps like 0.001.
func stepPrecision(step decimal.Decimal) int32 {
	if exp := step.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
