// Package indicators implements the momentum calculations used by the risk
// monitor.
package indicators

import "errors"

// RSI evaluation settings for position exits.
const (
	// RSIPeriod is the number of closes in one RSI window.
	RSIPeriod = 14
	// RSIInterval is the kline interval the closes are sampled from.
	RSIInterval = "5m"
)

// ErrInsufficientData is returned when fewer than two closes are supplied.
var ErrInsufficientData = errors.New("not enough closes for RSI")

// RSI computes the Relative Strength Index over the supplied closes,
// oldest first. Each call is independent: gains and losses are simple sums
// over the window with no smoothing carried across calls. Positive deltas
// between consecutive closes accumulate into gains, absolute negative
// deltas into losses. All-gain series return exactly 100, all-loss series
// exactly 0.
func RSI(closes []float64) (float64, error) {
	if len(closes) < 2 {
		return 0, ErrInsufficientData
	}

	var gains, losses float64
	for i := 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses += -delta
		}
	}

	if losses == 0 {
		return 100, nil
	}

	rs := gains / losses
	return 100 - 100/(1+rs), nil
}
