package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Event is the tagged union delivered to the monitor: exactly one of the
// pointer fields is set, or Connected is true for the synthetic marker
// pushed after each (re)connect. Stream payloads are decoded explicitly at
// this boundary; unrecognized shapes are rejected, never accessed
// optimistically.
type Event struct {
	Connected bool
	Account   *AccountUpdate
	Order     *OrderUpdate
}

// AccountUpdate carries the position changes of one ACCOUNT_UPDATE event.
type AccountUpdate struct {
	Positions []PositionChange
}

// PositionChange is one (symbol, quantity, pnl) tuple. Quantity keeps the
// exchange's sign: positive long, negative short, zero flat.
type PositionChange struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// OrderUpdate carries one ORDER_TRADE_UPDATE event. Used for observability
// only; position state is driven by account updates.
type OrderUpdate struct {
	Symbol   string
	Side     string
	Status   string
	Quantity float64
	Price    float64
}

const (
	eventAccountUpdate = "ACCOUNT_UPDATE"
	eventOrderUpdate   = "ORDER_TRADE_UPDATE"
)

type wireAccountUpdate struct {
	Data struct {
		Positions []struct {
			Symbol        string `json:"s"`
			PositionAmt   string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnL string `json:"up"`
		} `json:"P"`
	} `json:"a"`
}

type wireOrderUpdate struct {
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Status   string `json:"X"`
		Quantity string `json:"q"`
		Price    string `json:"p"`
	} `json:"o"`
}

// decodeEvent parses a raw stream message into the tagged union.
func decodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Event{}, fmt.Errorf("malformed stream message: %w", err)
	}

	switch envelope.Event {
	case eventAccountUpdate:
		var wire wireAccountUpdate
		if err := json.Unmarshal(data, &wire); err != nil {
			return Event{}, fmt.Errorf("malformed %s payload: %w", eventAccountUpdate, err)
		}
		update := &AccountUpdate{}
		for _, p := range wire.Data.Positions {
			qty, err := strconv.ParseFloat(p.PositionAmt, 64)
			if err != nil {
				return Event{}, fmt.Errorf("bad position amount %q for %s: %w", p.PositionAmt, p.Symbol, err)
			}
			entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
			pnl, _ := strconv.ParseFloat(p.UnrealizedPnL, 64)
			update.Positions = append(update.Positions, PositionChange{
				Symbol:        p.Symbol,
				Quantity:      qty,
				EntryPrice:    entry,
				UnrealizedPnL: pnl,
			})
		}
		return Event{Account: update}, nil

	case eventOrderUpdate:
		var wire wireOrderUpdate
		if err := json.Unmarshal(data, &wire); err != nil {
			return Event{}, fmt.Errorf("malformed %s payload: %w", eventOrderUpdate, err)
		}
		qty, _ := strconv.ParseFloat(wire.Order.Quantity, 64)
		price, _ := strconv.ParseFloat(wire.Order.Price, 64)
		return Event{Order: &OrderUpdate{
			Symbol:   wire.Order.Symbol,
			Side:     wire.Order.Side,
			Status:   wire.Order.Status,
			Quantity: qty,
			Price:    price,
		}}, nil

	default:
		return Event{}, fmt.Errorf("unrecognized stream event %q", envelope.Event)
	}
}
