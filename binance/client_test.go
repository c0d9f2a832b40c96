package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"futures-fleet/account"
)

var testAccount = account.Account{Name: "TRADER1", APIKey: "test-key", APISecret: "test-secret"}

func TestPlaceOrderSendsSignedQuery(t *testing.T) {
	var gotHeader, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			http.NotFound(w, r)
			return
		}
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"orderId":12345,"symbol":"BTCUSDT","status":"NEW","side":"BUY","type":"MARKET","origQty":"0.020"}`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	resp, err := client.PlaceOrder(context.Background(), testAccount, OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     OrderTypeMarket,
		Quantity: "0.02",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.OrderID != 12345 || resp.Status != "NEW" {
		t.Fatalf("unexpected order response: %+v", resp)
	}

	if gotHeader != testAccount.APIKey {
		t.Fatalf("X-MBX-APIKEY = %q, want %q", gotHeader, testAccount.APIKey)
	}

	wantPrefix := "symbol=BTCUSDT&side=BUY&type=MARKET&quantity=0.02&reduceOnly=false&timestamp="
	if !strings.HasPrefix(gotQuery, wantPrefix) {
		t.Fatalf("query = %q, want prefix %q", gotQuery, wantPrefix)
	}

	// The signature must be the last parameter and must cover everything
	// before it.
	sigIdx := strings.LastIndex(gotQuery, "&signature=")
	if sigIdx < 0 {
		t.Fatalf("query has no signature: %q", gotQuery)
	}
	signedPart := gotQuery[:sigIdx]
	signature := gotQuery[sigIdx+len("&signature="):]
	if signature != Sign(signedPart, testAccount.APISecret) {
		t.Fatalf("signature does not cover the query string %q", signedPart)
	}
}

func TestPlaceOrderSurfacesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	_, err := client.PlaceOrder(context.Background(), testAccount, OrderRequest{
		Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: "1",
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Code != -2019 || apiErr.Message != "Margin is insufficient." {
		t.Fatalf("unexpected rejection payload: %+v", apiErr)
	}
}

func TestTransportFailuresWrapErrTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client := NewClient(Config{BaseURL: server.URL, Timeout: time.Second}, zap.NewNop())
	_, err := client.WalletBalance(context.Background(), testAccount)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
}

func TestWalletBalanceParsesUSDT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v2/account" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"assets":[
			{"asset":"BNB","walletBalance":"0.5"},
			{"asset":"USDT","walletBalance":"1000.25"}
		]}`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	balance, err := client.WalletBalance(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("WalletBalance: %v", err)
	}
	if balance != 1000.25 {
		t.Fatalf("balance = %v, want 1000.25", balance)
	}
}

func TestOpenPositionsFiltersFlat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0.0","unRealizedProfit":"0.0"},
			{"symbol":"ETHUSDT","positionAmt":"-1.500","entryPrice":"2000.5","unRealizedProfit":"-12.3"}
		]`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	positions, err := client.OpenPositions(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d open positions, want 1", len(positions))
	}
	pos := positions[0]
	if pos.Symbol != "ETHUSDT" || pos.PositionAmt != -1.5 || pos.EntryPrice != 2000.5 {
		t.Fatalf("unexpected position: %+v", pos)
	}

	flat, err := client.PositionFor(context.Background(), testAccount, "BTCUSDT")
	if err != nil {
		t.Fatalf("PositionFor: %v", err)
	}
	if flat != nil {
		t.Fatalf("PositionFor(BTCUSDT) = %+v, want nil for a flat symbol", flat)
	}
}

func TestClosePricesParsesKlines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("interval"); got != "5m" {
			t.Errorf("interval = %q, want 5m", got)
		}
		fmt.Fprint(w, `[
			[1700000000000,"100.0","101.0","99.0","100.5",
			 "12.3",1700000299999,"1234.5",42,"6.1","610.0","0"],
			[1700000300000,"100.5","102.0","100.0","101.5",
			 "10.0",1700000599999,"1015.0",40,"5.0","507.5","0"]
		]`)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	closes, err := client.ClosePrices(context.Background(), "BTCUSDT", "5m", 2)
	if err != nil {
		t.Fatalf("ClosePrices: %v", err)
	}
	if len(closes) != 2 || closes[0] != 100.5 || closes[1] != 101.5 {
		t.Fatalf("closes = %v, want [100.5 101.5]", closes)
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	var puts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/listenKey" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-MBX-APIKEY") != testAccount.APIKey {
			t.Errorf("listen key request missing API key header")
		}
		switch r.Method {
		case http.MethodPost:
			fmt.Fprint(w, `{"listenKey":"stream-token-1"}`)
		case http.MethodPut:
			puts++
			fmt.Fprint(w, `{}`)
		}
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	key, err := client.CreateListenKey(context.Background(), testAccount)
	if err != nil {
		t.Fatalf("CreateListenKey: %v", err)
	}
	if key != "stream-token-1" {
		t.Fatalf("listen key = %q, want stream-token-1", key)
	}

	if err := client.KeepAliveListenKey(context.Background(), testAccount); err != nil {
		t.Fatalf("KeepAliveListenKey: %v", err)
	}
	if puts != 1 {
		t.Fatalf("keep-alive PUTs = %d, want 1", puts)
	}
}
