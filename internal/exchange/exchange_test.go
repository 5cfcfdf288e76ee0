package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
)

var testNow = time.UnixMilli(1762438851040).UTC()

func expectedSig(secret, total string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(total))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSign(t *testing.T) {
	params := map[string]string{"side": "BUY", "pair": "ETH/USD", "quantity": "0.01", "type": "MARKET"}
	total, sig := Sign("s3cret", params, testNow)

	assert.Equal(t, "pair=ETH/USD&quantity=0.01&side=BUY&timestamp=1762438851040&type=MARKET", total)
	assert.Equal(t, expectedSig("s3cret", total), sig)
	assert.Len(t, sig, 64)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "key", "secret", 5*time.Second)
	c.SetClock(func() time.Time { return testNow })
	return c
}

func TestClient_PlaceOrderSignsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/place_order", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "key", r.Header.Get("RST-API-KEY"))
		assert.Equal(t, expectedSig("secret", string(body)), r.Header.Get("MSG-SIGNATURE"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "pair=ETH/USD")
		assert.Contains(t, string(body), "side=SELL")
		fmt.Fprint(w, `{"Success": true, "ErrMsg": "", "OrderDetail": {"Pair": "ETH/USD", "OrderID": 2344053, "Status": "FILLED", "Price": 3367.13}}`)
	})

	resp, err := c.PlaceOrder(context.Background(), "ETH/USD", "sell", 0.01)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "FILLED", resp.OrderDetail["Status"])
}

func TestClient_CurrentPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/balance", r.URL.Path)
		assert.Equal(t, "1762438851040", r.URL.Query().Get("timestamp"))
		assert.Equal(t, expectedSig("secret", r.URL.RawQuery), r.Header.Get("MSG-SIGNATURE"))
		fmt.Fprint(w, `{"Success": true, "ErrMsg": "", "SpotWallet": {"ETH": {"Free": 0.01, "Lock": 0}, "USD": {"Free": 49966.14, "Lock": 0}}}`)
	})

	got, err := c.CurrentPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Amounts{"ETH": 0.01, "USD": 49966.14}, got)
}

func TestClient_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
	})
	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, ErrExchange)
}

type fakePlacer struct {
	orders  []string
	fail    map[string]string
	pending PendingCount
}

func (f *fakePlacer) PlaceOrder(_ context.Context, pair, side string, qty float64) (*OrderResponse, error) {
	f.orders = append(f.orders, fmt.Sprintf("%s %s %g", side, pair, qty))
	if msg, ok := f.fail[pair]; ok {
		if msg == "transport" {
			return nil, errors.New("connection reset")
		}
		return &OrderResponse{Success: false, ErrMsg: msg}, nil
	}
	return &OrderResponse{Success: true, OrderDetail: map[string]any{
		"Pair": pair, "Status": "FILLED", "OrderID": float64(len(f.orders)), "Type": "MARKET",
	}}, nil
}

func (f *fakePlacer) PendingCount(context.Context) (*PendingCount, error) {
	return &f.pending, nil
}

type memJournal struct{ ids []string }

func (m *memJournal) AddOrder(tickID string, o *models.OrderOutcome) error {
	m.ids = append(m.ids, tickID+":"+o.Symbol)
	return nil
}

func TestExecutor_Execute(t *testing.T) {
	placer := &fakePlacer{
		fail:    map[string]string{"SOL/USD": "insufficient balance"},
		pending: PendingCount{Success: false, ErrMsg: NoPendingMsg},
	}
	journal := &memJournal{}
	rec := &notify.Recorder{}
	infos := map[string]models.SymbolInfo{
		"BTC": {Coin: "BTC", AmountPrecision: 5, AnchorPrice: 60000},
	}
	ex := NewExecutor(placer, journal, infos, ExecutorOptions{Pause: 0}, rec, logger.Nop())

	deltas := models.Amounts{
		"BTC":  0.1000000001,
		"ETH":  -0.5,
		"SOL":  1,
		"XRP":  1, // below min notional
		"DOGE": 0,
		"USD":  500,
	}
	prices := models.Amounts{"BTC": 60000, "ETH": 3000, "SOL": 150, "XRP": 0.5}

	outcomes, err := ex.Execute(context.Background(), "tick-1", deltas, prices)
	require.NoError(t, err)

	assert.Equal(t, []string{"BUY BTC/USD 0.1", "SELL ETH/USD 0.5", "BUY SOL/USD 1"}, placer.orders)
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Succeeded())
	assert.Equal(t, "FILLED", outcomes[0].Status)
	assert.Equal(t, int64(1), outcomes[0].OrderID)
	assert.NotEmpty(t, outcomes[0].ID)
	assert.False(t, outcomes[2].Succeeded())
	assert.Contains(t, outcomes[2].Error, "insufficient balance")
	assert.Equal(t, []string{"tick-1:BTC", "tick-1:ETH", "tick-1:SOL"}, journal.ids)

	var skipped, pending bool
	for _, m := range rec.Messages {
		skipped = skipped || strings.Contains(m, "[TRADE SKIPPED]")
		pending = pending || m == "No pending orders"
	}
	assert.True(t, skipped)
	assert.True(t, pending)
}

func TestExecutor_TransportErrorIsPerSymbol(t *testing.T) {
	placer := &fakePlacer{fail: map[string]string{"BTC/USD": "transport"}, pending: PendingCount{Success: true, TotalPending: 1}}
	rec := &notify.Recorder{}
	ex := NewExecutor(placer, nil, nil, ExecutorOptions{}, rec, logger.Nop())

	outcomes, err := ex.Execute(context.Background(), "t", models.Amounts{"BTC": 1, "ETH": 1}, models.Amounts{"BTC": 100, "ETH": 100})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Contains(t, outcomes[0].Error, ErrOrder.Error())
	assert.True(t, outcomes[1].Succeeded())
	assert.Contains(t, rec.Messages[len(rec.Messages)-1], "Pending orders found")
}

func TestExecutor_NoTradesSkipsPendingCheck(t *testing.T) {
	placer := &fakePlacer{}
	rec := &notify.Recorder{}
	ex := NewExecutor(placer, nil, nil, ExecutorOptions{}, rec, logger.Nop())

	outcomes, err := ex.Execute(context.Background(), "t", models.Amounts{"BTC": 0}, nil)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Zero(t, rec.Count())
}

type fakeAnchors map[string]float64

func (f fakeAnchors) AnchorClose(_ context.Context, symbol string, _ time.Time) (float64, error) {
	v, ok := f[symbol]
	if !ok {
		return 0, errors.New("no close")
	}
	return v, nil
}

func TestBuildSymbolInfos(t *testing.T) {
	info := &ExchangeInfo{TradePairs: map[string]TradePair{
		"BTC/USD":  {Coin: "BTC", Unit: "USD", CanTrade: true, PricePrecision: 2, AmountPrecision: 5, MiniOrder: 1},
		"ETH/USD":  {Coin: "ETH", Unit: "USD", CanTrade: true, PricePrecision: 2, AmountPrecision: 4, MiniOrder: 1},
		"MIRA/USD": {Coin: "MIRA", Unit: "USD", AmountPrecision: 1},
	}}
	anchors := fakeAnchors{"BTC/USD": 102000, "ETH/USD": 3400}

	got, err := BuildSymbolInfos(context.Background(), info, []string{"BTC", "ETH", "DOGE"}, anchors, testNow, logger.Nop())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 102000.0, got["BTC"].AnchorPrice)
	assert.Equal(t, 4, got["ETH"].AmountPrecision)
	assert.True(t, got["ETH"].Tradable)

	_, err = BuildSymbolInfos(context.Background(), info, []string{"MIRA"}, anchors, testNow, logger.Nop())
	assert.Error(t, err)
}
