// Package exchange is the signed REST client for the spot exchange and the order
// executor that turns deltas into orders.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// ErrExchange wraps transport and decode failures of exchange calls.
var ErrExchange = errors.New("exchange request failed")

// NoPendingMsg is the exchange's reply when no orders are pending.
const NoPendingMsg = "no pending order under this account"

// Client signs and sends exchange requests.
type Client struct {
	baseURL    string
	apiKey     string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new exchange client.
func NewClient(baseURL, apiKey, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// SetClock overrides the clock used for request timestamps.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// TradePair is one entry of the exchange's pair table.
type TradePair struct {
	Coin            string  `json:"Coin"`
	CoinFullName    string  `json:"CoinFullName"`
	Unit            string  `json:"Unit"`
	UnitFullName    string  `json:"UnitFullName"`
	CanTrade        bool    `json:"CanTrade"`
	PricePrecision  int     `json:"PricePrecision"`
	AmountPrecision int     `json:"AmountPrecision"`
	MiniOrder       float64 `json:"MiniOrder"`
}

// ExchangeInfo lists tradable pairs keyed by "COIN/UNIT".
type ExchangeInfo struct {
	TradePairs map[string]TradePair `json:"TradePairs"`
}

// WalletEntry is one coin's balance.
type WalletEntry struct {
	Free float64 `json:"Free"`
	Lock float64 `json:"Lock"`
}

// Balance is the signed balance reply.
type Balance struct {
	Success    bool                   `json:"Success"`
	ErrMsg     string                 `json:"ErrMsg"`
	SpotWallet map[string]WalletEntry `json:"SpotWallet"`
}

// OrderResponse is the place-order reply. OrderDetail is kept raw for auditing.
type OrderResponse struct {
	Success     bool           `json:"Success"`
	ErrMsg      string         `json:"ErrMsg"`
	OrderDetail map[string]any `json:"OrderDetail"`
}

// PendingCount is the pending-orders reply.
type PendingCount struct {
	Success      bool   `json:"Success"`
	ErrMsg       string `json:"ErrMsg"`
	TotalPending int    `json:"TotalPending"`
}

// ExchangeInfo fetches the pair table.
func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var info ExchangeInfo
	if err := c.do(ctx, http.MethodGet, "/v3/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Balance fetches wallet balances.
func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	var b Balance
	if err := c.do(ctx, http.MethodGet, "/v3/balance", map[string]string{}, true, &b); err != nil {
		return nil, err
	}
	if !b.Success {
		return nil, fmt.Errorf("%w: balance: %s", ErrExchange, b.ErrMsg)
	}
	return &b, nil
}

// CurrentPositions returns the free amount of every coin in the spot wallet.
func (c *Client) CurrentPositions(ctx context.Context) (models.Amounts, error) {
	b, err := c.Balance(ctx)
	if err != nil {
		return nil, err
	}
	out := make(models.Amounts, len(b.SpotWallet))
	for coin, w := range b.SpotWallet {
		out[coin] = w.Free
	}
	return out, nil
}

// PlaceOrder submits a market order for quantity of pair.
func (c *Client) PlaceOrder(ctx context.Context, pair, side string, quantity float64) (*OrderResponse, error) {
	params := map[string]string{
		"pair":     pair,
		"side":     strings.ToUpper(side),
		"type":     "MARKET",
		"quantity": strconv.FormatFloat(quantity, 'f', -1, 64),
	}
	var r OrderResponse
	if err := c.do(ctx, http.MethodPost, "/v3/place_order", params, true, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PendingCount returns the number of open orders.
func (c *Client) PendingCount(ctx context.Context) (*PendingCount, error) {
	var p PendingCount
	if err := c.do(ctx, http.MethodGet, "/v3/pending_count", map[string]string{}, true, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Sign adds a millisecond timestamp to params and returns the canonical query
// (keys sorted, k=v joined by &) and its hex HMAC-SHA256 signature.
func Sign(secret string, params map[string]string, now time.Time) (string, string) {
	params["timestamp"] = strconv.FormatInt(now.UnixMilli(), 10)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	total := strings.Join(parts, "&")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(total))
	return total, hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, signed bool, v any) error {
	u := c.baseURL + path
	var body io.Reader
	var sig, total string
	if signed {
		total, sig = Sign(c.secret, params, c.now())
		if method == http.MethodGet {
			u += "?" + total
		} else {
			body = strings.NewReader(total)
		}
	} else if len(params) > 0 {
		q := url.Values{}
		for k, val := range params {
			q.Set(k, val)
		}
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchange, err)
	}
	req.Header.Set("Accept", "application/json")
	if signed {
		req.Header.Set("RST-API-KEY", c.apiKey)
		req.Header.Set("MSG-SIGNATURE", sig)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExchange, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", ErrExchange, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", ErrExchange, path, err)
	}
	return nil
}
