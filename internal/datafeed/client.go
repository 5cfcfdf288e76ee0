// Package datafeed talks to the market-data proxy: indicator series, last prices and
// anchor closes.
package datafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// ErrRemoteFetch wraps every failure to reach or decode the proxy.
var ErrRemoteFetch = errors.New("remote fetch failed")

// Client provides access to the market-data proxy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a new proxy client.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxRetries int) *Client {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: maxRetries,
		retryDelay: time.Second,
	}
}

// SetRetryDelay sets the base linear backoff between attempts.
func (c *Client) SetRetryDelay(d time.Duration) { c.retryDelay = d }

type seriesPoint struct {
	T     *float64 `json:"t"`
	Value *float64 `json:"value"`
}

// FetchSeries retrieves an indicator series since sinceMillis. An empty payload
// is not an error.
func (c *Client) FetchSeries(ctx context.Context, kind models.IndicatorKind, symbol, timeframe string, sinceMillis int64) (models.Series, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown indicator %q", ErrRemoteFetch, kind)
	}
	q := url.Values{}
	q.Set("symbol", models.BaseSymbol(symbol))
	q.Set("timeframe", timeframe)
	q.Set("since_ms", strconv.FormatInt(sinceMillis, 10))

	var raw []seriesPoint
	if err := c.getJSON(ctx, endpoint(kind), q, &raw); err != nil {
		return nil, err
	}
	out := make(models.Series, 0, len(raw))
	for i, p := range raw {
		if p.T == nil || p.Value == nil {
			return nil, fmt.Errorf("%w: %s point %d missing t or value", ErrRemoteFetch, kind, i)
		}
		out = append(out, models.SeriesPoint{T: int64(*p.T), Value: *p.Value})
	}
	return out, nil
}

// LastPrice returns the latest traded price of a symbol.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", models.BaseSymbol(symbol))
	var body struct {
		Last *float64 `json:"last"`
	}
	if err := c.getJSON(ctx, "/last-price", q, &body); err != nil {
		return 0, err
	}
	if body.Last == nil {
		return 0, fmt.Errorf("%w: last price payload missing \"last\"", ErrRemoteFetch)
	}
	return *body.Last, nil
}

// AnchorClose returns the 1h close at or after since.
func (c *Client) AnchorClose(ctx context.Context, symbol string, since time.Time) (float64, error) {
	q := url.Values{}
	q.Set("symbol", models.BaseSymbol(symbol))
	q.Set("timeframe", "1h")
	q.Set("since_ms", strconv.FormatInt(since.UnixMilli(), 10))
	var body struct {
		Close *float64 `json:"close"`
	}
	if err := c.getJSON(ctx, "/ohlcv-close", q, &body); err != nil {
		return 0, err
	}
	if body.Close == nil {
		return 0, fmt.Errorf("%w: close payload missing \"close\"", ErrRemoteFetch)
	}
	return *body.Close, nil
}

func endpoint(kind models.IndicatorKind) string {
	return "/" + strings.ReplaceAll(string(kind), "_", "-")
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("%w: failed to parse URL: %v", ErrRemoteFetch, err)
	}
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemoteFetch, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrRemoteFetch, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: failed to decode %s: %v", ErrRemoteFetch, path, err)
	}
	return nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-API-Key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * c.retryDelay):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
