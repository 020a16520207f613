// Package exchange provides the market data clients and the paper broker.
// REST access is rate limited and circuit broken; streaming uses the
// exchange kline websocket with automatic reconnect.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/bottomrun/internal/models"
)

// MaxKlinesPerRequest is the venue page size cap.
const MaxKlinesPerRequest = 1000

// RESTConfig configures the historical klines client.
type RESTConfig struct {
	BaseURL        string
	RequestsPerSec float64
	Burst          int
	Timeout        time.Duration
}

// DefaultRESTConfig returns conservative venue limits.
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		BaseURL:        "https://api.binance.com",
		RequestsPerSec: 5,
		Burst:          10,
		Timeout:        15 * time.Second,
	}
}

// RESTClient fetches historical closed bars. All calls pass through the
// rate limiter and the circuit breaker; an open breaker fails fast.
type RESTClient struct {
	config  RESTConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient creates a historical klines client.
func NewRESTClient(config RESTConfig) *RESTClient {
	if config.BaseURL == "" {
		config = DefaultRESTConfig()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "klines_rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return &RESTClient{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
		breaker: breaker,
	}
}

// Klines fetches closed bars for [from, to) in open_time order, capped at
// limit rows per call. Only bars whose close_time has passed are returned.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]models.Bar, error) {
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, symbol, interval, from, to, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("klines fetch failed: %w", err)
	}
	return result.([]models.Bar), nil
}

func (c *RESTClient) fetch(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	if !to.IsZero() {
		q.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	}
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "bottomrun/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("venue rate limit hit (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Kline rows are positional arrays of mixed numbers and strings.
	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	now := time.Now().UTC()
	bars := make([]models.Bar, 0, len(raw))
	for _, row := range raw {
		bar, err := parseKline(row, symbol, interval)
		if err != nil {
			return nil, err
		}
		if bar.CloseTime.After(now) {
			continue // still-forming bucket
		}
		bar.IsClosed = true
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseKline(row []json.RawMessage, symbol, interval string) (models.Bar, error) {
	var bar models.Bar
	if len(row) < 9 {
		return bar, fmt.Errorf("malformed kline row: %d fields", len(row))
	}

	var openMs, closeMs, trades int64
	var o, h, l, c, v string
	fields := []struct {
		idx int
		dst interface{}
	}{
		{0, &openMs}, {1, &o}, {2, &h}, {3, &l}, {4, &c}, {5, &v}, {6, &closeMs}, {8, &trades},
	}
	for _, f := range fields {
		if err := json.Unmarshal(row[f.idx], f.dst); err != nil {
			return bar, fmt.Errorf("malformed kline field %d: %w", f.idx, err)
		}
	}

	parse := func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
	var err error
	if bar.Open, err = parse(o); err != nil {
		return bar, err
	}
	if bar.High, err = parse(h); err != nil {
		return bar, err
	}
	if bar.Low, err = parse(l); err != nil {
		return bar, err
	}
	if bar.Close, err = parse(c); err != nil {
		return bar, err
	}
	if bar.Volume, err = parse(v); err != nil {
		return bar, err
	}

	bar.Symbol = symbol
	bar.Interval = interval
	bar.OpenTime = time.UnixMilli(openMs).UTC()
	bar.CloseTime = models.ExpectedCloseTime(bar.OpenTime, interval)
	bar.TradeCount = trades
	return bar, nil
}
