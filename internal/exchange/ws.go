package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
)

// BarUpdate is one kline event from the stream. Closed marks the final
// update of a bucket.
type BarUpdate struct {
	Bar    models.Bar
	Closed bool
}

// UpdateHandler consumes stream events.
type UpdateHandler func(BarUpdate)

// StreamConfig configures the kline websocket client.
type StreamConfig struct {
	BaseURL          string
	Symbol           string
	Interval         string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	MaxBackoff       time.Duration
}

// DefaultStreamConfig returns production stream settings.
func DefaultStreamConfig(symbol, interval string) StreamConfig {
	return StreamConfig{
		BaseURL:          "wss://stream.binance.com:9443",
		Symbol:           symbol,
		Interval:         interval,
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      90 * time.Second,
		MaxBackoff:       60 * time.Second,
	}
}

// StreamClient maintains the kline websocket with exponential reconnect.
// Disconnections surface through OnReconnect so the ingestor can run its
// delta-first catch-up before trusting the stream again.
type StreamClient struct {
	config  StreamConfig
	handler UpdateHandler

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	onReconnect func()
}

// NewStreamClient creates a stream client delivering events to handler.
func NewStreamClient(config StreamConfig, handler UpdateHandler) *StreamClient {
	return &StreamClient{config: config, handler: handler, onReconnect: func() {}}
}

// OnReconnect registers the catch-up hook fired after every reconnect.
func (s *StreamClient) OnReconnect(fn func()) {
	if fn != nil {
		s.onReconnect = fn
	}
}

// Reconnect backoff: 1.5s base doubling to MaxBackoff, with a small random
// jitter so a fleet of clients does not reconnect in lockstep.
const (
	backoffBase      = 1500 * time.Millisecond
	backoffJitterMax = 250 * time.Millisecond
)

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if max > 0 && next > max {
		next = max
	}
	return next
}

// Run connects and pumps events until ctx is canceled, reconnecting with
// jittered exponential backoff on any failure.
func (s *StreamClient) Run(ctx context.Context) {
	backoff := backoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.connectAndPump(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoffJitterMax)))
		log.Warn().Err(err).Dur("backoff", wait).Msg("Kline stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = nextBackoff(backoff, s.config.MaxBackoff)
	}
}

func (s *StreamClient) connectAndPump(ctx context.Context) error {
	streamURL := fmt.Sprintf("%s/ws/%s@kline_%s",
		s.config.BaseURL, strings.ToLower(s.config.Symbol), s.config.Interval)

	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("stream dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	defer func() {
		conn.Close()
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	log.Info().Str("url", streamURL).Msg("Kline stream connected")
	// Every (re)connection runs catch-up: the process may have missed
	// bucket boundaries while disconnected or before first start.
	s.onReconnect()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	go s.pingLoop(ctx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream read failed: %w", err)
		}
		update, ok, err := parseKlineEvent(data, s.config.Symbol, s.config.Interval)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed stream event")
			continue
		}
		if ok {
			s.handler(update)
		}
	}
}

func (s *StreamClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Connected reports the stream state.
func (s *StreamClient) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime   int64  `json:"t"`
		CloseTime  int64  `json:"T"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
		Final      bool   `json:"x"`
	} `json:"k"`
}

func parseKlineEvent(data []byte, symbol, interval string) (BarUpdate, bool, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return BarUpdate{}, false, fmt.Errorf("failed to decode stream event: %w", err)
	}
	if ev.EventType != "kline" {
		return BarUpdate{}, false, nil
	}

	parse := func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
	bar := models.Bar{
		Symbol:     symbol,
		Interval:   interval,
		OpenTime:   time.UnixMilli(ev.Kline.OpenTime).UTC(),
		TradeCount: ev.Kline.TradeCount,
		IsClosed:   ev.Kline.Final,
	}
	bar.CloseTime = models.ExpectedCloseTime(bar.OpenTime, interval)

	var err error
	if bar.Open, err = parse(ev.Kline.Open); err != nil {
		return BarUpdate{}, false, err
	}
	if bar.High, err = parse(ev.Kline.High); err != nil {
		return BarUpdate{}, false, err
	}
	if bar.Low, err = parse(ev.Kline.Low); err != nil {
		return BarUpdate{}, false, err
	}
	if bar.Close, err = parse(ev.Kline.Close); err != nil {
		return BarUpdate{}, false, err
	}
	if bar.Volume, err = parse(ev.Kline.Volume); err != nil {
		return BarUpdate{}, false, err
	}

	return BarUpdate{Bar: bar, Closed: ev.Kline.Final}, true, nil
}
