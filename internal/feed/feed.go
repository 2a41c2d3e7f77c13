// Package feed implements one spot price adapter per venue (Binance,
// Coinbase, Kraken): a gorilla/websocket connection with typed trade
// dispatch, a ping loop, liveness-deadline detection, and a pre-warmed
// connection pool for instant reconnect switchover. Grounded directly on the
// teacher's exchange/ws.go WSFeed, retargeted from order-book/user channels
// to a single public trade stream per venue and widened to drive the shared
// PriceBuffer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbsignal/internal/buffer"
	"arbsignal/internal/engine/pool"
	"arbsignal/pkg/types"
)

const (
	pingInterval     = 20 * time.Second
	staleThreshold   = 60 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// ConnState is the adapter's connection lifecycle position.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReceiving    ConnState = "receiving"
	StateIdle         ConnState = "idle"
	StateClosing      ConnState = "closing"
)

// ParseFunc decodes a venue's raw websocket payload into a Tick. Returning
// an error or a false ok means the message carried no trade and is skipped.
type ParseFunc func(raw []byte, venue, symbol string) (tick types.Tick, ok bool, err error)

// Callback is invoked synchronously, in registration order, for every tick.
type Callback func(types.Tick)

// Feed manages one venue's websocket connection and maintains a PriceBuffer
// of every trade it receives.
type Feed struct {
	venue  string
	symbol string
	url    string
	parse  ParseFunc
	logger *slog.Logger

	buf  *buffer.PriceBuffer
	pool *pool.ConnPool

	connMu sync.Mutex
	conn   *websocket.Conn
	state  ConnState

	callbacksMu sync.Mutex
	callbacks   []Callback

	statsMu     sync.Mutex
	lastTick    types.Tick
	lastRecvAt  time.Time
	parseErrors int
	panics      int
}

// New creates a venue adapter. url is the websocket endpoint; parse decodes
// that venue's wire format into types.Tick.
func New(venue, symbol, url string, parse ParseFunc, logger *slog.Logger) *Feed {
	l := logger.With("component", "feed", "venue", venue)
	return &Feed{
		venue:  venue,
		symbol: symbol,
		url:    url,
		parse:  parse,
		logger: l,
		buf:    buffer.New(),
		pool:   pool.NewConnPool(url, 2, l),
		state:  StateDisconnected,
	}
}

// AddCallback registers fn to run on every tick, in registration order.
// Panics inside fn are recovered and counted, never propagated.
func (f *Feed) AddCallback(fn Callback) {
	f.callbacksMu.Lock()
	defer f.callbacksMu.Unlock()
	f.callbacks = append(f.callbacks, fn)
}

// Buffer returns the adapter's underlying price history.
func (f *Feed) Buffer() *buffer.PriceBuffer { return f.buf }

// Health reports whether the feed has received a tick within staleThreshold.
func (f *Feed) Health() bool {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	if f.lastRecvAt.IsZero() {
		return false
	}
	return time.Since(f.lastRecvAt) < staleThreshold
}

// Metrics materializes a types.ExchangeMetrics snapshot from the current
// PriceBuffer contents.
func (f *Feed) Metrics() types.ExchangeMetrics {
	f.statsMu.Lock()
	last := f.lastTick
	f.statsMu.Unlock()

	return types.ExchangeMetrics{
		Venue:         f.venue,
		Price:         last.Price,
		VenueTSMs:     last.VenueTSMs,
		LocalTSMs:     last.LocalTSMs,
		Move30s:       f.buf.MovePct(30 * time.Second),
		Velocity30s:   f.buf.Velocity(30 * time.Second),
		Volatility30s: f.buf.Volatility(30 * time.Second),
		Volume1m:      f.buf.VolumeSum(time.Minute),
		Volume5mAvg:   f.buf.VolumeAvg(5 * time.Minute),
		ATR5m:         f.buf.ATR(5*time.Minute, time.Minute),
		MaxMove10s:    f.buf.MaxMoveInSubwindow(5*time.Minute, 10*time.Second),
	}
}

func (f *Feed) setState(s ConnState) {
	f.connMu.Lock()
	f.state = s
	f.connMu.Unlock()
}

// State reports the current connection lifecycle position.
func (f *Feed) State() ConnState {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.state
}

// Start connects and maintains the connection with auto-reconnect, blocking
// until ctx is cancelled. The underlying connection pool is pre-warmed once
// up front so the first and every subsequent connectAndRead attempt can
// switch over to a spare instantly instead of paying dial latency.
func (f *Feed) Start(ctx context.Context) error {
	f.pool.Start(ctx)
	defer f.pool.Stop()

	backoff := time.Second

	for {
		f.setState(StateConnecting)
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.setState(StateDisconnected)
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)
		f.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Stop closes the active connection, if any, and tears down the connection
// pool behind it.
func (f *Feed) Stop() error {
	f.setState(StateClosing)
	f.pool.MarkUnhealthy()
	f.pool.Stop()
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.conn = nil
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, err := f.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("get pooled connection: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.setState(StateConnected)

	defer func() {
		f.pool.MarkUnhealthy()
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(staleThreshold))
		f.setState(StateReceiving)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.setState(StateIdle)
		f.handleMessage(msg)
	}
}

func (f *Feed) handleMessage(raw []byte) {
	tick, ok, err := f.parse(raw, f.venue, f.symbol)
	if err != nil {
		f.statsMu.Lock()
		f.parseErrors++
		f.statsMu.Unlock()
		f.logger.Debug("parse error", "error", err)
		return
	}
	if !ok {
		return
	}

	f.buf.Add(tick.Price, tick.VenueTSMs, tick.Size)

	f.statsMu.Lock()
	f.lastTick = tick
	f.lastRecvAt = time.Now()
	f.statsMu.Unlock()

	f.dispatch(tick)
}

func (f *Feed) dispatch(tick types.Tick) {
	f.callbacksMu.Lock()
	callbacks := f.callbacks
	f.callbacksMu.Unlock()

	for _, cb := range callbacks {
		f.invokeSafely(cb, tick)
	}
}

func (f *Feed) invokeSafely(cb Callback, tick types.Tick) {
	defer func() {
		if r := recover(); r != nil {
			f.statsMu.Lock()
			f.panics++
			f.statsMu.Unlock()
			f.logger.Error("feed callback panicked", "recovered", r)
		}
	}()
	cb(tick)
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				f.pool.MarkUnhealthy()
				return
			}
		}
	}
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// ParseBinanceTrade decodes a Binance aggTrade stream message.
func ParseBinanceTrade(raw []byte, venue, symbol string) (types.Tick, bool, error) {
	var msg struct {
		EventType string `json:"e"`
		TradeTime int64  `json:"T"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.Tick{}, false, err
	}
	if msg.EventType != "aggTrade" {
		return types.Tick{}, false, nil
	}
	price, qty, err := parseFloatPair(msg.Price, msg.Qty)
	if err != nil {
		return types.Tick{}, false, err
	}
	return types.Tick{
		Venue:     venue,
		Symbol:    symbol,
		Price:     price,
		Size:      qty,
		VenueTSMs: msg.TradeTime,
		LocalTSMs: time.Now().UnixMilli(),
	}, true, nil
}

// ParseCoinbaseTrade decodes a Coinbase "match" channel message.
func ParseCoinbaseTrade(raw []byte, venue, symbol string) (types.Tick, bool, error) {
	var msg struct {
		Type  string `json:"type"`
		Time  string `json:"time"`
		Price string `json:"price"`
		Size  string `json:"size"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.Tick{}, false, err
	}
	if msg.Type != "match" && msg.Type != "last_match" {
		return types.Tick{}, false, nil
	}
	price, size, err := parseFloatPair(msg.Price, msg.Size)
	if err != nil {
		return types.Tick{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		ts = time.Now()
	}
	return types.Tick{
		Venue:     venue,
		Symbol:    symbol,
		Price:     price,
		Size:      size,
		VenueTSMs: ts.UnixMilli(),
		LocalTSMs: time.Now().UnixMilli(),
	}, true, nil
}

// ParseKrakenTrade decodes a Kraken v2 "trade" channel message, which
// batches one or more trades per payload.
func ParseKrakenTrade(raw []byte, venue, symbol string) (types.Tick, bool, error) {
	var msg struct {
		Channel string `json:"channel"`
		Data    []struct {
			Price     float64 `json:"price"`
			Qty       float64 `json:"qty"`
			Timestamp string  `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.Tick{}, false, err
	}
	if msg.Channel != "trade" || len(msg.Data) == 0 {
		return types.Tick{}, false, nil
	}
	last := msg.Data[len(msg.Data)-1]
	ts, err := time.Parse(time.RFC3339Nano, last.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	return types.Tick{
		Venue:     venue,
		Symbol:    symbol,
		Price:     last.Price,
		Size:      last.Qty,
		VenueTSMs: ts.UnixMilli(),
		LocalTSMs: time.Now().UnixMilli(),
	}, true, nil
}

func parseFloatPair(a, b string) (float64, float64, error) {
	x, err := parseFloat(a)
	if err != nil {
		return 0, 0, err
	}
	y, err := parseFloat(b)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}
