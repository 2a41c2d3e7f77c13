package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPoolSize    = 2
	defaultPingEvery   = 15 * time.Second
	defaultMaxConnAge  = 5 * time.Minute
	defaultDialTimeout = 10 * time.Second
)

// pooledConn is one pre-warmed websocket connection and the time it was
// dialed, used to age it out of the spare set.
type pooledConn struct {
	conn      *websocket.Conn
	createdAt time.Time
}

// ConnPool maintains a set of pre-warmed websocket connections to one URL so
// a caller can switch over to a spare instantly instead of paying a fresh
// dial's latency on every reconnect. Grounded on
// original_source/src/utils/connection_pool.py's ConnectionPool: same
// pool-size/ping-interval/max-age defaults, same get/mark-unhealthy contract.
type ConnPool struct {
	url         string
	size        int
	pingEvery   time.Duration
	maxConnAge  time.Duration
	dialTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	spares []*pooledConn
	active *pooledConn

	totalConns  int
	failedConns int
	switchovers int
}

// NewConnPool creates a pool targeting url. size of 0 defaults to 2 warm
// spares.
func NewConnPool(url string, size int, logger *slog.Logger) *ConnPool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &ConnPool{
		url:         url,
		size:        size,
		pingEvery:   defaultPingEvery,
		maxConnAge:  defaultMaxConnAge,
		dialTimeout: defaultDialTimeout,
		logger:      logger.With("component", "conn_pool", "url", url),
	}
}

// Start pre-warms the pool and launches the background maintenance loop
// (ping, refill, age-based refresh). Blocks only long enough to attempt the
// initial fill; maintenance runs until ctx is cancelled.
func (p *ConnPool) Start(ctx context.Context) {
	p.fill(ctx)
	go p.maintain(ctx)
}

// Stop closes every spare and the active connection.
func (p *ConnPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.spares {
		c.conn.Close()
	}
	p.spares = nil
	if p.active != nil {
		p.active.conn.Close()
		p.active = nil
	}
}

func (p *ConnPool) dial(ctx context.Context) (*pooledConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, p.url, nil)
	p.mu.Lock()
	if err != nil {
		p.failedConns++
		p.mu.Unlock()
		return nil, fmt.Errorf("dial: %w", err)
	}
	p.totalConns++
	p.mu.Unlock()

	return &pooledConn{conn: conn, createdAt: time.Now()}, nil
}

func (p *ConnPool) fill(ctx context.Context) {
	p.mu.Lock()
	need := p.size - len(p.spares)
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		c, err := p.dial(ctx)
		if err != nil {
			p.logger.Warn("failed to pre-warm spare connection", "error", err)
			continue
		}
		p.mu.Lock()
		p.spares = append(p.spares, c)
		p.mu.Unlock()
	}
}

func (p *ConnPool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pingSpares()
			p.refreshOld()
			p.fill(ctx)
		}
	}
}

// pingSpares keeps every idle spare alive and drops any that no longer
// respond, so a later Get never hands out a connection the remote end has
// already closed.
func (p *ConnPool) pingSpares() {
	p.mu.Lock()
	spares := p.spares
	p.spares = nil
	p.mu.Unlock()

	alive := make([]*pooledConn, 0, len(spares))
	for _, c := range spares {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			c.conn.Close()
			continue
		}
		alive = append(alive, c)
	}

	p.mu.Lock()
	p.spares = append(p.spares, alive...)
	p.mu.Unlock()
}

// refreshOld discards any spare older than maxConnAge so the pool never
// hands out a connection the far side is likely to drop on its own schedule.
func (p *ConnPool) refreshOld() {
	p.mu.Lock()
	spares := p.spares
	p.spares = nil
	p.mu.Unlock()

	fresh := make([]*pooledConn, 0, len(spares))
	for _, c := range spares {
		if time.Since(c.createdAt) > p.maxConnAge {
			c.conn.Close()
			continue
		}
		fresh = append(fresh, c)
	}

	p.mu.Lock()
	p.spares = append(p.spares, fresh...)
	p.mu.Unlock()
}

// Get returns the current active connection, or switches over to a
// pre-warmed spare instantly if there is no active one, falling back to a
// fresh dial only when the pool is empty.
func (p *ConnPool) Get(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	if p.active != nil {
		conn := p.active.conn
		p.mu.Unlock()
		return conn, nil
	}
	var spare *pooledConn
	if len(p.spares) > 0 {
		spare = p.spares[0]
		p.spares = p.spares[1:]
	}
	p.mu.Unlock()

	if spare != nil {
		p.mu.Lock()
		p.active = spare
		p.switchovers++
		p.mu.Unlock()
		p.logger.Info("instant switchover to pooled connection")
		return spare.conn, nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.active = c
	p.mu.Unlock()
	return c.conn, nil
}

// MarkUnhealthy closes and discards the active connection, so the next Get
// switches over to a spare (or dials fresh) instead of reusing a dead
// socket.
func (p *ConnPool) MarkUnhealthy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.conn.Close()
		p.active = nil
	}
}

// ConnPoolStats summarizes the pool's current state for health reporting.
type ConnPoolStats struct {
	Spares      int
	HasActive   bool
	TotalConns  int
	FailedConns int
	Switchovers int
}

// Stats returns a snapshot of the pool's current bookkeeping.
func (p *ConnPool) Stats() ConnPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnPoolStats{
		Spares:      len(p.spares),
		HasActive:   p.active != nil,
		TotalConns:  p.totalConns,
		FailedConns: p.failedConns,
		Switchovers: p.switchovers,
	}
}
