package pool

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoServer accepts every websocket upgrade and idles, just enough for a
// ConnPool to dial, ping, and hold spares against.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnPoolPreWarmsSpares(t *testing.T) {
	srv := echoServer(t)
	p := NewConnPool(wsURL(srv), 2, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	defer p.Stop()

	stats := p.Stats()
	if stats.Spares != 2 {
		t.Fatalf("Spares = %d, want 2 after Start pre-warms the pool", stats.Spares)
	}
	if stats.TotalConns != 2 {
		t.Fatalf("TotalConns = %d, want 2", stats.TotalConns)
	}
}

func TestConnPoolGetConsumesASpareAndSetsActive(t *testing.T) {
	srv := echoServer(t)
	p := NewConnPool(wsURL(srv), 2, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	conn, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conn == nil {
		t.Fatal("Get returned a nil connection")
	}

	stats := p.Stats()
	if !stats.HasActive {
		t.Fatal("HasActive = false, want true after Get")
	}
	if stats.Spares != 1 {
		t.Fatalf("Spares = %d, want 1 (one consumed as active)", stats.Spares)
	}
	if stats.Switchovers != 1 {
		t.Fatalf("Switchovers = %d, want 1", stats.Switchovers)
	}
}

func TestConnPoolGetReturnsSameActiveUntilMarkedUnhealthy(t *testing.T) {
	srv := echoServer(t)
	p := NewConnPool(wsURL(srv), 2, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	first, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Fatal("Get returned a different connection while the active one was still healthy")
	}

	p.MarkUnhealthy()
	if p.Stats().HasActive {
		t.Fatal("HasActive = true, want false immediately after MarkUnhealthy")
	}

	third, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("Get after MarkUnhealthy: %v", err)
	}
	if third == first {
		t.Fatal("Get returned the same connection after MarkUnhealthy, want an instant switchover to a new one")
	}
	if p.Stats().Switchovers != 2 {
		t.Fatalf("Switchovers = %d, want 2 (one per Get that consumed a spare)", p.Stats().Switchovers)
	}
}

func TestConnPoolGetDialsFreshWhenSparesExhausted(t *testing.T) {
	srv := echoServer(t)
	p := NewConnPool(wsURL(srv), 1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Get(ctx)       // consumes the only spare
	p.MarkUnhealthy() // spares empty, no active

	if _, err := p.Get(ctx); err != nil {
		t.Fatalf("Get with an exhausted pool should dial fresh, got error: %v", err)
	}
	if got := p.Stats().TotalConns; got < 2 {
		t.Fatalf("TotalConns = %d, want at least 2 (1 pre-warmed + 1 fresh dial)", got)
	}
}

func TestConnPoolDialFailureIsCounted(t *testing.T) {
	p := NewConnPool("ws://127.0.0.1:1/unreachable", 1, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := p.dial(ctx); err == nil {
		t.Fatal("dial against an unreachable address = nil error, want one")
	}
	if p.Stats().FailedConns != 1 {
		t.Fatalf("FailedConns = %d, want 1", p.Stats().FailedConns)
	}
}
