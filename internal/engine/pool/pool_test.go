package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddRestartsFailingTask(t *testing.T) {
	p := New(testLogger(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	p.Add(ctx, "flaky", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	p.Wait()

	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("calls = %d, want at least 3 restarts", calls)
	}
}

func TestHealthyFalseWhileTaskRestarting(t *testing.T) {
	p := New(testLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	p.Add(ctx, "once", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return errors.New("fails immediately")
	})
	<-started
	time.Sleep(20 * time.Millisecond)

	if p.Healthy() {
		t.Fatal("Healthy = true, want false while the task is in backoff")
	}
	cancel()
	p.Wait()
}

func TestTaskStopsOnContextCancel(t *testing.T) {
	p := New(testLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	p.Add(ctx, "blocking", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cancel()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return within 1s of context cancellation")
	}

	statuses := p.Statuses()
	if len(statuses) != 1 || statuses[0].Running {
		t.Fatalf("Statuses = %+v, want one task, not running", statuses)
	}
}
