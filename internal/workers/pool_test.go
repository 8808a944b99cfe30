package workers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteReturnsValue(t *testing.T) {
	p := NewPool(2)
	got, err := Execute(context.Background(), p, func() (int, error) {
		return 21 * 2, nil
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if got != 42 {
		t.Fatalf("Execute = %d, want 42", got)
	}
}

func TestExecutePropagatesError(t *testing.T) {
	p := NewPool(1)
	wantErr := errors.New("synthesis failed")
	_, err := Execute(context.Background(), p, func() (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Execute error = %v, want %v", err, wantErr)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	p := NewPool(1)
	_, err := Execute(context.Background(), p, func() (int, error) {
		panic("index out of range")
	})
	if err == nil {
		t.Fatal("Execute swallowed the panic")
	}
	if !strings.Contains(err.Error(), "index out of range") {
		t.Fatalf("panic message lost: %v", err)
	}

	// プールはその後も使える。
	got, err := Execute(context.Background(), p, func() (int, error) { return 1, nil })
	if err != nil || got != 1 {
		t.Fatalf("Execute after panic = %d, %v", got, err)
	}
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	const size = 3
	p := NewPool(size)

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < size*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Execute(context.Background(), p, func() (struct{}, error) {
				n := atomic.AddInt64(&active, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > size {
		t.Fatalf("peak concurrency = %d, want <= %d", got, size)
	}
}

func TestExecuteHonorsCancelWhileQueued(t *testing.T) {
	p := NewPool(1)
	release := make(chan struct{})
	go Execute(context.Background(), p, func() (struct{}, error) {
		<-release
		return struct{}{}, nil
	})

	// スロットが埋まるのを待つ。
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, p, func() (struct{}, error) { return struct{}{}, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute error = %v, want context.Canceled", err)
	}
	close(release)
}
