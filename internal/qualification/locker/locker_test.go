package locker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLocalServesWaitersInArrivalOrder(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := l.Lock(ctx, "a")
			if err != nil {
				t.Errorf("lock %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}(i)
		// enqueue one at a time so arrival order is known
		waitFor(t, func() bool { return l.Waiting("a") == i+1 })
	}

	unlock()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
	if l.Waiting("a") != 0 || len(l.queues) != 0 {
		t.Fatalf("expected idle key to be dropped")
	}
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	unlockA, _ := l.Lock(ctx, "a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "b")
		if err == nil {
			u()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected lock on b not to wait for a")
	}
}

func TestLocalCancelledWaiterLeavesQueue(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "a")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Lock(ctx, "a")
		errCh <- err
	}()
	waitFor(t, func() bool { return l.Waiting("a") == 1 })
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	unlock()

	u, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("expected lock to be free, got %v", err)
	}
	u()
	u()
}

func TestLocalMutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	inside := 0
	maxInside := 0
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := l.Lock(ctx, "k")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			inside--
			mu.Unlock()
			u()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
}

func TestRedisLockExcludesAndReleases(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedis(client, "test:lock", time.Minute)
	unlock, err := r.Lock(context.Background(), "+5511961234567")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(ctx, "+5511961234567"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to time out, got %v", err)
	}

	unlock()
	if mr.Exists("test:lock:+5511961234567") {
		t.Fatalf("expected lock key removed on unlock")
	}

	u, err := r.Lock(context.Background(), "+5511961234567")
	if err != nil {
		t.Fatalf("expected lock free after release, got %v", err)
	}
	u()
}

func TestRedisUnlockKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedis(client, "test:lock", time.Second)
	unlock, _ := r.Lock(context.Background(), "k")

	// lock expired and another replica took it
	mr.FastForward(2 * time.Second)
	if err := mr.Set("test:lock:k", "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()

	if v, _ := mr.Get("test:lock:k"); v != "someone-else" {
		t.Fatalf("expected foreign lock untouched, got %q", v)
	}
}

func TestLayered(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewLayered(NewLocal(), NewRedis(client, "test:lock", time.Minute))
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("test:lock:k") {
		t.Fatalf("expected distributed lock to be held")
	}
	unlock()
	if mr.Exists("test:lock:k") {
		t.Fatalf("expected distributed lock to be released")
	}
}
