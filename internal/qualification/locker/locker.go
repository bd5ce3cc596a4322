// Package locker serializes work per contact id. Local hands the lock over
// in arrival order; Redis extends exclusion across replicas.
package locker

import (
	"context"
	"sync"
)

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker grants exclusive access per key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

type queue struct {
	held    bool
	waiters []chan struct{}
}

// Local is an in-process FIFO lock per key. Idle keys hold no memory.
type Local struct {
	mu     sync.Mutex
	queues map[string]*queue
}

func NewLocal() *Local {
	return &Local{queues: map[string]*queue{}}
}

// Lock blocks until key is free or ctx is done. Waiters are served in the
// order they called Lock.
func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	q, ok := l.queues[key]
	if !ok {
		q = &queue{}
		l.queues[key] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return l.unlocker(key), nil
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return l.unlocker(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range q.waiters {
			if w == turn {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		l.mu.Unlock()
		// the lock was handed to us while cancelling; pass it on
		l.release(key)
		return nil, ctx.Err()
	}
}

// Waiting reports how many callers are queued behind the holder of key.
func (l *Local) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[key]; ok {
		return len(q.waiters)
	}
	return 0
}

func (l *Local) unlocker(key string) Unlock {
	var once sync.Once
	return func() { once.Do(func() { l.release(key) }) }
}

func (l *Local) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// Layered takes the local lock first so same-process callers queue in FIFO
// order, then the distributed one.
type Layered struct {
	local  Locker
	remote Locker
}

func NewLayered(local, remote Locker) *Layered {
	return &Layered{local: local, remote: remote}
}

func (l *Layered) Lock(ctx context.Context, key string) (Unlock, error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	unlockRemote, err := l.remote.Lock(ctx, key)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockRemote()
			unlockLocal()
		})
	}, nil
}
