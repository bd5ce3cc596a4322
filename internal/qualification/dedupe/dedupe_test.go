package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryWindow(t *testing.T) {
	m := NewMemory(time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.FirstSeen(ctx, "msg-1"); !ok {
		t.Fatalf("expected first delivery to pass")
	}
	if ok, _ := m.FirstSeen(ctx, "msg-1"); ok {
		t.Fatalf("expected duplicate to be caught")
	}
	if ok, _ := m.FirstSeen(ctx, "msg-2"); !ok {
		t.Fatalf("expected other id to pass")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := m.FirstSeen(ctx, "msg-1"); !ok {
		t.Fatalf("expected id to be forgotten after the window")
	}
	if _, ok := m.seen["msg-2"]; ok {
		t.Fatalf("expected expired ids to be swept")
	}
}

func TestRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedis(client, "test:inbound", time.Minute)
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "msg-1")
	if err != nil || !first {
		t.Fatalf("expected first delivery to pass, got %v %v", first, err)
	}
	if again, _ := d.FirstSeen(ctx, "msg-1"); again {
		t.Fatalf("expected duplicate to be caught")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := d.FirstSeen(ctx, "msg-1"); !ok {
		t.Fatalf("expected id to expire")
	}
}

func TestForgetReleasesID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cases := []struct {
		name string
		d    Deduper
	}{
		{"memory", NewMemory(time.Minute)},
		{"redis", NewRedis(client, "test:forget", time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if ok, err := tc.d.FirstSeen(ctx, "msg-1"); err != nil || !ok {
				t.Fatalf("expected first delivery to pass, got %v %v", ok, err)
			}
			if err := tc.d.Forget(ctx, "msg-1"); err != nil {
				t.Fatalf("forget: %v", err)
			}
			if ok, _ := tc.d.FirstSeen(ctx, "msg-1"); !ok {
				t.Fatalf("expected a forgotten id to pass again")
			}
			if err := tc.d.Forget(ctx, "never-seen"); err != nil {
				t.Fatalf("forget unknown id: %v", err)
			}
		})
	}
}
