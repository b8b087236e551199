package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("key-0"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("key-0"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("key-0"); err != nil {
			t.Fatalf("burst request %d: %v", i, err)
		}
	}
	if err := l.Allow("key-0"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// One token per second at 60/min.
	clock.advance(time.Second)
	if err := l.Allow("key-0"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
	if err := l.Allow("key-0"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestAllow_CallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	if err := l.Allow("key-0"); err != nil {
		t.Fatalf("key-0: %v", err)
	}
	if err := l.Allow("key-0"); err == nil {
		t.Fatal("key-0 should be limited")
	}
	if err := l.Allow("key-1"); err != nil {
		t.Fatalf("key-1 should have its own bucket: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("idle")
	_ = l.Allow("busy")
	_ = l.Allow("busy")

	clock.advance(time.Second)
	if n := l.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := l.callers["idle"]; ok {
		t.Error("idle bucket should have been pruned")
	}
	if _, ok := l.callers["busy"]; !ok {
		t.Error("busy bucket should remain")
	}
}
