package cluster

import (
	"testing"
	"time"
)

func TestPeerLimiterPerPeerBuckets(t *testing.T) {
	l := newPeerLimiter(20, 2)

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected burst of two to pass")
	}
	if l.Allow("a") {
		t.Fatalf("expected third allow to be rate-limited")
	}
	if !l.Allow("b") {
		t.Fatalf("peers must not share a bucket")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatalf("expected allow after refill")
	}

	l.forget(func(p string) bool { return p == "b" })
	if _, ok := l.peers["a"]; ok {
		t.Fatalf("forgotten peer kept its bucket")
	}
}

func TestPeerLimiterDisabled(t *testing.T) {
	l := newPeerLimiter(0, 0)
	if l != nil {
		t.Fatalf("expected nil limiter")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatalf("nil limiter limited")
		}
	}
	l.forget(func(string) bool { return false })
}
