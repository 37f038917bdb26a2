package dedup

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 7, 31, 9, 0, 0, 0, time.UTC)
	g := NewMemoryGuard(time.Hour)
	g.now = func() time.Time { return now }

	steps := []struct {
		name    string
		advance time.Duration
		forget  bool
		want    bool
	}{
		{"first delivery", 0, false, true},
		{"redelivery", time.Minute, false, false},
		{"after ttl", time.Hour, false, true},
		{"after forget", 0, true, true},
	}
	for _, st := range steps {
		now = now.Add(st.advance)
		if st.forget {
			if err := g.Forget(ctx, "k"); err != nil {
				t.Fatalf("%s: forget: %v", st.name, err)
			}
		}
		got, err := g.FirstSeen(ctx, "k")
		if err != nil || got != st.want {
			t.Fatalf("%s: got %v %v, want %v", st.name, got, err, st.want)
		}
	}
}

func TestConnectAcceptsURLAndAddr(t *testing.T) {
	c, err := Connect(context.Background(), "redis://localhost:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if c.Options().Addr != "localhost:6380" || c.Options().DB != 2 {
		t.Fatalf("unexpected options: %+v", c.Options())
	}
	_ = c.Close()

	c, err = Connect(context.Background(), "cache:6379")
	if err != nil || c.Options().Addr != "cache:6379" {
		t.Fatalf("addr: %v", err)
	}
	_ = c.Close()

	if _, err := Connect(context.Background(), "redis://:bad:port/x"); err == nil {
		t.Fatalf("expected parse error")
	}
}
