package dedup

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alikalatearabi/opera-qc-elastic/internal/db"
	"github.com/alikalatearabi/opera-qc-elastic/internal/logger"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 2, 9, 10, 0, 0, 0, time.UTC)}
}

func quietLogger() *logger.Logger {
	return logger.NewWithOptions(logger.Options{Environment: "test", Level: "error", Output: io.Discard})
}

func newDBGate(t *testing.T, clock *fakeClock) *DBGate {
	t.Helper()
	gdb, err := db.Connect(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewDBGate(gdb, 5*time.Minute, quietLogger()).WithClock(clock.now)
}

// gateCases runs the same behavioural checks against every implementation.
func gateCases(t *testing.T, build func(*fakeClock) Gate) {
	ctx := context.Background()

	t.Run("second call within ttl is duplicate", func(t *testing.T) {
		clock := newClock()
		g := build(clock)
		if !g.ShouldProcess(ctx, "20250101-abcd-123") {
			t.Fatal("first call should proceed")
		}
		clock.advance(10 * time.Second)
		if g.ShouldProcess(ctx, "20250101-abcd-123") {
			t.Fatal("second call within ttl should be duplicate")
		}
	})

	t.Run("proceeds again after ttl", func(t *testing.T) {
		clock := newClock()
		g := build(clock)
		g.ShouldProcess(ctx, "f1")
		clock.advance(5*time.Minute + time.Second)
		if !g.ShouldProcess(ctx, "f1") {
			t.Fatal("call after ttl should proceed")
		}
	})

	t.Run("duplicate does not slide the window", func(t *testing.T) {
		clock := newClock()
		g := build(clock)
		g.ShouldProcess(ctx, "f1")
		clock.advance(4 * time.Minute)
		if g.ShouldProcess(ctx, "f1") {
			t.Fatal("expected duplicate at 4m")
		}
		clock.advance(2 * time.Minute)
		if !g.ShouldProcess(ctx, "f1") {
			t.Fatal("window slid: expected proceed at 6m after first sighting")
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		clock := newClock()
		g := build(clock)
		if !g.ShouldProcess(ctx, "a") || !g.ShouldProcess(ctx, "b") {
			t.Fatal("distinct keys should both proceed")
		}
	})
}

func TestMemoryGate(t *testing.T) {
	gateCases(t, func(c *fakeClock) Gate {
		return NewMemoryGate(5 * time.Minute).WithClock(c.now)
	})
}

func TestDBGate(t *testing.T) {
	gateCases(t, func(c *fakeClock) Gate {
		return newDBGate(t, c)
	})
}

func TestMemoryGate_PurgesExpired(t *testing.T) {
	clock := newClock()
	g := NewMemoryGate(time.Minute).WithClock(clock.now)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		g.ShouldProcess(ctx, k)
	}
	if g.size() != 3 {
		t.Fatalf("len = %d, want 3", g.size())
	}
	clock.advance(2 * time.Minute)
	g.ShouldProcess(ctx, "d")
	if g.size() != 1 {
		t.Errorf("len = %d after purge, want 1", g.size())
	}
}

func TestMemoryGate_DefaultTTL(t *testing.T) {
	if g := NewMemoryGate(0); g.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", g.ttl, DefaultTTL)
	}
}

func TestDBGate_FailsOpen(t *testing.T) {
	clock := newClock()
	g := newDBGate(t, clock)
	sqlDB, err := g.db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.Close()

	ctx := context.Background()
	if !g.ShouldProcess(ctx, "x") || !g.ShouldProcess(ctx, "x") {
		t.Error("closed store should fail open")
	}
}
