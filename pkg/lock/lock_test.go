package lock

import (
	"context"
	"testing"
	"time"

	"github.com/amirimatin/consul-cluster/pkg/kv"
)

func TestTryLockAcquiresAndRelease(t *testing.T) {
	gw := kv.NewFake()
	m := New(gw, Options{Name: "compactor", NodeID: "n1", CheckID: "check:n1"})

	ok, err := m.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	if err := m.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Double-release is a no-op.
	if err := m.Release(context.Background()); err != nil {
		t.Fatalf("expected idempotent release, got %v", err)
	}
}

func TestTryLockContentionTimesOut(t *testing.T) {
	gw := kv.NewFake()
	holder := New(gw, Options{Name: "compactor", NodeID: "n1", CheckID: "check:n1"})
	challenger := New(gw, Options{Name: "compactor", NodeID: "n2", CheckID: "check:n2"})

	ok, err := holder.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("holder TryLock: ok=%v err=%v", ok, err)
	}
	defer holder.Release(context.Background())

	ok, err = challenger.TryLock(context.Background(), 150*time.Millisecond)
	if ok {
		t.Fatal("expected challenger to fail to acquire a held lock")
	}
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReleaseLetsAnotherAcquire(t *testing.T) {
	gw := kv.NewFake()
	holder := New(gw, Options{Name: "compactor", NodeID: "n1", CheckID: "check:n1"})
	challenger := New(gw, Options{Name: "compactor", NodeID: "n2", CheckID: "check:n2"})

	ok, err := holder.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("holder TryLock: ok=%v err=%v", ok, err)
	}
	if err := holder.Release(context.Background()); err != nil {
		t.Fatal(err)
	}

	ok, err = challenger.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("challenger should acquire after release: ok=%v err=%v", ok, err)
	}
	_ = challenger.Release(context.Background())
}

// selfInvalidatingGateway destroys every session the instant it creates it,
// so a Manager using it always hits the invalid-session branch on acquire.
type selfInvalidatingGateway struct{ *kv.Fake }

func (g selfInvalidatingGateway) CreateSession(ctx context.Context, opts kv.SessionOptions) (string, error) {
	id, err := g.Fake.CreateSession(ctx, opts)
	if err != nil {
		return "", err
	}
	if err := g.Fake.DestroySession(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func TestTryLockInvokesOnSessionInvalidatedWhenOwnSessionRejected(t *testing.T) {
	gw := selfInvalidatingGateway{kv.NewFake()}
	var invalidated string
	m := New(gw, Options{
		Name:                 "compactor",
		NodeID:               "n1",
		CheckID:              "check:n1",
		OnSessionInvalidated: func(sessionID string) { invalidated = sessionID },
	})

	ok, err := m.TryLock(context.Background(), time.Second)
	if ok {
		t.Fatal("expected acquire against an already-invalidated session to fail")
	}
	if err == nil {
		t.Fatal("expected an error")
	}
	if invalidated == "" {
		t.Fatal("expected OnSessionInvalidated to fire")
	}
}

func TestTryLockZeroTimeoutUsesDefaultTimeout(t *testing.T) {
	gw := kv.NewFake()
	holder := New(gw, Options{Name: "compactor", NodeID: "n1", CheckID: "check:n1"})
	challenger := New(gw, Options{Name: "compactor", NodeID: "n2", CheckID: "check:n2", DefaultTimeout: 150 * time.Millisecond})

	ok, err := holder.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("holder TryLock: ok=%v err=%v", ok, err)
	}
	defer holder.Release(context.Background())

	start := time.Now()
	ok, err = challenger.TryLock(context.Background(), 0)
	if ok || err != ErrTimeout {
		t.Fatalf("expected ErrTimeout honoring DefaultTimeout, got ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected the 150ms DefaultTimeout to apply, took %v", elapsed)
	}
}

func TestCrashReleaseBySessionInvalidation(t *testing.T) {
	gw := kv.NewFake()
	holder := New(gw, Options{Name: "compactor", NodeID: "n1", CheckID: "check:n1"})
	challenger := New(gw, Options{Name: "compactor", NodeID: "n2", CheckID: "check:n2"})

	if ok, err := holder.TryLock(context.Background(), time.Second); err != nil || !ok {
		t.Fatalf("holder TryLock: ok=%v err=%v", ok, err)
	}

	// Simulate the holder's node dying without a clean Release: the store
	// invalidates its session out from under it, as a failed health check would.
	holder.mu.Lock()
	sess := holder.session
	holder.mu.Unlock()
	if err := gw.InvalidateSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	ok, err := challenger.TryLock(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("expected challenger to acquire after crash invalidation: ok=%v err=%v", ok, err)
	}
	_ = challenger.Release(context.Background())
}
