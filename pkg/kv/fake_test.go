package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFakePutGetList(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	ok, err := f.Put(ctx, "a/1", []byte("v1"), PutOptions{})
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	p, err := f.Get(ctx, "a/1")
	if err != nil || p == nil || string(p.Value) != "v1" {
		t.Fatalf("get: %+v err=%v", p, err)
	}

	if _, err := f.Put(ctx, "a/2", []byte("v2"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	pairs, err := f.List(ctx, "a/")
	if err != nil || len(pairs) != 2 {
		t.Fatalf("list: %+v err=%v", pairs, err)
	}
}

func TestFakeDelete(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	_, _ = f.Put(ctx, "k", []byte("v"), PutOptions{})
	if err := f.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	p, err := f.Get(ctx, "k")
	if err != nil || p != nil {
		t.Fatalf("expected deleted key absent, got %+v", p)
	}
}

func TestFakeCAS(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	if _, err := f.Put(ctx, "k", []byte("v1"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	p, _ := f.Get(ctx, "k")

	ok, err := f.Put(ctx, "k", []byte("v2"), PutOptions{UseCAS: true, CASIndex: p.ModifyIndex})
	if err != nil || !ok {
		t.Fatalf("expected CAS success, got ok=%v err=%v", ok, err)
	}

	ok, err = f.Put(ctx, "k", []byte("v3"), PutOptions{UseCAS: true, CASIndex: p.ModifyIndex})
	if err != nil || ok {
		t.Fatalf("expected stale CAS to fail, got ok=%v err=%v", ok, err)
	}
}

func TestFakeSessionBoundDeleteOnInvalidate(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	sess, err := f.CreateSession(ctx, SessionOptions{Name: "s", Behavior: "delete"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.Put(ctx, "lock/x", []byte("holder"), PutOptions{AcquireSession: sess})
	if err != nil || !ok {
		t.Fatalf("acquire put failed: ok=%v err=%v", ok, err)
	}

	other, err := f.CreateSession(ctx, SessionOptions{Name: "other"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err = f.Put(ctx, "lock/x", []byte("other"), PutOptions{AcquireSession: other})
	if err != nil || ok {
		t.Fatalf("expected contention on held key, got ok=%v err=%v", ok, err)
	}

	if err := f.InvalidateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	p, err := f.Get(ctx, "lock/x")
	if err != nil || p != nil {
		t.Fatalf("expected key deleted on session invalidation, got %+v", p)
	}

	ok, err = f.Put(ctx, "lock/x", []byte("other"), PutOptions{AcquireSession: other})
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed once prior session is gone, got ok=%v err=%v", ok, err)
	}
}

func TestFakePutWithUnknownSessionReturnsErrInvalidSession(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	ok, err := f.Put(ctx, "lock/x", []byte("holder"), PutOptions{AcquireSession: "never-created"})
	if ok {
		t.Fatal("expected acquire against an unrecognized session to fail")
	}
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestFakeWatchPrefixDelivers(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	var mu sync.Mutex
	var lastNext map[string][]byte
	done := make(chan struct{}, 1)

	cancel, err := f.WatchPrefix(ctx, "w/", func(prev, next map[string][]byte) {
		mu.Lock()
		lastNext = next
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if _, err := f.Put(ctx, "w/a", []byte("1"), PutOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(lastNext["w/a"]) != "1" {
		t.Fatalf("unexpected watch snapshot: %+v", lastNext)
	}
}

func TestFakeWatchTagDelivers(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	done := make(chan map[string]struct{}, 1)
	cancel, err := f.WatchTag(ctx, "clustering", func(prev, next map[string]struct{}) {
		done <- next
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := f.RegisterService(ctx, ServiceOptions{ID: "n1", Name: "n1", Tags: []string{"clustering"}}); err != nil {
		t.Fatal(err)
	}

	select {
	case next := <-done:
		if _, ok := next["n1"]; !ok {
			t.Fatalf("expected n1 in tag watch snapshot: %+v", next)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tag watch delivery")
	}
}

func TestFakeServicesByTag(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	_ = f.RegisterService(ctx, ServiceOptions{ID: "n1", Tags: []string{"x"}})
	_ = f.RegisterService(ctx, ServiceOptions{ID: "n2", Tags: []string{"y"}})

	ids, err := f.ServicesByTag(ctx, "x")
	if err != nil || len(ids) != 1 || ids[0] != "n1" {
		t.Fatalf("unexpected ids: %+v err=%v", ids, err)
	}
}
