package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/amirimatin/consul-cluster/pkg/kv"
)

func TestGetDefaultsToZero(t *testing.T) {
	gw := kv.NewFake()
	c := New(gw, "widgets")

	v, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}

func TestIncrementAndDecrement(t *testing.T) {
	gw := kv.NewFake()
	c := New(gw, "widgets")

	v, err := c.IncrementAndGet(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	v, err = c.IncrementAndGet(context.Background())
	if err != nil || v != 2 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	v, err = c.DecrementAndGet(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

func TestAddAndGetAccumulates(t *testing.T) {
	gw := kv.NewFake()
	c := New(gw, "widgets")

	v, err := c.AddAndGet(context.Background(), 5)
	if err != nil || v != 5 {
		t.Fatalf("v=%d err=%v", v, err)
	}
	v, err = c.AddAndGet(context.Background(), -2)
	if err != nil || v != 3 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

func TestConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	gw := kv.NewFake()
	c := New(gw, "widgets")

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.IncrementAndGet(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	v, err := c.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != n {
		t.Fatalf("expected %d after %d concurrent increments, got %d", n, n, v)
	}
}

func TestSeparateNamesAreIndependent(t *testing.T) {
	gw := kv.NewFake()
	a := New(gw, "a")
	b := New(gw, "b")

	if _, err := a.IncrementAndGet(context.Background()); err != nil {
		t.Fatal(err)
	}
	v, err := b.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected counter b unaffected, got %d", v)
	}
}
