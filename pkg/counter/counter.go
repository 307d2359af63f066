// Package counter is a distributed counter primitive backing the
// façade's GetCounter(name): a compare-and-swap loop on a single key,
// deliberately trivial.
package counter

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/amirimatin/consul-cluster/pkg/kv"
)

// Counter is a single named, cluster-shared integer.
type Counter struct {
	gw  kv.Gateway
	key string
}

// New constructs a Counter over __vertx.counters/<name>.
func New(gw kv.Gateway, name string) *Counter {
	return &Counter{gw: gw, key: "__vertx.counters/" + name}
}

// Get returns the current value (0 if never written).
func (c *Counter) Get(ctx context.Context) (int64, error) {
	v, _, err := c.read(ctx)
	return v, err
}

func (c *Counter) read(ctx context.Context) (int64, uint64, error) {
	pair, err := c.gw.Get(ctx, c.key)
	if err != nil {
		return 0, 0, fmt.Errorf("counter: get: %w", err)
	}
	if pair == nil {
		return 0, 0, nil
	}
	return decode(pair.Value), pair.ModifyIndex, nil
}

// AddAndGet atomically adds delta and returns the resulting value, via a
// compare-and-swap retry loop on the single underlying key.
func (c *Counter) AddAndGet(ctx context.Context, delta int64) (int64, error) {
	for {
		cur, idx, err := c.read(ctx)
		if err != nil {
			return 0, err
		}
		next := cur + delta
		ok, err := c.gw.Put(ctx, c.key, encode(next), kv.PutOptions{UseCAS: true, CASIndex: idx})
		if err != nil {
			return 0, fmt.Errorf("counter: cas: %w", err)
		}
		if ok {
			return next, nil
		}
		// lost the race: retry against the fresh value.
	}
}

// IncrementAndGet is sugar for AddAndGet(1).
func (c *Counter) IncrementAndGet(ctx context.Context) (int64, error) { return c.AddAndGet(ctx, 1) }

// DecrementAndGet is sugar for AddAndGet(-1).
func (c *Counter) DecrementAndGet(ctx context.Context) (int64, error) { return c.AddAndGet(ctx, -1) }

func encode(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decode(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
