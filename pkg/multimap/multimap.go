// Package multimap is the Async Multimap: an event-bus subscription
// registry layered on the KV store, with per-node ephemeral entries and
// round-robin selection (each Get result starts at its first entry).
package multimap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amirimatin/consul-cluster/pkg/codec"
	"github.com/amirimatin/consul-cluster/pkg/kv"
	"github.com/amirimatin/consul-cluster/pkg/observability/metrics"
)

// Subscriber identifies where a message for an address should be
// delivered, and which node owns the subscription.
type Subscriber struct {
	Host   string
	Port   int
	NodeID string
}

// Equal reports whether two subscribers describe the same endpoint.
func (s Subscriber) Equal(o Subscriber) bool {
	return s.Host == o.Host && s.Port == o.Port && s.NodeID == o.NodeID
}

// Map is a per-address multiset of subscribers tied to each owning node's
// session (key layout: mapName/address/nodeID).
type Map struct {
	gw      kv.Gateway
	name    string
	selfID  string
	session func() string // returns the current session id, read live each call
	codec   codec.Codec[Subscriber]

	// deleteWorkers bounds the fan-out used by removeAllMatching/
	// removeAllForValue: bulk per-entry deletions triggered
	// off the dispatch path belong on a worker pool, not the caller.
	deleteWorkers int

	onSessionInvalidated func(sessionID string)
}

// Options configures a Map.
type Options struct {
	Name          string
	SelfNodeID    string
	SessionID     func() string
	Codec         codec.Codec[Subscriber]
	DeleteWorkers int // default 8

	// OnSessionInvalidated, if set, is called when Add's acquire is rejected
	// because the store no longer recognizes the node's current session.
	OnSessionInvalidated func(sessionID string)
}

// New constructs a Map backed by gw.
func New(gw kv.Gateway, opts Options) *Map {
	if opts.Codec == nil {
		opts.Codec = codec.JSON[Subscriber]{}
	}
	if opts.DeleteWorkers <= 0 {
		opts.DeleteWorkers = 8
	}
	return &Map{
		gw:                   gw,
		name:                 opts.Name,
		selfID:               opts.SelfNodeID,
		session:              opts.SessionID,
		codec:                opts.Codec,
		deleteWorkers:        opts.DeleteWorkers,
		onSessionInvalidated: opts.OnSessionInvalidated,
	}
}

func (m *Map) key(address, nodeID string) string {
	return fmt.Sprintf("%s/%s/%s", m.name, address, nodeID)
}

func (m *Map) prefix(address string) string {
	return fmt.Sprintf("%s/%s/", m.name, address)
}

// Add registers sub as this node's subscription to address, overwriting
// any prior subscription this node held for the same address. The
// entry is ephemeral: it disappears automatically once this node's session
// is invalidated.
func (m *Map) Add(ctx context.Context, address string, sub Subscriber) error {
	raw, err := m.codec.Encode(sub)
	if err != nil {
		return fmt.Errorf("multimap: encode: %w", err)
	}
	sessID := ""
	if m.session != nil {
		sessID = m.session()
	}
	ok, err := m.gw.Put(ctx, m.key(address, m.selfID), raw, kv.PutOptions{AcquireSession: sessID})
	if err != nil {
		metrics.MultimapOps.WithLabelValues("add", "error").Inc()
		if errors.Is(err, kv.ErrInvalidSession) {
			metrics.SessionInvalidations.Inc()
			if m.onSessionInvalidated != nil {
				m.onSessionInvalidated(sessID)
			}
		}
		return fmt.Errorf("multimap: add: %w", err)
	}
	if !ok {
		metrics.MultimapOps.WithLabelValues("add", "contention").Inc()
		return fmt.Errorf("multimap: add: put rejected (contention)")
	}
	metrics.MultimapOps.WithLabelValues("add", "ok").Inc()
	metrics.MultimapEntries.WithLabelValues(m.name).Inc()
	return nil
}

// Get lists every subscriber registered for address and returns them in a
// Choosable supporting round-robin selection with a per-call starting
// index. Missing or decode-failed entries are skipped silently.
func (m *Map) Get(ctx context.Context, address string) (*Choosable[Subscriber], error) {
	pairs, err := m.gw.List(ctx, m.prefix(address))
	if err != nil {
		return nil, fmt.Errorf("multimap: get: %w", err)
	}
	subs := make([]Subscriber, 0, len(pairs))
	for _, p := range pairs {
		sub, err := m.codec.Decode(p.Value)
		if err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return NewChoosable(subs), nil
}

// Remove deletes address's subscription for sub iff an entry exists that
// both decodes equal to sub and whose owner node matches sub's embedded
// node id. Returns true iff a key was deleted.
func (m *Map) Remove(ctx context.Context, address string, sub Subscriber) (bool, error) {
	pairs, err := m.gw.List(ctx, m.prefix(address))
	if err != nil {
		return false, fmt.Errorf("multimap: remove: %w", err)
	}
	for _, p := range pairs {
		decoded, err := m.codec.Decode(p.Value)
		if err != nil {
			continue
		}
		if decoded.Equal(sub) && decoded.NodeID == sub.NodeID {
			if err := m.gw.Delete(ctx, p.Key); err != nil {
				metrics.MultimapOps.WithLabelValues("remove", "error").Inc()
				return false, fmt.Errorf("multimap: remove: %w", err)
			}
			metrics.MultimapOps.WithLabelValues("remove", "ok").Inc()
			metrics.MultimapEntries.WithLabelValues(m.name).Dec()
			return true, nil
		}
	}
	return false, nil
}

// RemoveAllMatching deletes every entry across the entire multimap (all
// addresses) whose decoded value satisfies pred. Not atomic across keys:
// a failure part-way leaves partial deletion; session loss still drains
// the rest. Concurrent deletes run on a bounded worker pool, off the
// caller's goroutine context.
func (m *Map) RemoveAllMatching(ctx context.Context, pred func(Subscriber) bool) error {
	pairs, err := m.gw.List(ctx, m.name+"/")
	if err != nil {
		return fmt.Errorf("multimap: removeAllMatching: %w", err)
	}

	type job struct{ key string }
	jobs := make(chan job)
	var wg sync.WaitGroup
	var firstErr atomic.Pointer[error]

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			if err := m.gw.Delete(ctx, j.key); err != nil {
				e := fmt.Errorf("multimap: removeAllMatching: delete %s: %w", j.key, err)
				firstErr.CompareAndSwap(nil, &e)
			}
		}
	}
	workers := m.deleteWorkers
	if workers > len(pairs)+1 {
		workers = len(pairs) + 1
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for _, p := range pairs {
		decoded, err := m.codec.Decode(p.Value)
		if err != nil {
			continue
		}
		if pred(decoded) {
			jobs <- job{key: p.Key}
		}
	}
	close(jobs)
	wg.Wait()

	if ep := firstErr.Load(); ep != nil {
		return *ep
	}
	return nil
}

// RemoveAllForValue is sugar for RemoveAllMatching(v.Equal).
func (m *Map) RemoveAllForValue(ctx context.Context, v Subscriber) error {
	return m.RemoveAllMatching(ctx, v.Equal)
}
