package kv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Gateway used by the module's own test suite to run
// deterministically without a live Consul agent. It
// honors the same acquire-session/CAS/ephemerality semantics as Client,
// including session invalidation deleting every key acquired under it.
type Fake struct {
	mu       sync.Mutex
	entries  map[string]fakeEntry
	sessions map[string]bool
	services map[string]ServiceOptions
	checks   map[string]CheckOptions
	nextIdx  uint64
	nextSess uint64

	watchMu sync.Mutex
	watches map[string][]*fakeWatch

	tagWatchMu sync.Mutex
	tagWatches []*fakeTagWatch
}

type fakeTagWatch struct {
	tag       string
	handlerMu sync.Mutex
	handler   TagWatchHandler
	prev      map[string]struct{}
	cancelled atomic.Bool
}

type fakeEntry struct {
	value       []byte
	modifyIndex uint64
	session     string
}

type fakeWatch struct {
	prefix    string
	handlerMu sync.Mutex
	handler   WatchHandler
	prev      map[string][]byte
	cancelled atomic.Bool
}

// NewFake constructs an empty Fake gateway.
func NewFake() *Fake {
	return &Fake{
		entries:  map[string]fakeEntry{},
		sessions: map[string]bool{},
		services: map[string]ServiceOptions{},
		checks:   map[string]CheckOptions{},
		watches:  map[string][]*fakeWatch{},
	}
}

func (f *Fake) Get(ctx context.Context, key string) (*Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return nil, nil
	}
	return &Pair{Key: key, Value: append([]byte(nil), e.value...), ModifyIndex: e.modifyIndex}, nil
}

func (f *Fake) List(ctx context.Context, prefix string) ([]Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Pair
	for k, e := range f.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Pair{Key: k, Value: append([]byte(nil), e.value...), ModifyIndex: e.modifyIndex})
		}
	}
	return out, nil
}

func (f *Fake) Put(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error) {
	f.mu.Lock()
	ok, shouldNotify, err := f.putLocked(key, value, opts)
	f.mu.Unlock()
	if shouldNotify {
		f.notify(key)
	}
	return ok, err
}

func (f *Fake) putLocked(key string, value []byte, opts PutOptions) (ok bool, notify bool, err error) {
	cur, exists := f.entries[key]
	if opts.AcquireSession != "" {
		if !f.sessions[opts.AcquireSession] {
			return false, false, fmt.Errorf("%w: %s", ErrInvalidSession, opts.AcquireSession)
		}
		if exists && cur.session != "" && cur.session != opts.AcquireSession && f.sessions[cur.session] {
			return false, false, nil
		}
	}
	if opts.UseCAS {
		if !exists && opts.CASIndex != 0 {
			return false, false, nil
		}
		if exists && cur.modifyIndex != opts.CASIndex {
			return false, false, nil
		}
	}
	f.nextIdx++
	f.entries[key] = fakeEntry{value: append([]byte(nil), value...), modifyIndex: f.nextIdx, session: opts.AcquireSession}
	return true, true, nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	_, existed := f.entries[key]
	delete(f.entries, key)
	f.mu.Unlock()
	if existed {
		f.notify(key)
	}
	return nil
}

func (f *Fake) DeletePrefix(ctx context.Context, prefix string) error {
	f.mu.Lock()
	var removed []string
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			removed = append(removed, k)
		}
	}
	for _, k := range removed {
		delete(f.entries, k)
	}
	f.mu.Unlock()
	for _, k := range removed {
		f.notify(k)
	}
	return nil
}

// WatchPrefix registers handler for changes under prefix. Notifications run
// on their own goroutine per watch, serialized by the watch's own mutex,
// mirroring Client's dispatch discipline exactly so tests
// exercise the same ordering guarantees production code depends on.
func (f *Fake) WatchPrefix(ctx context.Context, prefix string, handler WatchHandler) (func(), error) {
	w := &fakeWatch{prefix: prefix, handler: handler, prev: f.snapshot(prefix)}
	f.watchMu.Lock()
	f.watches[prefix] = append(f.watches[prefix], w)
	f.watchMu.Unlock()

	return func() {
		w.cancelled.Store(true)
		w.handlerMu.Lock()
		w.handlerMu.Unlock()
		f.watchMu.Lock()
		list := f.watches[prefix]
		for i, x := range list {
			if x == w {
				f.watches[prefix] = append(list[:i], list[i+1:]...)
				break
			}
		}
		f.watchMu.Unlock()
	}, nil
}

func (f *Fake) snapshot(prefix string) map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]byte{}
	for k, e := range f.entries {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out
}

// notify recomputes and delivers snapshots for every watch whose prefix
// covers key. Called outside f.mu to avoid deadlocking handler callbacks
// that read back through the gateway.
func (f *Fake) notify(key string) {
	f.watchMu.Lock()
	var affected []*fakeWatch
	for prefix, list := range f.watches {
		if strings.HasPrefix(key, prefix) {
			affected = append(affected, list...)
		}
	}
	f.watchMu.Unlock()

	for _, w := range affected {
		w := w
		next := f.snapshot(w.prefix)
		prev := w.prev
		w.prev = next
		if w.cancelled.Load() {
			continue
		}
		w.handlerMu.Lock()
		go func() {
			defer w.handlerMu.Unlock()
			w.handler(prev, next)
		}()
	}
}

func (f *Fake) CreateSession(ctx context.Context, opts SessionOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSess++
	id := fmt.Sprintf("fake-session-%d", f.nextSess)
	f.sessions[id] = true
	return id, nil
}

// DestroySession invalidates id and, matching Consul's DELETE behavior,
// deletes every key acquired under it. This is how the test suite
// simulates both clean leave() and a check-driven crash invalidation.
func (f *Fake) DestroySession(ctx context.Context, id string) error {
	f.mu.Lock()
	if !f.sessions[id] {
		f.mu.Unlock()
		return nil
	}
	delete(f.sessions, id)
	var removed []string
	for k, e := range f.entries {
		if e.session == id {
			removed = append(removed, k)
		}
	}
	for _, k := range removed {
		delete(f.entries, k)
	}
	f.mu.Unlock()
	for _, k := range removed {
		f.notify(k)
	}
	return nil
}

func (f *Fake) RegisterService(ctx context.Context, opts ServiceOptions) error {
	f.mu.Lock()
	f.services[opts.ID] = opts
	f.mu.Unlock()
	f.notifyTags()
	return nil
}

func (f *Fake) DeregisterService(ctx context.Context, id string) error {
	f.mu.Lock()
	_, existed := f.services[id]
	delete(f.services, id)
	f.mu.Unlock()
	if existed {
		f.notifyTags()
	}
	return nil
}

// WatchTag mirrors WatchPrefix but over the fake service catalog, matching
// Client.WatchTag's (prev,next id-set) contract.
func (f *Fake) WatchTag(ctx context.Context, tag string, handler TagWatchHandler) (func(), error) {
	w := &fakeTagWatch{tag: tag, handler: handler, prev: f.idsByTag(tag)}
	f.tagWatchMu.Lock()
	f.tagWatches = append(f.tagWatches, w)
	f.tagWatchMu.Unlock()

	return func() {
		w.cancelled.Store(true)
		w.handlerMu.Lock()
		w.handlerMu.Unlock()
		f.tagWatchMu.Lock()
		for i, x := range f.tagWatches {
			if x == w {
				f.tagWatches = append(f.tagWatches[:i], f.tagWatches[i+1:]...)
				break
			}
		}
		f.tagWatchMu.Unlock()
	}, nil
}

func (f *Fake) idsByTag(tag string) map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]struct{}{}
	for id, svc := range f.services {
		for _, t := range svc.Tags {
			if t == tag {
				out[id] = struct{}{}
				break
			}
		}
	}
	return out
}

func (f *Fake) notifyTags() {
	f.tagWatchMu.Lock()
	watches := append([]*fakeTagWatch(nil), f.tagWatches...)
	f.tagWatchMu.Unlock()

	for _, w := range watches {
		w := w
		next := f.idsByTag(w.tag)
		prev := w.prev
		w.prev = next
		if w.cancelled.Load() {
			continue
		}
		w.handlerMu.Lock()
		go func() {
			defer w.handlerMu.Unlock()
			w.handler(prev, next)
		}()
	}
}

func (f *Fake) RegisterCheck(ctx context.Context, opts CheckOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[opts.CheckID] = opts
	return nil
}

func (f *Fake) DeregisterCheck(ctx context.Context, checkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checks, checkID)
	return nil
}

func (f *Fake) ServicesByTag(ctx context.Context, tag string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, svc := range f.services {
		for _, t := range svc.Tags {
			if t == tag {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// InvalidateSession simulates the Consul agent invalidating id after its
// bound check has stayed critical past deregisterAfter: a dirty leave.
// It is test-only surface, not part of Gateway.
func (f *Fake) InvalidateSession(ctx context.Context, id string) error {
	return f.DestroySession(ctx, id)
}

var _ Gateway = (*Fake)(nil)
