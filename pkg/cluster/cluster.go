// Package cluster assembles the components of pkg/kv, pkg/session,
// pkg/health, pkg/node, pkg/multimap, pkg/lock and pkg/counter into a
// single embeddable façade: Join, Leave, membership, the async multimap,
// the distributed lock and the distributed counter, each reachable by
// name.
package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/amirimatin/consul-cluster/pkg/counter"
	"github.com/amirimatin/consul-cluster/pkg/internal/logutil"
	"github.com/amirimatin/consul-cluster/pkg/lock"
	"github.com/amirimatin/consul-cluster/pkg/multimap"
	"github.com/amirimatin/consul-cluster/pkg/node"
)

// Cluster is the concrete façade. It owns exactly one node.Manager and
// lazily caches one multimap.Map/lock.Manager/counter.Counter per distinct
// name requested: repeated calls
// with the same name return the same instance. The instances cache no
// reads: multimap.Map.Get lists the store on every call.
type Cluster struct {
	opts Options
	node *node.Manager

	mu       sync.Mutex
	maps     map[string]*multimap.Map
	locks    map[string]*lock.Manager
	counters map[string]*counter.Counter

	eb eventBus
}

// New validates opts and constructs a Cluster in node.StateNew. It performs
// no network activity; call Join to actually register with the store.
func New(opts Options) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := node.New(opts.Gateway, node.Options{
		NodeID:          string(opts.NodeID),
		ClusteringTag:   opts.ClusteringTag,
		JoinTimeout:     opts.JoinTimeout,
		HealthRange:     opts.healthRange(),
		HealthHost:      opts.HealthHost,
		CheckInterval:   opts.CheckInterval,
		DeregisterAfter: opts.DeregisterAfter,
		NotifyWorkers:   opts.NotifyWorkers,
		Logger:          opts.Logger,
	})
	c := &Cluster{
		opts:     opts,
		node:     n,
		maps:     make(map[string]*multimap.Map),
		locks:    make(map[string]*lock.Manager),
		counters: make(map[string]*counter.Counter),
	}
	c.node.Subscribe(func(e node.Event) {
		switch e.Type {
		case node.EventJoin:
			c.eb.publish(Event{Type: EventMemberJoin, ID: e.ID})
		case node.EventLeave:
			c.eb.publish(Event{Type: EventMemberLeave, ID: e.ID})
		}
	})
	return c, nil
}

// Join runs the node's eight-step join sequence. On
// success the façade is ACTIVE and GetAsyncMultimap/GetLock/GetCounter
// become usable; on failure the façade is FAILED and must be discarded.
func (c *Cluster) Join(ctx context.Context) error {
	logutil.Infof(c.opts.Logger, "cluster: joining as %s", c.opts.NodeID)
	if err := c.node.Join(ctx); err != nil {
		return err
	}
	logutil.Infof(c.opts.Logger, "cluster: joined as %s", c.opts.NodeID)
	return nil
}

// Leave performs best-effort ordered teardown. Safe to call
// more than once.
func (c *Cluster) Leave(ctx context.Context) error {
	logutil.Infof(c.opts.Logger, "cluster: leaving as %s", c.opts.NodeID)
	return c.node.Leave(ctx)
}

// Members returns a sorted snapshot of the current membership view,
// including this node.
func (c *Cluster) Members() []string {
	set := c.node.Members()
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// State returns the node lifecycle state's string form ("new", "joining",
// "active", "leaving", "stopped", "failed").
func (c *Cluster) State() string { return c.node.State().String() }

// Status returns a JSON-serializable snapshot for the introspection
// endpoint.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
	return &ClusterStatus{
		NodeID:    string(c.opts.NodeID),
		State:     c.node.State().String(),
		SessionID: c.node.SessionID(),
		Members:   c.Members(),
	}, nil
}

// GetAsyncMultimap returns the per-name subscription registry, creating it
// on first use. Returns ErrNotJoined/ErrFailed if the façade is not
// currently ACTIVE.
func (c *Cluster) GetAsyncMultimap(name string) (*multimap.Map, error) {
	if err := c.errNotActive(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.maps[name]; ok {
		return m, nil
	}
	m := multimap.New(c.opts.Gateway, multimap.Options{
		Name:                 name,
		SelfNodeID:           string(c.opts.NodeID),
		SessionID:            c.node.SessionID,
		OnSessionInvalidated: c.onSessionInvalidated,
	})
	c.maps[name] = m
	return m, nil
}

// GetLock returns the per-name exclusive lock manager, creating it on
// first use. Its sessions are bound to this node's health check, so a
// crashed node's held lock is released by the store. Returns
// ErrNotJoined/ErrFailed if the façade is not currently ACTIVE.
func (c *Cluster) GetLock(name string) (*lock.Manager, error) {
	if err := c.errNotActive(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[name]; ok {
		return l, nil
	}
	l := lock.New(c.opts.Gateway, lock.Options{
		Name:                 name,
		NodeID:               string(c.opts.NodeID),
		CheckID:              c.node.CheckID(),
		DefaultTimeout:       c.opts.LockDefaultTimeout,
		OnSessionInvalidated: c.onSessionInvalidated,
	})
	c.locks[name] = l
	return l, nil
}

// GetCounter returns the per-name distributed counter, creating it on
// first use. Returns ErrNotJoined/ErrFailed if the façade is not currently
// ACTIVE.
func (c *Cluster) GetCounter(name string) (*counter.Counter, error) {
	if err := c.errNotActive(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cnt, ok := c.counters[name]; ok {
		return cnt, nil
	}
	cnt := counter.New(c.opts.Gateway, name)
	c.counters[name] = cnt
	return cnt, nil
}

// onSessionInvalidated is passed to lock.Manager/multimap.Map as their
// OnSessionInvalidated hook: a write rejected against this node's own
// current session means the store no longer considers this node alive, so
// the façade must be discarded and rejoined.
func (c *Cluster) onSessionInvalidated(sessionID string) {
	err := &SessionInvalidated{SessionID: sessionID}
	logutil.Warnf(c.opts.Logger, "cluster: %v, marking node failed", err)
	c.node.MarkFailed()
}

// errNotActive is returned by operations that require an ACTIVE façade but
// find it otherwise.
func (c *Cluster) errNotActive() error {
	switch c.node.State() {
	case node.StateFailed:
		return ErrFailed
	case node.StateActive:
		return nil
	default:
		return ErrNotJoined
	}
}
