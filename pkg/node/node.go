// Package node is the Node Manager: it orchestrates join/leave,
// registers this node as a tagged service, owns the membership watcher,
// and maintains the authoritative local membership set.
package node

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/amirimatin/consul-cluster/pkg/cache"
	"github.com/amirimatin/consul-cluster/pkg/health"
	"github.com/amirimatin/consul-cluster/pkg/internal/logutil"
	"github.com/amirimatin/consul-cluster/pkg/kv"
	"github.com/amirimatin/consul-cluster/pkg/observability/metrics"
	"github.com/amirimatin/consul-cluster/pkg/observability/tracing"
	"github.com/amirimatin/consul-cluster/pkg/session"
)

// EventType distinguishes join/leave membership notifications.
type EventType string

const (
	EventJoin EventType = "join"
	EventLeave EventType = "leave"
)

// Event is delivered to subscribers on every membership change, for every
// node but self.
type Event struct {
	Type EventType
	ID   string
}

// Listener receives membership events. Implementations must not block:
// they are invoked from the Manager's notification worker pool, never on
// the watch-delivery goroutine.
type Listener func(Event)

// Options configures a Manager.
type Options struct {
	NodeID        string
	ClusteringTag string // default "vertx-clustering"
	JoinTimeout   time.Duration
	HealthRange   health.PortRange
	HealthHost    string
	CheckInterval time.Duration
	DeregisterAfter time.Duration
	NotifyWorkers int // size of the listener-notification pool, default 4
	Logger        *log.Logger
}

const haInfoPrefix = "__vertx.haInfo/"

// Manager implements the node lifecycle state machine:
// NEW -> JOINING -> ACTIVE -> LEAVING -> STOPPED, with a
// FAILED terminal state reachable from JOINING when a join step fails and
// from ACTIVE on session invalidation (MarkFailed).
type Manager struct {
	gw   kv.Gateway
	opts Options

	sessions *session.Manager
	probe    *health.Probe
	haCache  *cache.Cache[[]byte]

	mu       sync.RWMutex
	state    State
	members  map[string]struct{}
	watchCancel func()

	listenersMu sync.Mutex
	listeners   []Listener
	workCh      chan func()
	workersDone chan struct{}
}

// State is a node's position in the lifecycle state machine.
type State int

const (
	StateNew State = iota
	StateJoining
	StateActive
	StateLeaving
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JoinError carries the failed step for diagnostics.
type JoinError struct {
	Step string
	Err  error
}

func (e *JoinError) Error() string { return fmt.Sprintf("node: join failed at %s: %v", e.Step, e.Err) }
func (e *JoinError) Unwrap() error { return e.Err }

// New constructs a Manager in State NEW.
func New(gw kv.Gateway, opts Options) *Manager {
	if opts.ClusteringTag == "" {
		opts.ClusteringTag = "vertx-clustering"
	}
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = 30 * time.Second
	}
	if opts.NotifyWorkers <= 0 {
		opts.NotifyWorkers = 4
	}
	m := &Manager{
		gw:      gw,
		opts:    opts,
		members: map[string]struct{}{},
		haCache: cache.New[[]byte](haInfoPrefix, cache.BytesDecoder, func(key string, err error) {
			logutil.Warnf(opts.Logger, "node: ha-info entry %s failed to decode: %v", key, err)
		}),
	}
	m.sessions = session.New(gw, opts.NodeID)
	m.probe = health.New(gw, health.Options{
		NodeID:                  opts.NodeID,
		Host:                    opts.HealthHost,
		Range:                   opts.HealthRange,
		Interval:                opts.CheckInterval,
		DeregisterCriticalAfter: opts.DeregisterAfter,
		Logger:                  opts.Logger,
	})
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers a listener for nodeAdded/nodeLeft events.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Members returns a snapshot of the current membership view, including
// self.
func (m *Manager) Members() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.members))
	for k := range m.members {
		out[k] = struct{}{}
	}
	return out
}

// HAInfo returns the preloaded/ watch-maintained HA-info snapshot.
func (m *Manager) HAInfo() *cache.Cache[[]byte] { return m.haCache }

// Join runs the eight-step join sequence. Each step's failure
// triggers best-effort rollback of the prior steps and surfaces a
// *JoinError; the rollback itself never fails the call.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateNew {
		m.mu.Unlock()
		return fmt.Errorf("node: join called in state %s", m.state)
	}
	m.state = StateJoining
	m.mu.Unlock()

	ctx, end := tracing.StartSpan(ctx, "node.Join")
	defer end()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, m.opts.JoinTimeout)
	defer cancel()

	m.startWorkers()

	// 1-2: allocate TCP endpoint + start listener, 4: register check.
	// 3: register service record first so the check below can bind to it.
	if err := m.gw.RegisterService(ctx, kv.ServiceOptions{
		ID: m.opts.NodeID, Name: m.opts.NodeID, Tags: []string{m.opts.ClusteringTag},
	}); err != nil {
		return m.failJoin(ctx, "register_service", err)
	}

	if err := m.probe.Start(ctx, m.opts.NodeID); err != nil {
		_ = m.gw.DeregisterService(ctx, m.opts.NodeID)
		return m.failJoin(ctx, "health_probe", err)
	}

	// 5: create session bound to checkID and serfHealth.
	if _, err := m.sessions.Register(ctx, m.probe.CheckID()); err != nil {
		_ = m.probe.Stop(ctx)
		_ = m.gw.DeregisterService(ctx, m.opts.NodeID)
		return m.failJoin(ctx, "create_session", err)
	}
	metrics.SessionsCreated.Inc()

	// 6: seed local membership from the current tagged service set (self included).
	ids, err := m.gw.ServicesByTag(ctx, m.opts.ClusteringTag)
	if err != nil {
		m.rollbackAfterSession(ctx)
		return m.failJoin(ctx, "list_members", err)
	}
	m.mu.Lock()
	for _, id := range ids {
		m.members[id] = struct{}{}
	}
	m.members[m.opts.NodeID] = struct{}{}
	m.mu.Unlock()

	// 7: preload HA-info.
	pairs, err := m.gw.List(ctx, haInfoPrefix)
	if err != nil {
		m.rollbackAfterSession(ctx)
		return m.failJoin(ctx, "preload_hainfo", err)
	}
	for _, p := range pairs {
		m.haCache.Put(p.Key, p.Value)
	}

	// 8: start watchers.
	haCancel, err := m.gw.WatchPrefix(ctx, haInfoPrefix, m.haCache.HandleWatch)
	if err != nil {
		m.rollbackAfterSession(ctx)
		return m.failJoin(ctx, "watch_hainfo", err)
	}
	memCancel, err := m.gw.WatchTag(ctx, m.opts.ClusteringTag, m.onMembershipDiff)
	if err != nil {
		haCancel()
		m.rollbackAfterSession(ctx)
		return m.failJoin(ctx, "watch_membership", err)
	}
	m.mu.Lock()
	m.watchCancel = func() { haCancel(); memCancel() }
	m.state = StateActive
	m.mu.Unlock()
	metrics.JoinAttempts.WithLabelValues("success").Inc()
	metrics.JoinDuration.Observe(time.Since(start).Seconds())
	metrics.ClusterMembers.Set(float64(len(m.Members())))
	return nil
}

func (m *Manager) rollbackAfterSession(ctx context.Context) {
	_ = m.sessions.Destroy(ctx)
	_ = m.probe.Stop(ctx)
	_ = m.gw.DeregisterService(ctx, m.opts.NodeID)
}

func (m *Manager) failJoin(ctx context.Context, step string, cause error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()
	metrics.JoinAttempts.WithLabelValues("failure").Inc()
	logutil.Errorf(m.opts.Logger, "node: join step %s failed: %v", step, cause)
	return &JoinError{Step: step, Err: cause}
}

// Leave performs best-effort ordered teardown: stop watches -> destroy
// session -> deregister check and close listener (health.Probe.Stop) ->
// deregister service -> stop notification workers. The listener is closed
// before the service record is deregistered. Each step runs regardless of
// the prior step's failure.
func (m *Manager) Leave(ctx context.Context) error {
	ctx, end := tracing.StartSpan(ctx, "node.Leave")
	defer end()

	m.mu.Lock()
	if m.state == StateStopped || m.state == StateLeaving {
		m.mu.Unlock()
		return nil
	}
	m.state = StateLeaving
	cancel := m.watchCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sessErr := m.sessions.Destroy(ctx)
	probeErr := m.probe.Stop(ctx)
	svcErr := m.gw.DeregisterService(ctx, m.opts.NodeID)
	m.stopWorkers()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	for _, err := range []error{sessErr, probeErr, svcErr} {
		if err != nil {
			logutil.Warnf(m.opts.Logger, "node: leave step failed (best-effort): %v", err)
		}
	}
	return nil
}

// onMembershipDiff is the membership watcher: it receives
// the (prev, next) tagged-service id sets from the catalog watch, computes
// added/removed and notifies listeners, removed
// before added for a re-registration within the same delivery.
func (m *Manager) onMembershipDiff(prev, next map[string]struct{}) {
	metrics.WatchDispatches.WithLabelValues("membership").Inc()
	var added, removed []string
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	m.mu.Lock()
	for _, id := range removed {
		delete(m.members, id)
	}
	for _, id := range added {
		m.members[id] = struct{}{}
	}
	memberCount := len(m.members)
	m.mu.Unlock()
	metrics.ClusterMembers.Set(float64(memberCount))

	events := make([]Event, 0, len(removed)+len(added))
	for _, id := range removed {
		events = append(events, Event{Type: EventLeave, ID: id})
	}
	for _, id := range added {
		events = append(events, Event{Type: EventJoin, ID: id})
	}
	m.dispatch(events)
}

// dispatch fans one delivery's membership events out to every listener on
// the worker pool, skipping self. Each listener gets the whole batch as a
// single job, so the batch order (removals first) holds per listener.
func (m *Manager) dispatch(events []Event) {
	var batch []Event
	for _, e := range events {
		if e.ID != m.opts.NodeID {
			batch = append(batch, e)
		}
	}
	if len(batch) == 0 {
		return
	}
	m.listenersMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l := l
		m.submit(func() {
			for _, e := range batch {
				l(e)
			}
		})
	}
}

func (m *Manager) startWorkers() {
	if m.workCh != nil {
		return
	}
	m.workCh = make(chan func(), 256)
	m.workersDone = make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(m.opts.NotifyWorkers)
	for i := 0; i < m.opts.NotifyWorkers; i++ {
		go func() {
			defer wg.Done()
			for fn := range m.workCh {
				fn()
			}
		}()
	}
	go func() { wg.Wait(); close(m.workersDone) }()
}

func (m *Manager) submit(fn func()) {
	if m.workCh == nil {
		fn()
		return
	}
	select {
	case m.workCh <- fn:
	default:
		go fn()
	}
}

func (m *Manager) stopWorkers() {
	if m.workCh == nil {
		return
	}
	close(m.workCh)
	<-m.workersDone
	m.workCh = nil
}

// MarkFailed transitions the manager to FAILED, e.g. when the façade
// detects its session id was rejected by a write (SessionInvalidated).
// From FAILED the manager must be discarded.
func (m *Manager) MarkFailed() {
	m.mu.Lock()
	m.state = StateFailed
	m.mu.Unlock()
}

// SessionID returns the current session id, empty if not joined.
func (m *Manager) SessionID() string { return m.sessions.ID() }

// CheckID returns this node's health check id, used to bind the lock
// manager's sessions to the same liveness check as membership.
func (m *Manager) CheckID() string { return m.probe.CheckID() }
