// Package lock is a distributed exclusive lock: a name-to-key
// exclusive lock using session-acquire semantics with a timeout.
// Each acquisition creates a fresh session bound to the node's
// health check, so node death releases the lock automatically.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/amirimatin/consul-cluster/pkg/kv"
	"github.com/amirimatin/consul-cluster/pkg/observability/metrics"
)

const heldValue = "held"

// ErrTimeout is returned by TryLock when the budget expires without
// acquiring the lock.
var ErrTimeout = errors.New("lock: timeout")

// Manager is a per-name lock manager; the façade caches one per name.
type Manager struct {
	gw                   kv.Gateway
	name                 string
	checkID              string
	nodeID               string
	defaultTimeout       time.Duration
	onSessionInvalidated func(sessionID string)

	mu      sync.Mutex
	session string
}

// Options configures a Manager.
type Options struct {
	Name    string
	NodeID  string
	CheckID string // the node's health check id, bound to every lock session

	// DefaultTimeout is used by TryLock when called with a zero timeout.
	DefaultTimeout time.Duration

	// OnSessionInvalidated, if set, is called when an acquire is rejected
	// because the store no longer recognizes the session this Manager just
	// created, as opposed to ordinary contention from another holder.
	OnSessionInvalidated func(sessionID string)
}

// New constructs a Manager for a single lock name.
func New(gw kv.Gateway, opts Options) *Manager {
	return &Manager{
		gw:                   gw,
		name:                 opts.Name,
		checkID:              opts.CheckID,
		nodeID:               opts.NodeID,
		defaultTimeout:       opts.DefaultTimeout,
		onSessionInvalidated: opts.OnSessionInvalidated,
	}
}

func (m *Manager) key() string { return "__vertx.locks/" + m.name }

// TryLock attempts to acquire the lock within timeout, retrying with
// jittered backoff on contention. A zero timeout uses the Manager's
// DefaultTimeout. On success it returns true holding the
// lock; on timeout it destroys its session and returns false.
func (m *Manager) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sessID, err := m.gw.CreateSession(ctx, kv.SessionOptions{
		Name:     fmt.Sprintf("lock:%s:%s", m.name, m.nodeID),
		Checks:   []string{m.checkID, "serfHealth"},
		Behavior: "delete",
	})
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues(m.name, "error").Inc()
		return false, fmt.Errorf("lock: create session: %w", err)
	}
	metrics.SessionsCreated.Inc()

	backoff := 10 * time.Millisecond
	for {
		ok, err := m.gw.Put(ctx, m.key(), []byte(heldValue), kv.PutOptions{AcquireSession: sessID})
		if err != nil {
			_ = m.gw.DestroySession(context.Background(), sessID)
			metrics.LockAcquireTotal.WithLabelValues(m.name, "error").Inc()
			if errors.Is(err, kv.ErrInvalidSession) {
				metrics.SessionInvalidations.Inc()
				if m.onSessionInvalidated != nil {
					m.onSessionInvalidated(sessID)
				}
			}
			return false, fmt.Errorf("lock: acquire: %w", err)
		}
		if ok {
			m.mu.Lock()
			m.session = sessID
			m.mu.Unlock()
			metrics.LockAcquireTotal.WithLabelValues(m.name, "acquired").Inc()
			metrics.LockHeld.WithLabelValues(m.name).Set(1)
			return true, nil
		}
		select {
		case <-ctx.Done():
			_ = m.gw.DestroySession(context.Background(), sessID)
			metrics.LockAcquireTotal.WithLabelValues(m.name, "timeout").Inc()
			return false, ErrTimeout
		case <-time.After(jitter(backoff)):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// Release destroys the lock's session; the store then deletes the lock
// key (DELETE behavior) and yields it to waiters. Double-release is a
// no-op.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	sessID := m.session
	m.session = ""
	m.mu.Unlock()
	if sessID == "" {
		return nil
	}
	metrics.LockHeld.WithLabelValues(m.name).Set(0)
	return m.gw.DestroySession(ctx, sessID)
}
