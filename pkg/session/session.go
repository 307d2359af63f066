// Package session is the Session Manager: it creates and destroys the
// KV session bound to a node's liveness check, and caches the single
// current session id for the node's lifetime.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/amirimatin/consul-cluster/pkg/kv"
)

// Manager owns exactly one session id per node per lifetime.
type Manager struct {
	gw     kv.Sessions
	nodeID string

	mu  sync.RWMutex
	cur string
}

// New constructs a Manager for nodeID, writing through gw.
func New(gw kv.Sessions, nodeID string) *Manager {
	return &Manager{gw: gw, nodeID: nodeID}
}

// Register creates a session with behavior=delete, name="session:"+nodeID,
// bound to checkID and the built-in "serfHealth" check, and caches its id.
func (m *Manager) Register(ctx context.Context, checkID string) (string, error) {
	id, err := m.gw.CreateSession(ctx, kv.SessionOptions{
		Name:     "session:" + m.nodeID,
		Checks:   []string{checkID, "serfHealth"},
		Behavior: "delete",
	})
	if err != nil {
		return "", fmt.Errorf("session: register: %w", err)
	}
	m.mu.Lock()
	m.cur = id
	m.mu.Unlock()
	return id, nil
}

// Destroy is unconditional and idempotent: it clears the cached id
// regardless of whether the store-side destroy succeeds, since a failure
// here only means the store will tear the session down itself once its
// bound checks go critical.
func (m *Manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	id := m.cur
	m.cur = ""
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.gw.DestroySession(ctx, id)
}

// ID returns the current session id, or "" if none has been registered
// (or it has since been destroyed).
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}
