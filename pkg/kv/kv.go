// Package kv is the thin gateway over the external consistent KV
// store. It owns no cluster state of its own: every other component talks
// to the store exclusively through this package, which wraps
// github.com/hashicorp/consul/api and translates its errors into
// TransportError. Session, check and service-catalog access are exposed
// alongside the plain KV operations because, in Consul, all of them are
// facets of the same agent connection; splitting them into separate
// client objects would just push the same dial/retry logic into every
// caller.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSession is returned (wrapped) by Put when an AcquireSession
// write names a session the store no longer recognizes, as opposed to an
// ordinary contended acquire (which returns ok=false with no error).
var ErrInvalidSession = errors.New("kv: invalid session")

// Pair is a single KV entry as observed by a List or Get.
type Pair struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
}

// PutOptions carries the write-time behavior of a KV write.
type PutOptions struct {
	// AcquireSession binds the key's ephemerality to this session. Empty
	// means a plain, non-ephemeral write.
	AcquireSession string

	// UseCAS enables compare-and-set against CASIndex (the value's
	// ModifyIndex at read time). Ignored if false.
	UseCAS   bool
	CASIndex uint64
}

// WatchHandler receives the previous and next flat snapshots of a watched
// prefix, keyed by full key path. It must not block: see pkg/kv's own
// WatchPrefix doc.
type WatchHandler func(prev, next map[string][]byte)

// TransportError wraps any network/agent failure surfaced by the gateway.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("kv: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// KV is the plain key-value facet of the gateway.
type KV interface {
	Get(ctx context.Context, key string) (*Pair, error)
	List(ctx context.Context, prefix string) ([]Pair, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error

	// WatchPrefix starts a long-lived subscription on prefix, delivering
	// (prevSnapshot, nextSnapshot) pairs to handler on a dedicated
	// goroutine, one invocation in flight at a time. The
	// returned cancel func stops the watch and blocks until any in-flight
	// handler invocation has drained.
	WatchPrefix(ctx context.Context, prefix string, handler WatchHandler) (cancel func(), err error)
}

// SessionOptions describes a session to create.
type SessionOptions struct {
	Name     string
	Checks   []string
	Behavior string // "delete" or "release"; the core only ever uses "delete"
	TTL      time.Duration
}

// Sessions is the session-lifecycle facet of the gateway.
type Sessions interface {
	CreateSession(ctx context.Context, opts SessionOptions) (string, error)
	DestroySession(ctx context.Context, id string) error
}

// CheckOptions describes a TCP liveness check to register.
type CheckOptions struct {
	CheckID                 string
	ServiceID               string
	TCP                     string
	Interval                time.Duration
	DeregisterCriticalAfter time.Duration
}

// ServiceOptions describes a service record to register.
type ServiceOptions struct {
	ID   string
	Name string
	Tags []string
}

// TagWatchHandler receives the previous and next sets of service IDs
// carrying the watched tag. Same non-blocking, single-flight contract as
// WatchHandler.
type TagWatchHandler func(prev, next map[string]struct{})

// Agent is the agent-catalog facet of the gateway: service/check
// registration and tag-filtered service discovery.
type Agent interface {
	RegisterService(ctx context.Context, opts ServiceOptions) error
	DeregisterService(ctx context.Context, id string) error
	RegisterCheck(ctx context.Context, opts CheckOptions) error
	DeregisterCheck(ctx context.Context, checkID string) error

	// ServicesByTag returns the IDs of every registered service carrying tag.
	ServicesByTag(ctx context.Context, tag string) ([]string, error)

	// WatchTag watches the service catalog (not the KV tree) for services
	// whose tags include tag, delivering the previous and next tagged id
	// sets whenever that set changes, via a Consul blocking query.
	WatchTag(ctx context.Context, tag string, handler TagWatchHandler) (cancel func(), err error)
}

// Gateway is the full contract consumed by the rest of the module.
type Gateway interface {
	KV
	Sessions
	Agent
}
