package kv

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
)

// ClientOptions configures the Consul-backed Gateway.
type ClientOptions struct {
	Address  string // host:port of the Consul agent, default localhost:8500
	Scheme   string // "http" or "https"
	Token    string
	WaitTime time.Duration // long-poll timeout for blocking queries, default 5m

	// TLS, when Enable is set, configures mTLS to the agent through the
	// consul/api client's own TLS settings.
	TLS struct {
		Enable             bool
		CAFile             string
		CertFile           string
		KeyFile            string
		InsecureSkipVerify bool
	}
}

// Client is the Gateway implementation backed by a live Consul agent.
type Client struct {
	api *api.Client
	wait time.Duration
}

// NewClient dials the Consul agent described by opts.
func NewClient(opts ClientOptions) (*Client, error) {
	cfg := api.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.Scheme != "" {
		cfg.Scheme = opts.Scheme
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	if opts.TLS.Enable {
		cfg.TLSConfig = api.TLSConfig{
			CAFile:             opts.TLS.CAFile,
			CertFile:           opts.TLS.CertFile,
			KeyFile:            opts.TLS.KeyFile,
			InsecureSkipVerify: opts.TLS.InsecureSkipVerify,
		}
		if cfg.Scheme == "" {
			cfg.Scheme = "https"
		}
	}
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, transportErr("dial", err)
	}
	wait := opts.WaitTime
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	return &Client{api: c, wait: wait}, nil
}

func (c *Client) Get(ctx context.Context, key string) (*Pair, error) {
	kv, _, err := c.api.KV().Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, transportErr("get", err)
	}
	if kv == nil {
		return nil, nil
	}
	return &Pair{Key: kv.Key, Value: kv.Value, ModifyIndex: kv.ModifyIndex}, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]Pair, error) {
	pairs, _, err := c.api.KV().List(prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, transportErr("list", err)
	}
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Pair{Key: p.Key, Value: p.Value, ModifyIndex: p.ModifyIndex})
	}
	return out, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error) {
	pair := &api.KVPair{Key: key, Value: value, Session: opts.AcquireSession}
	wopts := (&api.WriteOptions{}).WithContext(ctx)
	if opts.AcquireSession != "" {
		ok, _, err := c.api.KV().Acquire(pair, wopts)
		if err != nil {
			if strings.Contains(err.Error(), "invalid session") {
				return false, fmt.Errorf("%w: %v", ErrInvalidSession, err)
			}
			return false, transportErr("acquire", err)
		}
		return ok, nil
	}
	if opts.UseCAS {
		pair.ModifyIndex = opts.CASIndex
		ok, _, err := c.api.KV().CAS(pair, wopts)
		if err != nil {
			return false, transportErr("cas", err)
		}
		return ok, nil
	}
	_, err := c.api.KV().Put(pair, wopts)
	if err != nil {
		return false, transportErr("put", err)
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.KV().Delete(key, (&api.WriteOptions{}).WithContext(ctx))
	return transportErr("delete", err)
}

func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := c.api.KV().DeleteTree(prefix, (&api.WriteOptions{}).WithContext(ctx))
	return transportErr("delete_prefix", err)
}

// WatchPrefix implements watching via Consul's blocking queries: each
// iteration asks for any change since the previously observed
// X-Consul-Index, which the agent holds open server-side for up to
// c.wait. An initial non-blocking List seeds prevSnapshot before the
// blocking-query loop starts, so the first delivery diffs against what
// was already there instead of reporting every pre-existing key as
// newly added. The polling goroutine never calls handler directly; it hands
// each (prev, next) pair to a fresh goroutine after taking handlerMu, so at
// most one handler invocation is in flight and the next dispatch waits
// until a slow callback has returned.
func (c *Client) WatchPrefix(ctx context.Context, prefix string, handler WatchHandler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	pairs, meta, err := c.api.KV().List(prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		cancel()
		return nil, transportErr("list", err)
	}
	lastIndex := meta.LastIndex
	prevSnapshot := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		prevSnapshot[p.Key] = p.Value
	}

	var handlerMu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if ctx.Err() != nil {
				return
			}
			qopts := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: c.wait}).WithContext(ctx)
			pairs, meta, err := c.api.KV().List(prefix, qopts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// transient transport failure: back off and retry, the
				// blocking watch as a whole never fails to the caller.
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			nextSnapshot := make(map[string][]byte, len(pairs))
			for _, p := range pairs {
				nextSnapshot[p.Key] = p.Value
			}
			if snapshotEqual(prevSnapshot, nextSnapshot) {
				continue
			}
			prev := prevSnapshot
			next := nextSnapshot
			prevSnapshot = nextSnapshot
			handlerMu.Lock()
			go func() {
				defer handlerMu.Unlock()
				handler(prev, next)
			}()
		}
	}()

	return func() {
		cancel()
		<-done
		// drain: wait for the last dispatched handler to finish too.
		handlerMu.Lock()
		handlerMu.Unlock()
	}, nil
}

func snapshotEqual(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !bytes.Equal(v, bv) {
			return false
		}
	}
	return true
}

func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) (string, error) {
	behavior := opts.Behavior
	if behavior == "" {
		behavior = api.SessionBehaviorDelete
	}
	entry := &api.SessionEntry{
		Name:     opts.Name,
		Checks:   opts.Checks,
		Behavior: behavior,
		TTL:      opts.TTL.String(),
	}
	id, _, err := c.api.Session().Create(entry, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", transportErr("session_create", err)
	}
	return id, nil
}

func (c *Client) DestroySession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := c.api.Session().Destroy(id, (&api.WriteOptions{}).WithContext(ctx))
	return transportErr("session_destroy", err)
}

func (c *Client) RegisterService(ctx context.Context, opts ServiceOptions) error {
	reg := &api.AgentServiceRegistration{ID: opts.ID, Name: opts.Name, Tags: opts.Tags}
	return transportErr("service_register", c.api.Agent().ServiceRegister(reg))
}

func (c *Client) DeregisterService(ctx context.Context, id string) error {
	return transportErr("service_deregister", c.api.Agent().ServiceDeregister(id))
}

func (c *Client) RegisterCheck(ctx context.Context, opts CheckOptions) error {
	reg := &api.AgentCheckRegistration{
		ID:        opts.CheckID,
		ServiceID: opts.ServiceID,
		AgentServiceCheck: api.AgentServiceCheck{
			TCP:                            opts.TCP,
			Interval:                       opts.Interval.String(),
			DeregisterCriticalServiceAfter: opts.DeregisterCriticalAfter.String(),
			Status:                         api.HealthPassing,
		},
	}
	return transportErr("check_register", c.api.Agent().CheckRegister(reg))
}

func (c *Client) DeregisterCheck(ctx context.Context, checkID string) error {
	return transportErr("check_deregister", c.api.Agent().CheckDeregister(checkID))
}

// WatchTag watches the cluster-wide catalog (api.Catalog().Services, which
// is replicated across the Consul servers and supports the same blocking
// query mechanism as the KV store) for services carrying tag. Like
// WatchPrefix, an initial non-blocking Services call seeds prevIDs so the
// first delivery never reports already-tagged services as newly joined.
// Same dispatch discipline as WatchPrefix: one handler invocation in
// flight, serialized by handlerMu, never run on the polling goroutine.
func (c *Client) WatchTag(ctx context.Context, tag string, handler TagWatchHandler) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	services, meta, err := c.api.Catalog().Services((&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		cancel()
		return nil, transportErr("services", err)
	}
	lastIndex := meta.LastIndex
	prevIDs := map[string]struct{}{}
	for name, tags := range services {
		for _, t := range tags {
			if t == tag {
				prevIDs[name] = struct{}{}
				break
			}
		}
	}

	var handlerMu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if ctx.Err() != nil {
				return
			}
			qopts := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: c.wait}).WithContext(ctx)
			services, meta, err := c.api.Catalog().Services(qopts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			nextIDs := map[string]struct{}{}
			for name, tags := range services {
				for _, t := range tags {
					if t == tag {
						nextIDs[name] = struct{}{}
						break
					}
				}
			}
			if setEqual(prevIDs, nextIDs) {
				continue
			}
			prev := prevIDs
			next := nextIDs
			prevIDs = nextIDs
			handlerMu.Lock()
			go func() {
				defer handlerMu.Unlock()
				handler(prev, next)
			}()
		}
	}()

	return func() {
		cancel()
		<-done
		handlerMu.Lock()
		handlerMu.Unlock()
	}, nil
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (c *Client) ServicesByTag(ctx context.Context, tag string) ([]string, error) {
	services, _, err := c.api.Catalog().Services((&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, transportErr("services", err)
	}
	out := make([]string, 0, len(services))
	for name, tags := range services {
		for _, t := range tags {
			if t == tag {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

var _ Gateway = (*Client)(nil)
