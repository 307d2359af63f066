// Package health allocates a free TCP port, runs a trivial accept-and-close
// listener, and registers an external check instructing the Consul agent
// to probe that port. The agent's probe is the authoritative liveness
// signal; the local listener only needs to accept connections.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/amirimatin/consul-cluster/pkg/internal/logutil"
	"github.com/amirimatin/consul-cluster/pkg/kv"
)

// PortRange is the inclusive range opportunistically bound for the probe
// listener, default (2000, 64000).
type PortRange struct {
	Lo, Hi int
}

// Options configures a Probe.
type Options struct {
	NodeID                  string
	Host                    string // advertised host, default "127.0.0.1"
	Range                   PortRange
	Interval                time.Duration
	DeregisterCriticalAfter time.Duration
	Logger                  *log.Logger
}

// Probe owns the TCP listener and its registered check.
type Probe struct {
	gw   kv.Agent
	opts Options

	ln      net.Listener
	checkID string
	port    int

	stop chan struct{}
}

// New constructs a Probe. Start must be called to bind the listener and
// register the check.
func New(gw kv.Agent, opts Options) *Probe {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Range.Hi == 0 {
		opts.Range = PortRange{Lo: 2000, Hi: 64000}
	}
	if opts.Interval == 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.DeregisterCriticalAfter == 0 {
		opts.DeregisterCriticalAfter = 60 * time.Second
	}
	return &Probe{gw: gw, opts: opts, checkID: "check:" + opts.NodeID}
}

// Start binds a free port in the configured range, launches the accept
// loop, and registers the TCP check against serviceID.
func (p *Probe) Start(ctx context.Context, serviceID string) error {
	ln, port, err := bindFreePort(p.opts.Host, p.opts.Range)
	if err != nil {
		return fmt.Errorf("health: no free port in range: %w", err)
	}
	p.ln = ln
	p.port = port
	p.stop = make(chan struct{})
	go p.acceptLoop(ln, p.stop)

	err = p.gw.RegisterCheck(ctx, kv.CheckOptions{
		CheckID:                 p.checkID,
		ServiceID:               serviceID,
		TCP:                     net.JoinHostPort(p.opts.Host, fmt.Sprintf("%d", port)),
		Interval:                p.opts.Interval,
		DeregisterCriticalAfter: p.opts.DeregisterCriticalAfter,
	})
	if err != nil {
		_ = p.stopListener()
		return fmt.Errorf("health: register check: %w", err)
	}
	return nil
}

// CheckID returns the id this probe registered its check under.
func (p *Probe) CheckID() string { return p.checkID }

// Port returns the bound listener port (0 if not started).
func (p *Probe) Port() int { return p.port }

// Stop deregisters the check and closes the listener. Best-effort: both
// steps run regardless of the other's failure.
func (p *Probe) Stop(ctx context.Context) error {
	deregErr := p.gw.DeregisterCheck(ctx, p.checkID)
	closeErr := p.stopListener()
	if deregErr != nil {
		return deregErr
	}
	return closeErr
}

func (p *Probe) stopListener() error {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	if p.ln == nil {
		return nil
	}
	err := p.ln.Close()
	p.ln = nil
	return err
}

func (p *Probe) acceptLoop(ln net.Listener, stop chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logutil.Warnf(p.opts.Logger, "health: accept error: %v", err)
				return
			}
		}
		logutil.Infof(p.opts.Logger, "health: probe accepted from %s", conn.RemoteAddr())
		_ = conn.Close()
	}
}

func bindFreePort(host string, r PortRange) (net.Listener, int, error) {
	if r.Lo <= 0 || r.Hi < r.Lo {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	for port := r.Lo; port <= r.Hi; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d]", r.Lo, r.Hi)
}
