package cluster

import (
	"errors"
	"log"
	"time"

	"github.com/amirimatin/consul-cluster/pkg/health"
	"github.com/amirimatin/consul-cluster/pkg/kv"
)

type NodeID string

// Options carries dependency-injected components and runtime configuration
// used to assemble the cluster façade. Instances are typically produced
// from bootstrap.Config. There is deliberately no CLI or environment
// variable handling here: the façade only ever accepts a
// configuration record.
type Options struct {
	// NodeID is the unique identifier of this node within the cluster.
	// Reuse across restarts is undefined; a fresh id per
	// process is assumed.
	NodeID NodeID

	// Gateway is the KV store connection (required).
	Gateway kv.Gateway

	// Logger is used throughout the module to report operational
	// messages, via pkg/internal/logutil.
	Logger *log.Logger

	// ClusteringTag is the service tag that marks a member, default
	// "vertx-clustering".
	ClusteringTag string

	// JoinTimeout bounds Join's overall deadline, default 30s.
	JoinTimeout time.Duration

	// HealthHost is the advertised host for the TCP health check,
	// default "127.0.0.1".
	HealthHost string
	// HealthPortLo/HealthPortHi bound the probe's opportunistic bind
	// range, default (2000, 64000).
	HealthPortLo, HealthPortHi int
	// CheckInterval is how often the agent probes the health TCP port,
	// default 10s.
	CheckInterval time.Duration
	// DeregisterAfter is how long a critical check may persist before the
	// agent deregisters it and invalidates bound sessions, default 60s.
	DeregisterAfter time.Duration

	// LockDefaultTimeout is used by GetLock callers that pass a zero
	// timeout; there is no module-wide default beyond what the caller
	// supplies.
	LockDefaultTimeout time.Duration

	// NotifyWorkers sizes the worker pool used to fan membership events
	// out to listeners, default 4.
	NotifyWorkers int

	// HTTPAddr records the read-only introspection HTTP endpoint's address
	// (status/members/metrics). New does not read it; bootstrap.Run starts
	// the endpoint from its own Config.HTTPAddr.
	HTTPAddr string

	// TracingEnabled records whether the OpenTelemetry stdout tracer
	// (join/leave spans) is on. New does not read it; bootstrap.Build sets
	// the tracer up from its own Config.TracingEnabled.
	TracingEnabled bool
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("cluster: empty NodeID")
	}
	if o.Gateway == nil {
		return errors.New("cluster: nil Gateway")
	}
	if o.Logger == nil {
		return errors.New("cluster: nil Logger")
	}
	return nil
}

func (o Options) healthRange() health.PortRange {
	if o.HealthPortHi == 0 {
		return health.PortRange{Lo: 2000, Hi: 64000}
	}
	return health.PortRange{Lo: o.HealthPortLo, Hi: o.HealthPortHi}
}
