// Package bootstrap assembles a cluster.Cluster from a flat Config,
// wiring the Consul client (dialing the first discovery-provided endpoint;
// there is no failover to the others), optional TLS, tracing and the
// introspection HTTP endpoint.
package bootstrap

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/amirimatin/consul-cluster/pkg/cluster"
	"github.com/amirimatin/consul-cluster/pkg/discovery"
	dDNS "github.com/amirimatin/consul-cluster/pkg/discovery/dns"
	dFile "github.com/amirimatin/consul-cluster/pkg/discovery/file"
	dStatic "github.com/amirimatin/consul-cluster/pkg/discovery/static"
	"github.com/amirimatin/consul-cluster/pkg/kv"
	tlsx "github.com/amirimatin/consul-cluster/pkg/security/tlsconfig"
	"github.com/amirimatin/consul-cluster/pkg/transport/httpjson"
	"github.com/amirimatin/consul-cluster/pkg/observability/tracing"
)

// Config defines high-level inputs to assemble a node. Applications embed
// the cluster by filling this structure and calling Build or Run.
type Config struct {
	// NodeID is this node's identifier; a fresh uuid is minted if empty.
	NodeID string

	// Discovery settings: how candidate Consul agent endpoints are found.
	DiscoveryKind string        // "static" (default), "dns", or "file"
	EndpointsCSV  string        // used when DiscoveryKind=static
	DNSNamesCSV   string        // used when kind=dns
	DNSPort       int           // used when kind=dns (A/AAAA)
	DiscRefresh   time.Duration // cache/refresh duration for discovery
	FilePath      string        // used when kind=file
	FileEnv       string        // used when kind=file

	ACLToken string // Consul ACL token, optional

	// TLS for the Consul HTTP API connection.
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSSkipVerify bool

	// Health/membership tuning.
	ClusteringTag   string
	HealthHost      string
	HealthPortLo    int
	HealthPortHi    int
	CheckInterval   time.Duration
	DeregisterAfter time.Duration
	JoinTimeout     time.Duration
	NotifyWorkers   int

	// LockDefaultTimeout is used by GetLock callers that pass a zero
	// timeout to TryLock.
	LockDefaultTimeout time.Duration

	// HTTPAddr, when non-empty, starts the read-only introspection
	// endpoint.
	HTTPAddr string
	// HTTPTLSEnable serves the introspection endpoint over TLS using
	// HTTPTLSCert/HTTPTLSKey; no client CA is configured for it.
	HTTPTLSEnable bool
	HTTPTLSCert   string
	HTTPTLSKey    string

	TracingEnabled bool

	Logger *log.Logger
}

// Build assembles a cluster.Cluster from Config without joining it.
func Build(cfg Config) (*cluster.Cluster, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	disc, err := buildDiscovery(cfg)
	if err != nil {
		return nil, err
	}
	endpoints := disc.Endpoints()
	if len(endpoints) == 0 {
		return nil, errors.New("bootstrap: no kv endpoints resolved")
	}

	clientOpts := kv.ClientOptions{Address: endpoints[0], Token: cfg.ACLToken}
	if cfg.TLSEnable {
		clientOpts.TLS.Enable = true
		clientOpts.TLS.CAFile = cfg.TLSCA
		clientOpts.TLS.CertFile = cfg.TLSCert
		clientOpts.TLS.KeyFile = cfg.TLSKey
		clientOpts.TLS.InsecureSkipVerify = cfg.TLSSkipVerify
	}
	gw, err := kv.NewClient(clientOpts)
	if err != nil {
		return nil, err
	}

	if cfg.TracingEnabled {
		if _, err := tracing.Setup(true); err != nil {
			return nil, err
		}
	}

	opts := cluster.Options{
		NodeID:             cluster.NodeID(cfg.NodeID),
		Gateway:            gw,
		Logger:             cfg.Logger,
		ClusteringTag:      cfg.ClusteringTag,
		JoinTimeout:        cfg.JoinTimeout,
		HealthHost:         cfg.HealthHost,
		HealthPortLo:       cfg.HealthPortLo,
		HealthPortHi:       cfg.HealthPortHi,
		CheckInterval:      cfg.CheckInterval,
		DeregisterAfter:    cfg.DeregisterAfter,
		NotifyWorkers:      cfg.NotifyWorkers,
		LockDefaultTimeout: cfg.LockDefaultTimeout,
		HTTPAddr:           cfg.HTTPAddr,
		TracingEnabled:     cfg.TracingEnabled,
	}
	return cluster.New(opts)
}

// Run builds, starts the introspection endpoint (if configured) and joins
// the cluster, returning the façade for lifecycle control. The caller
// must call Leave(ctx) when finished.
func Run(ctx context.Context, cfg Config) (*cluster.Cluster, error) {
	cl, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.HTTPAddr != "" {
		srv := httpjson.NewServer(cfg.HTTPAddr, cfg.Logger,
			func(ctx context.Context) (any, error) { return cl.Status(ctx) },
			cl.Members,
		)
		if cfg.HTTPTLSEnable {
			tcfg, err := (tlsx.Options{Enable: true, CertFile: cfg.HTTPTLSCert, KeyFile: cfg.HTTPTLSKey}).Server()
			if err != nil {
				return nil, err
			}
			srv.UseTLS(tcfg)
		}
		if err := srv.Start(ctx); err != nil {
			return nil, err
		}
	}
	if err := cl.Join(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

func buildDiscovery(cfg Config) (discovery.Discovery, error) {
	switch cfg.DiscoveryKind {
	case "dns":
		names := dStatic.Parse(cfg.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		return dDNS.New(opts), nil
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		return dFile.New(opts), nil
	default:
		endpoints := dStatic.Parse(cfg.EndpointsCSV)
		return dStatic.New(endpoints...), nil
	}
}
