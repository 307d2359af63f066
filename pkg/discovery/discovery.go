// Package discovery abstracts how candidate Consul agent endpoints are
// supplied to pkg/kv: pkg/bootstrap builds its kv.Client from the first
// endpoint in the list, without a reachability check or failover to the
// rest, independent of the membership mechanism itself.
package discovery

// Discovery returns the current set of candidate Consul agent endpoints
// (host:port), in priority order.
type Discovery interface {
	Endpoints() []string
}
