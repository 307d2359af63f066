package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/consul-cluster/pkg/bootstrap"
	"github.com/amirimatin/consul-cluster/pkg/transport/httpjson"
)

// AddAll attaches cluster subcommands (run/status) to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
}

// NewClusterCommand returns a parent command "cluster" containing run/status as subcommands.
func NewClusterCommand() *cobra.Command {
	parent := &cobra.Command{Use: "cluster", Short: "cluster management commands"}
	parent.AddCommand(NewRunCmd())
	parent.AddCommand(NewStatusCmd())
	return parent
}

// NewRunCmd returns the "run" command used to join a node to the cluster
// and keep it alive until interrupted.
func NewRunCmd() *cobra.Command {
	var (
		id, endpointsCSV, discoveryKind, clusteringTag string
		dnsNames, filePath, fileEnv, httpAddr, aclToken string
		dnsPort                                         int
		discRefresh, joinTimeout, lockDefaultTimeout     time.Duration
		tlsEnable, tlsSkip, traceEnable                  bool
		tlsCA, tlsCert, tlsKey                           string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a node to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg := bootstrap.Config{
				NodeID:             id,
				DiscoveryKind:      discoveryKind,
				EndpointsCSV:       endpointsCSV,
				DNSNamesCSV:        dnsNames,
				DNSPort:            dnsPort,
				DiscRefresh:        discRefresh,
				FilePath:           filePath,
				FileEnv:            fileEnv,
				ACLToken:           aclToken,
				TLSEnable:          tlsEnable,
				TLSCA:              tlsCA,
				TLSCert:            tlsCert,
				TLSKey:             tlsKey,
				TLSSkipVerify:      tlsSkip,
				ClusteringTag:      clusteringTag,
				JoinTimeout:        joinTimeout,
				LockDefaultTimeout: lockDefaultTimeout,
				HTTPAddr:           httpAddr,
				TracingEnabled:     traceEnable,
				Logger:             log.Default(),
			}
			cl, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				lctx, lcancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer lcancel()
				_ = cl.Leave(lctx)
			}()

			fmt.Printf("node %s joined, state=%s. Press Ctrl+C to exit.\n", id, cl.State())
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id (a uuid is minted if empty)")
	cmd.Flags().StringVar(&endpointsCSV, "kv-endpoints", "127.0.0.1:8500", "comma-separated Consul agent endpoints (host:port)")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "endpoint discovery backend: static|dns|file")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records for discovery=dns")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 8500, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with endpoints for discovery=file")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV endpoints; overrides file when set")
	cmd.Flags().StringVar(&aclToken, "acl-token", "", "Consul ACL token")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS to the Consul agent")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip agent cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&clusteringTag, "clustering-tag", "vertx-clustering", "service tag marking a cluster member")
	cmd.Flags().DurationVar(&joinTimeout, "join-timeout", 30*time.Second, "overall Join deadline")
	cmd.Flags().DurationVar(&lockDefaultTimeout, "lock-default-timeout", 5*time.Second, "default GetLock().TryLock timeout when the caller passes zero")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "introspection HTTP endpoint bind address, e.g. :8080 (disabled if empty)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	return cmd
}

// NewStatusCmd returns the "status" command, querying a running node's
// introspection endpoint.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch a node's status as JSON from its introspection endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := httpjson.NewClient(timeout)
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "introspection HTTP address of a node (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
