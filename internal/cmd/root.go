// Package cmd provides the gqlink command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/gqlink"
	"github.com/ambiyansyah-risyal/gqlink/internal/config"
	"github.com/ambiyansyah-risyal/gqlink/internal/logging"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath  string
	serverURL   string
	token       string
	logLevel    string
	debug       bool
	metricsAddr string
}

// Execute runs the gqlink command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "gqlink",
		Short: "gqlink - a GraphQL client for queries, mutations and subscriptions",
		Long: `gqlink sends GraphQL operations to a server over HTTP and follows
subscriptions over a WebSocket that is reopened when the connection drops.

Settings come from defaults, an optional YAML or TOML file (--config) and
GQLINK_ environment variables; flags override all of them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Configuration file path (.yaml, .yml or .toml)")
	flags.StringVar(&opts.serverURL, "server", "", "GraphQL HTTP endpoint (overrides server.url)")
	flags.StringVar(&opts.token, "token", "", "Credential for the Authorization header (default $GQLINK_TOKEN)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&opts.debug, "debug", false, "Enable client debug logging (implies --log-level=debug)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	root.AddCommand(newQueryCommand(opts))
	root.AddCommand(newSubscribeCommand(opts))
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig reads the configuration with flags taking precedence.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	overrides := map[string]interface{}{}
	if o.serverURL != "" {
		overrides["server.url"] = o.serverURL
	}
	if o.token != "" {
		overrides["auth.token"] = o.token
	}
	if o.debug {
		overrides["debug"] = true
		overrides["logging.level"] = "debug"
	}
	if o.logLevel != "" {
		overrides["logging.level"] = o.logLevel
	}
	if o.metricsAddr != "" {
		overrides["metrics.enabled"] = true
		overrides["metrics.addr"] = o.metricsAddr
	}
	return config.Load(o.configPath, overrides)
}

// session is one engine and client built from the configuration.
type session struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	runtime  *gqlink.Runtime
	client   *gqlink.Client
}

func (o *rootOptions) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	var logger *zap.Logger
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stderr" {
		logger, err = logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	} else {
		logger, err = logging.New(cfg.Logging)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	s := &session{cfg: cfg, logger: logger}

	var metrics *gqlink.MetricsCollector
	if cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		metrics = gqlink.NewMetricsCollectorWithRegistry(s.registry)
	}

	clientOpts, _, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	engineCfg := cfg.EngineConfig(gqlink.NewZapLogger(logger), metrics)

	s.runtime = gqlink.NewRuntime(nil, engineCfg, clientOpts...)
	if _, err := s.runtime.InitializeEngine(cmd.Context()); err != nil {
		_ = logger.Sync()
		return nil, err
	}
	s.client, err = s.runtime.Client()
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// run executes fn, serving metrics alongside when they are enabled.
func (s *session) run(ctx context.Context, fn func(context.Context) error) error {
	if s.registry == nil {
		return fn(ctx)
	}
	ln, err := listen(s.cfg.Metrics.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return serveMetrics(ctx, ln, s.registry, fn)
}

func (s *session) close() {
	if err := s.runtime.Close(); err != nil {
		s.logger.Warn("closing client", zap.Error(err))
	}
	_ = s.logger.Sync()
}
