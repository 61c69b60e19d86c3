// Package config loads gqlink client settings from defaults, an optional
// YAML or TOML file, GQLINK_ environment variables and caller overrides,
// each layer replacing the keys it sets.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ambiyansyah-risyal/gqlink"
	"github.com/ambiyansyah-risyal/gqlink/internal/logging"
)

// EnvPrefix is the prefix of environment overrides. GQLINK_SERVER_URL maps
// to server.url, GQLINK_STREAM_ACK_TIMEOUT to stream.ack_timeout and
// GQLINK_TOKEN to auth.token.
const EnvPrefix = "GQLINK_"

// Config is the complete client configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Engine   EngineConfig   `koanf:"engine"`
	Batching BatchingConfig `koanf:"batching"`
	Retry    RetryConfig    `koanf:"retry"`
	Dedup    DedupConfig    `koanf:"dedup"`
	Stream   StreamConfig   `koanf:"stream"`
	Logging  logging.Config `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Debug    bool           `koanf:"debug"`
}

// ServerConfig holds the GraphQL endpoints.
type ServerConfig struct {
	URL          string            `koanf:"url"`
	WebSocketURL string            `koanf:"websocket_url"`
	Timeout      time.Duration     `koanf:"timeout"`
	Headers      map[string]string `koanf:"headers"`
	// HTTPLog is none, basic, headers or body.
	HTTPLog string `koanf:"http_log"`
}

// AuthConfig holds the credential sent by the authorization stage.
type AuthConfig struct {
	Token  string `koanf:"token"`
	Scheme string `koanf:"scheme"`
	// CheckExpiry withholds JWTs whose exp claim is within ExpiryMargin.
	CheckExpiry  bool          `koanf:"check_expiry"`
	ExpiryMargin time.Duration `koanf:"expiry_margin"`
}

// EngineConfig sizes the shared network engine.
type EngineConfig struct {
	MaxIdleConns        int           `koanf:"max_idle_conns"`
	MaxIdleConnsPerHost int           `koanf:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `koanf:"idle_conn_timeout"`
	DialTimeout         time.Duration `koanf:"dial_timeout"`
	HandshakeTimeout    time.Duration `koanf:"handshake_timeout"`
	ObserverWorkers     int           `koanf:"observer_workers"`
	ObserverQueueSize   int           `koanf:"observer_queue_size"`
}

// BatchingConfig controls HTTP batching.
type BatchingConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
	MaxSize  int           `koanf:"max_size"`
}

// RetryConfig controls query retries.
type RetryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
	Jitter         float64       `koanf:"jitter"`
	// Strategy is exponential or decorrelated.
	Strategy string `koanf:"strategy"`
	// BudgetMax retries are allowed per BudgetWindow across the client;
	// zero disables the budget.
	BudgetMax    int           `koanf:"budget_max"`
	BudgetWindow time.Duration `koanf:"budget_window"`
}

// DedupConfig controls in-flight query deduplication.
type DedupConfig struct {
	Enabled bool `koanf:"enabled"`
}

// StreamConfig controls the subscription WebSocket.
type StreamConfig struct {
	// Protocol is graphql-ws or graphql-transport-ws.
	Protocol             string        `koanf:"protocol"`
	AckTimeout           time.Duration `koanf:"ack_timeout"`
	ReconnectStep        time.Duration `koanf:"reconnect_step"`
	ReconnectMaxDelay    time.Duration `koanf:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `koanf:"reconnect_max_attempts"`
}

// MetricsConfig controls Prometheus exposition by the command.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

func defaults() map[string]interface{} {
	log := logging.DefaultConfig()
	return map[string]interface{}{
		"server.timeout":                 "30s",
		"server.http_log":                "none",
		"auth.scheme":                    "Bearer",
		"auth.expiry_margin":             "30s",
		"engine.max_idle_conns":          100,
		"engine.max_idle_conns_per_host": 10,
		"engine.idle_conn_timeout":       "90s",
		"engine.dial_timeout":            "30s",
		"engine.handshake_timeout":       "45s",
		"engine.observer_workers":        4,
		"engine.observer_queue_size":     256,
		"batching.enabled":               true,
		"batching.interval":              "10ms",
		"batching.max_size":              10,
		"retry.enabled":                  false,
		"retry.max_retries":              3,
		"retry.initial_backoff":          "100ms",
		"retry.max_backoff":              "10s",
		"retry.multiplier":               2.0,
		"retry.jitter":                   0.1,
		"retry.strategy":                 "exponential",
		"retry.budget_max":               0,
		"retry.budget_window":            "1m",
		"dedup.enabled":                  false,
		"stream.protocol":                string(gqlink.ProtocolGraphQLWS),
		"stream.ack_timeout":             "10s",
		"stream.reconnect_step":          "1s",
		"stream.reconnect_max_delay":     "0s",
		"stream.reconnect_max_attempts":  0,
		"logging.level":                  log.Level,
		"logging.format":                 log.Format,
		"logging.output":                 log.Output,
		"logging.max_size_mb":            log.MaxSizeMB,
		"logging.max_backups":            log.MaxBackups,
		"logging.max_age_days":           log.MaxAgeDays,
		"metrics.enabled":                false,
		"metrics.addr":                   ":9464",
		"debug":                          false,
	}
}

// Load reads defaults, then the file at path when path is not empty, then
// the environment, then overrides keyed like "server.url". The file format
// follows its extension: .yaml, .yml or .toml.
func Load(path string, overrides ...map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	for _, o := range overrides {
		if err := k.Load(confmap.Provider(o, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file type %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// envKey maps GQLINK_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	switch s {
	case "token":
		return "auth.token"
	case "debug":
		return "debug"
	}
	section, key, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + key
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.URL == "" {
		errs = append(errs, errors.New("server.url must be set"))
	} else if !absoluteURL(c.Server.URL, "http", "https") {
		errs = append(errs, fmt.Errorf("server.url %q must be an absolute http or https URL", c.Server.URL))
	}
	if c.Server.WebSocketURL != "" && !absoluteURL(c.Server.WebSocketURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("server.websocket_url %q must be an absolute ws or wss URL", c.Server.WebSocketURL))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must be non-negative"))
	}
	if _, err := gqlink.ParseLogLevel(c.Server.HTTPLog); err != nil {
		errs = append(errs, fmt.Errorf("server.http_log: %w", err))
	}

	if c.Auth.ExpiryMargin < 0 {
		errs = append(errs, errors.New("auth.expiry_margin must be non-negative"))
	}

	if c.Batching.Enabled {
		if c.Batching.Interval <= 0 {
			errs = append(errs, errors.New("batching.interval must be positive"))
		}
		if c.Batching.MaxSize <= 0 {
			errs = append(errs, errors.New("batching.max_size must be positive"))
		}
	}

	if c.Retry.Enabled {
		if c.Retry.MaxRetries < 0 {
			errs = append(errs, errors.New("retry.max_retries must be non-negative"))
		}
		if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
			errs = append(errs, errors.New("retry backoff must satisfy 0 < initial_backoff <= max_backoff"))
		}
		if c.Retry.Multiplier < 1 {
			errs = append(errs, errors.New("retry.multiplier must be at least 1"))
		}
		if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
			errs = append(errs, errors.New("retry.jitter must be between 0 and 1"))
		}
		if _, err := parseStrategy(c.Retry.Strategy); err != nil {
			errs = append(errs, err)
		}
		if c.Retry.BudgetMax < 0 {
			errs = append(errs, errors.New("retry.budget_max must be non-negative"))
		}
		if c.Retry.BudgetMax > 0 && c.Retry.BudgetWindow <= 0 {
			errs = append(errs, errors.New("retry.budget_window must be positive when a budget is set"))
		}
	}

	if _, err := gqlink.ParseWebSocketProtocol(c.Stream.Protocol); err != nil {
		errs = append(errs, fmt.Errorf("stream.protocol: %w", err))
	}
	if c.Stream.AckTimeout <= 0 {
		errs = append(errs, errors.New("stream.ack_timeout must be positive"))
	}
	if c.Stream.ReconnectStep <= 0 {
		errs = append(errs, errors.New("stream.reconnect_step must be positive"))
	}
	if c.Stream.ReconnectMaxDelay < 0 || c.Stream.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("stream reconnect caps must be non-negative"))
	}

	if err := c.EngineConfig(nil, nil).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr must be set when metrics are enabled"))
	}

	return errors.Join(errs...)
}

func absoluteURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func parseStrategy(s string) (gqlink.BackoffStrategy, error) {
	switch strings.ToLower(s) {
	case "", "exponential":
		return gqlink.ExponentialJitter, nil
	case "decorrelated":
		return gqlink.DecorrelatedJitter, nil
	default:
		return gqlink.ExponentialJitter, fmt.Errorf("unknown retry.strategy %q (must be exponential or decorrelated)", s)
	}
}

// EngineConfig converts the engine section. Zero values keep the library
// defaults.
func (c *Config) EngineConfig(logger gqlink.Logger, metrics *gqlink.MetricsCollector) gqlink.EngineConfig {
	cfg := gqlink.DefaultEngineConfig()
	if c.Engine.MaxIdleConns != 0 {
		cfg.MaxIdleConns = c.Engine.MaxIdleConns
	}
	if c.Engine.MaxIdleConnsPerHost != 0 {
		cfg.MaxIdleConnsPerHost = c.Engine.MaxIdleConnsPerHost
	}
	if c.Engine.IdleConnTimeout != 0 {
		cfg.IdleConnTimeout = c.Engine.IdleConnTimeout
	}
	if c.Engine.DialTimeout != 0 {
		cfg.DialTimeout = c.Engine.DialTimeout
	}
	if c.Engine.HandshakeTimeout != 0 {
		cfg.HandshakeTimeout = c.Engine.HandshakeTimeout
	}
	if c.Engine.ObserverWorkers != 0 {
		cfg.ObserverWorkers = c.Engine.ObserverWorkers
	}
	if c.Engine.ObserverQueueSize != 0 {
		cfg.ObserverQueueSize = c.Engine.ObserverQueueSize
	}
	cfg.Logger = logger
	cfg.Metrics = metrics
	return cfg
}

// ClientOptions converts the configuration to client options. The
// returned store holds the configured token, or nothing, and may be
// updated while the client runs.
func (c *Config) ClientOptions() ([]gqlink.Option, *gqlink.MemoryTokenStore, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	logLevel, _ := gqlink.ParseLogLevel(c.Server.HTTPLog)
	protocol, _ := gqlink.ParseWebSocketProtocol(c.Stream.Protocol)

	store := gqlink.NewMemoryTokenStore(c.Auth.Token)
	var provider gqlink.TokenProvider = store
	if c.Auth.CheckExpiry {
		provider = gqlink.NewJWTTokenProvider(store, c.Auth.ExpiryMargin)
	}

	opts := []gqlink.Option{
		gqlink.WithServerURL(c.Server.URL),
		gqlink.WithTimeout(c.Server.Timeout),
		gqlink.WithLogLevel(logLevel),
		gqlink.WithTokenProvider(provider),
		gqlink.WithAuthorizationScheme(c.Auth.Scheme),
		gqlink.WithWebSocketProtocol(protocol),
		gqlink.WithConnectionAckTimeout(c.Stream.AckTimeout),
		gqlink.WithReconnectPolicy(&gqlink.LinearReconnectPolicy{
			Step:        c.Stream.ReconnectStep,
			MaxDelay:    c.Stream.ReconnectMaxDelay,
			MaxAttempts: c.Stream.ReconnectMaxAttempts,
		}),
	}
	if c.Server.WebSocketURL != "" {
		opts = append(opts, gqlink.WithWebSocketURL(c.Server.WebSocketURL))
	}
	for name, value := range c.Server.Headers {
		opts = append(opts, gqlink.WithHeader(name, value))
	}
	if c.Batching.Enabled {
		opts = append(opts, gqlink.WithHTTPBatching(c.Batching.Interval, c.Batching.MaxSize))
	} else {
		opts = append(opts, gqlink.WithoutHTTPBatching())
	}
	if c.Retry.Enabled {
		strategy, _ := parseStrategy(c.Retry.Strategy)
		opts = append(opts, gqlink.WithRetryPolicy(gqlink.NewDefaultRetryPolicyWithStrategy(
			c.Retry.MaxRetries, c.Retry.InitialBackoff, c.Retry.MaxBackoff, c.Retry.Multiplier, c.Retry.Jitter, strategy)))
		if c.Retry.BudgetMax > 0 {
			opts = append(opts, gqlink.WithRetryBudget(c.Retry.BudgetMax, c.Retry.BudgetWindow))
		}
	}
	if c.Dedup.Enabled {
		opts = append(opts, gqlink.WithDeduplication())
	}
	if c.Debug {
		opts = append(opts, gqlink.WithDebug())
	}
	return opts, store, nil
}
