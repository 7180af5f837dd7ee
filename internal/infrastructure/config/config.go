package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Telemetry   TelemetryConfig
	Marketplace MarketplaceConfig
	Requester   RequesterConfig
	Sync        SyncConfig
	Scheduler   SchedulerConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
	// SampleInitial and SampleThereafter thin repeated messages per second;
	// zero disables sampling
	SampleInitial    int
	SampleThereafter int
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings. Redis is optional; when disabled
// per-key upsert locks are process-local.
type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
	LockTTL   time.Duration
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds operator token settings
type JWTConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration // Lifetime of issued operator tokens
	// Disabled turns authentication off (development only)
	Disabled bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
	RateLimitRPS   float64 // Per-operator inbound requests per second, 0 disables
	RateLimitBurst int
}

// TelemetryConfig holds OpenTelemetry, Prometheus and profiling configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry export
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string
	Insecure          bool
	LogsEnabled       bool   // Bridge zap logs to OTLP
	LogsLevel         string // Minimum level sent to the collector
	DBTraceEnabled    bool
	DBSlowQueryThresh time.Duration
	PrometheusEnabled bool
	ProfilingEnabled  bool
	PyroscopeURL      string
}

// AccountConfig holds credentials for one seller account
type AccountConfig struct {
	Enabled bool
	BaseURL string
	Token   string
}

// MarketplaceConfig holds per-account marketplace endpoints
type MarketplaceConfig struct {
	AccountA AccountConfig
	AccountB AccountConfig
	PageSize int
	Timeout  time.Duration
}

// RouteLimit is the token bucket of one route class
type RouteLimit struct {
	RPS   float64
	Burst int
}

// RequesterConfig holds the shared outbound request policy
type RequesterConfig struct {
	Routes         map[string]RouteLimit
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	WaitTimeout    time.Duration // Max time a call may wait for a token
}

// SyncConfig holds orchestrator, upsert and reconciler settings
type SyncConfig struct {
	MaxPages            int
	RunTimeout          time.Duration
	MaxErrors           int
	ParallelAccounts    bool
	ConflictStrategy    string
	LocalFields         []string // Locally authoritative fields under remote_wins
	ReturnGraceWindow   time.Duration
	LowStockThreshold   int
	WarehouseThresholds map[string]int
	Retention           time.Duration // 0 keeps runs forever
}

// SyncJobConfig is one scheduled sync
type SyncJobConfig struct {
	Name     string        `mapstructure:"name"`
	Resource string        `mapstructure:"resource"`
	Scope    string        `mapstructure:"scope"`
	Mode     string        `mapstructure:"mode"`
	MaxPages int           `mapstructure:"max_pages"`
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig holds sync scheduler configuration
type SchedulerConfig struct {
	Enabled           bool
	MaxConcurrentJobs int
	QueueSize         int
	JobTimeout        time.Duration
	HousekeepInterval time.Duration
	Jobs              []SyncJobConfig
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with MARKETSYNC_ prefix (e.g., MARKETSYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/marketsync")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MARKETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:   v.GetBool("redis.enabled"),
			Host:      v.GetString("redis.host"),
			Port:      v.GetInt("redis.port"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
			LockTTL:   v.GetDuration("redis.lock_ttl"),
		},
		JWT: JWTConfig{
			Secret:   v.GetString("jwt.secret"),
			Issuer:   v.GetString("jwt.issuer"),
			TokenTTL: v.GetDuration("jwt.token_ttl"),
			Disabled: v.GetBool("jwt.disabled"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),

			SampleInitial:    v.GetInt("log.sample_initial"),
			SampleThereafter: v.GetInt("log.sample_thereafter"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
			RateLimitRPS:   v.GetFloat64("http.rate_limit_rps"),
			RateLimitBurst: v.GetInt("http.rate_limit_burst"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			LogsLevel:         v.GetString("telemetry.logs_level"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			PrometheusEnabled: v.GetBool("telemetry.prometheus_enabled"),
			ProfilingEnabled:  v.GetBool("telemetry.profiling_enabled"),
			PyroscopeURL:      v.GetString("telemetry.pyroscope_url"),
		},
		Marketplace: MarketplaceConfig{
			AccountA: AccountConfig{
				Enabled: v.GetBool("marketplace.account_a.enabled"),
				BaseURL: v.GetString("marketplace.account_a.base_url"),
				Token:   v.GetString("marketplace.account_a.token"),
			},
			AccountB: AccountConfig{
				Enabled: v.GetBool("marketplace.account_b.enabled"),
				BaseURL: v.GetString("marketplace.account_b.base_url"),
				Token:   v.GetString("marketplace.account_b.token"),
			},
			PageSize: v.GetInt("marketplace.page_size"),
			Timeout:  v.GetDuration("marketplace.timeout"),
		},
		Requester: RequesterConfig{
			Routes:         make(map[string]RouteLimit),
			MaxRetries:     v.GetInt("requester.max_retries"),
			BaseDelay:      v.GetDuration("requester.base_delay"),
			MaxDelay:       v.GetDuration("requester.max_delay"),
			JitterFraction: v.GetFloat64("requester.jitter_fraction"),
			WaitTimeout:    v.GetDuration("requester.wait_timeout"),
		},
		Sync: SyncConfig{
			MaxPages:            v.GetInt("sync.max_pages"),
			RunTimeout:          v.GetDuration("sync.run_timeout"),
			MaxErrors:           v.GetInt("sync.max_errors"),
			ParallelAccounts:    v.GetBool("sync.parallel_accounts"),
			ConflictStrategy:    v.GetString("sync.conflict.strategy"),
			LocalFields:         v.GetStringSlice("sync.conflict.local_fields"),
			ReturnGraceWindow:   v.GetDuration("sync.return_grace_window"),
			LowStockThreshold:   v.GetInt("sync.low_stock_threshold"),
			WarehouseThresholds: make(map[string]int),
			Retention:           v.GetDuration("sync.retention"),
		},
		Scheduler: SchedulerConfig{
			Enabled:           v.GetBool("scheduler.enabled"),
			MaxConcurrentJobs: v.GetInt("scheduler.max_concurrent_jobs"),
			QueueSize:         v.GetInt("scheduler.queue_size"),
			JobTimeout:        v.GetDuration("scheduler.job_timeout"),
			HousekeepInterval: v.GetDuration("scheduler.housekeep_interval"),
		},
	}

	for route := range v.GetStringMap("requester.routes") {
		key := "requester.routes." + route
		cfg.Requester.Routes[route] = RouteLimit{
			RPS:   v.GetFloat64(key + ".rps"),
			Burst: v.GetInt(key + ".burst"),
		}
	}
	for warehouse := range v.GetStringMap("sync.warehouse_thresholds") {
		cfg.Sync.WarehouseThresholds[warehouse] = v.GetInt("sync.warehouse_thresholds." + warehouse)
	}
	if err := v.UnmarshalKey("scheduler.jobs", &cfg.Scheduler.Jobs); err != nil {
		return nil, fmt.Errorf("error reading scheduler.jobs: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "marketsync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "marketsync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "marketsync:lock:"
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "marketsync"
	}
	if cfg.JWT.TokenTTL == 0 {
		cfg.JWT.TokenTTL = 12 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// Synchronous sync runs answer inside the request
		cfg.HTTP.WriteTimeout = 10 * time.Minute
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst <= 0 {
		cfg.HTTP.RateLimitBurst = int(cfg.HTTP.RateLimitRPS) + 1
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "marketsync"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.PyroscopeURL == "" {
		cfg.Telemetry.PyroscopeURL = "http://localhost:4040"
	}
	if cfg.Marketplace.PageSize == 0 {
		cfg.Marketplace.PageSize = 100
	}
	if cfg.Marketplace.Timeout == 0 {
		cfg.Marketplace.Timeout = 30 * time.Second
	}
	if _, ok := cfg.Requester.Routes["orders"]; !ok {
		cfg.Requester.Routes["orders"] = RouteLimit{RPS: 2, Burst: 5}
	}
	if _, ok := cfg.Requester.Routes["other"]; !ok {
		cfg.Requester.Routes["other"] = RouteLimit{RPS: 5, Burst: 10}
	}
	if cfg.Requester.MaxRetries == 0 {
		cfg.Requester.MaxRetries = 3
	}
	if cfg.Requester.BaseDelay == 0 {
		cfg.Requester.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Requester.MaxDelay == 0 {
		cfg.Requester.MaxDelay = 30 * time.Second
	}
	if cfg.Requester.JitterFraction == 0 {
		cfg.Requester.JitterFraction = 0.2
	}
	if cfg.Requester.WaitTimeout == 0 {
		cfg.Requester.WaitTimeout = time.Minute
	}
	if cfg.Sync.RunTimeout == 0 {
		cfg.Sync.RunTimeout = 30 * time.Minute
	}
	if cfg.Sync.MaxErrors == 0 {
		cfg.Sync.MaxErrors = 20
	}
	if cfg.Sync.ConflictStrategy == "" {
		cfg.Sync.ConflictStrategy = "remote_wins"
	}
	if cfg.Sync.ReturnGraceWindow == 0 {
		cfg.Sync.ReturnGraceWindow = 14 * 24 * time.Hour
	}
	if cfg.Sync.LowStockThreshold == 0 {
		cfg.Sync.LowStockThreshold = 5
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 2
	}
	if cfg.Scheduler.QueueSize == 0 {
		cfg.Scheduler.QueueSize = 100
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = cfg.Sync.RunTimeout
	}
	if cfg.Scheduler.HousekeepInterval == 0 {
		cfg.Scheduler.HousekeepInterval = 6 * time.Hour
	}
	for i := range cfg.Scheduler.Jobs {
		job := &cfg.Scheduler.Jobs[i]
		if job.Scope == "" {
			job.Scope = "both"
		}
		if job.Mode == "" {
			job.Mode = "incremental"
		}
		if job.Name == "" {
			job.Name = fmt.Sprintf("%s-%s-%s", job.Resource, job.Scope, job.Mode)
		}
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	for name, acc := range map[string]AccountConfig{"account_a": c.Marketplace.AccountA, "account_b": c.Marketplace.AccountB} {
		if !acc.Enabled {
			continue
		}
		u, err := url.Parse(acc.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("marketplace.%s.base_url must be an absolute URL, got %q", name, acc.BaseURL)
		}
	}
	if c.Marketplace.PageSize < 1 || c.Marketplace.PageSize > 500 {
		return fmt.Errorf("marketplace.page_size must be between 1 and 500, got %d", c.Marketplace.PageSize)
	}

	for route, limit := range c.Requester.Routes {
		if limit.RPS <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("requester.routes.%s needs positive rps and burst", route)
		}
	}
	if c.Requester.MaxRetries < 0 {
		return fmt.Errorf("requester.max_retries cannot be negative")
	}
	if c.Requester.JitterFraction < 0 || c.Requester.JitterFraction > 1 {
		return fmt.Errorf("requester.jitter_fraction must be between 0 and 1, got %f", c.Requester.JitterFraction)
	}
	if c.Requester.BaseDelay > c.Requester.MaxDelay {
		return fmt.Errorf("requester.base_delay (%s) cannot exceed requester.max_delay (%s)",
			c.Requester.BaseDelay, c.Requester.MaxDelay)
	}

	if c.Sync.MaxPages < 0 {
		return fmt.Errorf("sync.max_pages cannot be negative")
	}
	switch c.Sync.ConflictStrategy {
	case "remote_wins", "local_wins":
	default:
		return fmt.Errorf("sync.conflict.strategy must be remote_wins or local_wins, got %q", c.Sync.ConflictStrategy)
	}

	for _, job := range c.Scheduler.Jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("scheduler job %q needs a positive interval", job.Name)
		}
		if job.Resource != "products" && job.Resource != "orders" {
			return fmt.Errorf("scheduler job %q has unknown resource %q", job.Name, job.Resource)
		}
	}

	if c.App.Env == "production" {
		if !c.JWT.Disabled && len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.JWT.Disabled {
			return fmt.Errorf("jwt.disabled cannot be true in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Account returns the settings of account "A" or "B"
func (m MarketplaceConfig) Account(name string) (AccountConfig, bool) {
	switch name {
	case "A":
		return m.AccountA, m.AccountA.Enabled
	case "B":
		return m.AccountB, m.AccountB.Enabled
	default:
		return AccountConfig{}, false
	}
}
