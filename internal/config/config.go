package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type App struct {
	Name          string
	MetricsPrefix string // prefix for every exported series, e.g. harbornotify_dlq_alerts_failed_total
	HTTPPort      string // :8080
	GRPCPort      string // :50051
	LogLevel      string
}

type DB struct {
	Driver     string // memory | postgres | sqlite
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SQLitePath string
}

type Redis struct {
	Addr        string // empty disables the redis audience directory
	Password    string
	DB          int
	AudienceKey string // set holding eligible recipient ids
}

type Audience struct {
	StaticIDs []string // eligible ids when no redis directory is configured
}

type NSQ struct {
	Enabled       bool
	NsqdTCPAddr   string // e.g. nsqd:4150
	StatusTopic   string // job status-changed events
	DLQTopic      string // dead-letter envelopes
	PublishStatus bool
	PublishDLQ    bool
}

type Worker struct {
	Workers        int           // concurrent delivery goroutines
	QueueSize      int           // buffered units waiting for a worker
	RatePerSec     float64       // transport calls per second, 0 = unlimited
	Burst          int           // limiter burst
	MaxAttempts    int           // attempt ceiling per recipient
	RetryBase      time.Duration // first retry delay
	RetryMax       time.Duration // backoff cap
	JitterPercent  float64       // backoff jitter (0.0-1.0)
	AttemptTimeout time.Duration // per transport call
}

type Webhook struct {
	URL             string // may contain {recipient}
	Secret          string
	SignatureHeader string
	TimestampHeader string
}

type Auth struct {
	Enabled       bool
	PublicKeyPath string
	PublicKeyPEM  string
	Issuer        string
	Audience      string
}

type Stats struct {
	Window time.Duration // 0 = all history
}

type Tracker struct {
	PruneTTL  time.Duration // terminal jobs older than this leave memory
	PruneSpec string        // cron spec for the prune sweep
}

type Tracing struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

type FakeReceiver struct {
	FailFirstN           int      // Number of requests to fail per recipient before succeeding
	PermanentRecipients  []string // recipients that always receive 410 Gone
	EndpointSecret       string   // Secret for webhook signature verification
	SigningLeewaySeconds int      // Allowed timestamp skew in seconds
	ResponseDelayMS      int      // Simulated response delay in milliseconds
	Port                 string
}

type Config struct {
	App          App
	DB           DB
	Redis        Redis
	Audience     Audience
	NSQ          NSQ
	Worker       Worker
	Webhook      Webhook
	Auth         Auth
	Stats        Stats
	Tracker      Tracker
	Tracing      Tracing
	FakeReceiver FakeReceiver
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "harbornotify")
	v.SetDefault("app.metrics_prefix", "harbornotify")
	v.SetDefault("app.http_port", ":8080")
	v.SetDefault("app.grpc_port", ":50051")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "harbornotify")
	v.SetDefault("db.sqlite_path", "harbornotify.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.audience_key", "harbornotify:audience:eligible")

	v.SetDefault("audience.static_ids", "")

	v.SetDefault("nsq.enabled", false)
	v.SetDefault("nsq.nsqd_tcp_addr", "nsqd:4150")
	v.SetDefault("nsq.status_topic", "harbornotify.job_status")
	v.SetDefault("nsq.dlq_topic", "harbornotify.dlq")
	v.SetDefault("nsq.publish_status", true)
	v.SetDefault("nsq.publish_dlq", true)

	v.SetDefault("worker.workers", 16)
	v.SetDefault("worker.queue_size", 1024)
	v.SetDefault("worker.rate_per_sec", 0.0)
	v.SetDefault("worker.burst", 1)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.retry_base", "1s")
	v.SetDefault("worker.retry_max", "5m")
	v.SetDefault("worker.jitter_percent", 0.25)
	v.SetDefault("worker.attempt_timeout", "10s")

	v.SetDefault("webhook.url", "http://fake-receiver:8081/hook/{recipient}")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-HarborNotify-Signature")
	v.SetDefault("webhook.timestamp_header", "X-HarborNotify-Timestamp")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.public_key_pem", "")
	v.SetDefault("auth.issuer", "harbornotify")
	v.SetDefault("auth.audience", "harbornotify-api")

	v.SetDefault("stats.window", "0s")

	v.SetDefault("tracker.prune_ttl", "1h")
	v.SetDefault("tracker.prune_spec", "@every 5m")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "notifyd")
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("fake_receiver.fail_first_n", 0)
	v.SetDefault("fake_receiver.permanent_recipients", "")
	v.SetDefault("fake_receiver.endpoint_secret", "")
	v.SetDefault("fake_receiver.signing_leeway_seconds", 300)
	v.SetDefault("fake_receiver.response_delay_ms", 0)
	v.SetDefault("fake_receiver.port", ":8081")
}

// Load reads defaults, an optional config file and the environment, in
// increasing precedence. Environment keys are the upper-cased dotted keys with
// dots replaced by underscores, e.g. WORKER_MAX_ATTEMPTS.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := Config{
		App: App{
			Name:          v.GetString("app.name"),
			MetricsPrefix: v.GetString("app.metrics_prefix"),
			HTTPPort:      v.GetString("app.http_port"),
			GRPCPort:      v.GetString("app.grpc_port"),
			LogLevel:      v.GetString("app.log_level"),
		},
		DB: DB{
			Driver:     strings.ToLower(v.GetString("db.driver")),
			User:       v.GetString("db.user"),
			Pass:       v.GetString("db.pass"),
			Host:       v.GetString("db.host"),
			Port:       v.GetString("db.port"),
			Name:       v.GetString("db.name"),
			SQLitePath: v.GetString("db.sqlite_path"),
		},
		Redis: Redis{
			Addr:        v.GetString("redis.addr"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			AudienceKey: v.GetString("redis.audience_key"),
		},
		Audience: Audience{
			StaticIDs: parseList(v.Get("audience.static_ids")),
		},
		NSQ: NSQ{
			Enabled:       v.GetBool("nsq.enabled"),
			NsqdTCPAddr:   v.GetString("nsq.nsqd_tcp_addr"),
			StatusTopic:   v.GetString("nsq.status_topic"),
			DLQTopic:      v.GetString("nsq.dlq_topic"),
			PublishStatus: v.GetBool("nsq.publish_status"),
			PublishDLQ:    v.GetBool("nsq.publish_dlq"),
		},
		Worker: Worker{
			Workers:        v.GetInt("worker.workers"),
			QueueSize:      v.GetInt("worker.queue_size"),
			RatePerSec:     v.GetFloat64("worker.rate_per_sec"),
			Burst:          v.GetInt("worker.burst"),
			MaxAttempts:    v.GetInt("worker.max_attempts"),
			RetryBase:      v.GetDuration("worker.retry_base"),
			RetryMax:       v.GetDuration("worker.retry_max"),
			JitterPercent:  v.GetFloat64("worker.jitter_percent"),
			AttemptTimeout: v.GetDuration("worker.attempt_timeout"),
		},
		Webhook: Webhook{
			URL:             v.GetString("webhook.url"),
			Secret:          v.GetString("webhook.secret"),
			SignatureHeader: v.GetString("webhook.signature_header"),
			TimestampHeader: v.GetString("webhook.timestamp_header"),
		},
		Auth: Auth{
			Enabled:       v.GetBool("auth.enabled"),
			PublicKeyPath: v.GetString("auth.public_key_path"),
			PublicKeyPEM:  v.GetString("auth.public_key_pem"),
			Issuer:        v.GetString("auth.issuer"),
			Audience:      v.GetString("auth.audience"),
		},
		Stats: Stats{
			Window: v.GetDuration("stats.window"),
		},
		Tracker: Tracker{
			PruneTTL:  v.GetDuration("tracker.prune_ttl"),
			PruneSpec: v.GetString("tracker.prune_spec"),
		},
		Tracing: Tracing{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
			Endpoint:    v.GetString("tracing.endpoint"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           v.GetInt("fake_receiver.fail_first_n"),
			PermanentRecipients:  parseList(v.Get("fake_receiver.permanent_recipients")),
			EndpointSecret:       v.GetString("fake_receiver.endpoint_secret"),
			SigningLeewaySeconds: v.GetInt("fake_receiver.signing_leeway_seconds"),
			ResponseDelayMS:      v.GetInt("fake_receiver.response_delay_ms"),
			Port:                 v.GetString("fake_receiver.port"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("db.driver %q: want memory, postgres or sqlite", c.DB.Driver)
	}
	if c.Worker.Workers < 1 {
		return fmt.Errorf("worker.workers must be >= 1, got %d", c.Worker.Workers)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1, got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.JitterPercent < 0 || c.Worker.JitterPercent > 1 {
		return fmt.Errorf("worker.jitter_percent must be within [0,1], got %v", c.Worker.JitterPercent)
	}
	if c.Stats.Window < 0 {
		return fmt.Errorf("stats.window must not be negative")
	}
	return nil
}

// parseList accepts either a YAML sequence or a comma separated string.
func parseList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	default:
		parts = strings.Split(fmt.Sprint(val), ",")
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
