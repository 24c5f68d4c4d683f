package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/quernworks/quern/internal/domain"
)

// Config carries every knob for the worker daemon and the API server. All
// validation happens at load time; a Config that survived Load is safe to
// hand to the runtime.
type Config struct {
	Env      string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	// Worker runtime.
	Queues             []string       `env:"QUEUES" envSeparator:","`
	MinPriority        *int16         `env:"MIN_PRIORITY"`
	MaxPriority        *int16         `env:"MAX_PRIORITY"`
	MinThreads         int            `env:"MIN_THREADS" envDefault:"1" validate:"min=1,max=100"`
	MaxThreads         int            `env:"MAX_THREADS" envDefault:"8" validate:"min=1,max=100"`
	MaxThreadIdletime  time.Duration  `env:"MAX_THREAD_IDLETIME" envDefault:"60s" validate:"min=1s"`
	PollingInterval    time.Duration  `env:"POLLING_INTERVAL" envDefault:"60s" validate:"min=100ms"`
	PollingJitter      float64        `env:"POLLING_JITTER" envDefault:"0.1" validate:"min=0,max=0.5"`
	EnableListener     bool           `env:"ENABLE_LISTENER" envDefault:"true"`
	SetDBConnName      bool           `env:"SET_DB_CONNECTION_NAME" envDefault:"false"`
	WaitForTermination *time.Duration `env:"WAIT_FOR_TERMINATION"`

	DeleteCompletedJobs bool `env:"DELETE_COMPLETED_JOBS" envDefault:"false"`
	DeleteDiscardedJobs bool `env:"DELETE_DISCARDED_JOBS" envDefault:"false"`
	DeleteFailedJobs    bool `env:"DELETE_FAILED_JOBS" envDefault:"false"`

	DefaultQueuePriority int16         `env:"DEFAULT_QUEUE_PRIORITY" envDefault:"16383" validate:"min=1,max=32767"`
	HealthcheckTimeout   time.Duration `env:"HEALTHCHECK_TIMEOUT" envDefault:"30m" validate:"min=1m"`

	// Janitor.
	JanitorSchedule string        `env:"JANITOR_SCHEDULE" envDefault:"@every 4m"`
	WorkerRetention time.Duration `env:"WORKER_RETENTION" envDefault:"4m" validate:"min=1m"`
	JobRetention    time.Duration `env:"JOB_RETENTION" envDefault:"48h" validate:"min=1m"`
	PurgeStatuses   []string      `env:"PURGE_STATUSES" envSeparator:"," envDefault:"c,d"`

	// HTTP surfaces.
	Port        string `env:"PORT" envDefault:"8080"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	StatusPort  string `env:"STATUS_PORT" envDefault:"8767"`
	JWTSecret   string `env:"JWT_SECRET" validate:"omitempty,min=32"`

	// Fatal-error notifier. Emails go out only when NotifyEmailTo is set and
	// ENV is not local.
	NotifyEmailTo string `env:"NOTIFY_EMAIL_TO" validate:"omitempty,email"`
	ResendAPIKey  string `env:"RESEND_API_KEY"`
	ResendFrom    string `env:"RESEND_FROM"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate covers the cross-field and list-element rules that struct tags
// cannot express.
func (c *Config) validate() error {
	if c.MinThreads > c.MaxThreads {
		return fmt.Errorf("MIN_THREADS %d above MAX_THREADS %d", c.MinThreads, c.MaxThreads)
	}
	for _, q := range c.Queues {
		if q == "" || len(q) > domain.MaxQueueNameLength {
			return fmt.Errorf("queue %q: %w", q, domain.ErrInvalidQueue)
		}
	}
	for _, p := range []*int16{c.MinPriority, c.MaxPriority} {
		if p != nil && (*p < domain.MinPriority || *p > domain.MaxPriority) {
			return fmt.Errorf("priority %d: %w", *p, domain.ErrInvalidPriority)
		}
	}
	if c.MinPriority != nil && c.MaxPriority != nil && *c.MinPriority > *c.MaxPriority {
		return fmt.Errorf("MIN_PRIORITY %d above MAX_PRIORITY %d", *c.MinPriority, *c.MaxPriority)
	}
	for _, s := range c.PurgeStatuses {
		switch domain.JobStatus(s) {
		case domain.JobCompleted, domain.JobFailed, domain.JobDiscarded:
		default:
			return fmt.Errorf("PURGE_STATUSES %q: only terminal statuses (c,f,d) can be purged", s)
		}
	}
	if c.WaitForTermination != nil && *c.WaitForTermination < 0 {
		return fmt.Errorf("WAIT_FOR_TERMINATION must not be negative")
	}
	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PurgeJobStatuses converts the raw PURGE_STATUSES codes for the janitor.
func (c *Config) PurgeJobStatuses() []domain.JobStatus {
	out := make([]domain.JobStatus, 0, len(c.PurgeStatuses))
	for _, s := range c.PurgeStatuses {
		out = append(out, domain.JobStatus(s))
	}
	return out
}
