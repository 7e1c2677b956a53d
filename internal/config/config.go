package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from the environment; cmd flags override the basics.
type Config struct {
	Addr   string `env:"JOBFLOW_ADDR" envDefault:":8080"`
	DBPath string `env:"JOBFLOW_DB" envDefault:"jobflow.db"`

	PollEvery      time.Duration `env:"JOBFLOW_POLL_EVERY" envDefault:"2s"`
	MaxJobsPerTick int           `env:"JOBFLOW_MAX_JOBS_PER_TICK" envDefault:"10"`
	Workers        int           `env:"JOBFLOW_WORKERS" envDefault:"4"`
	HandlerTimeout time.Duration `env:"JOBFLOW_HANDLER_TIMEOUT" envDefault:"2m"`

	BackoffBase time.Duration `env:"JOBFLOW_BACKOFF_BASE" envDefault:"1s"`
	BackoffCap  time.Duration `env:"JOBFLOW_BACKOFF_CAP" envDefault:"60s"`
	MaxRetries  int           `env:"JOBFLOW_MAX_RETRIES" envDefault:"3"`

	LockTimeout   time.Duration `env:"JOBFLOW_LOCK_TIMEOUT" envDefault:"5m"`
	StaleEvery    time.Duration `env:"JOBFLOW_STALE_SWEEP_EVERY" envDefault:"1m"`
	Retention     time.Duration `env:"JOBFLOW_RETENTION" envDefault:"168h"`
	CleanupEvery  time.Duration `env:"JOBFLOW_CLEANUP_EVERY" envDefault:"24h"`
	ScheduleEvery time.Duration `env:"JOBFLOW_SCHEDULE_EVERY" envDefault:"30s"`

	RateLimitEnabled  bool          `env:"JOBFLOW_RATE_LIMIT_ENABLED" envDefault:"true"`
	RequestsPerMinute int           `env:"JOBFLOW_REQUESTS_PER_MINUTE" envDefault:"60"`
	RequestsPerHour   int           `env:"JOBFLOW_REQUESTS_PER_HOUR" envDefault:"1000"`
	RequestsPerDay    int           `env:"JOBFLOW_REQUESTS_PER_DAY" envDefault:"10000"`
	TokensPerMinute   int           `env:"JOBFLOW_TOKENS_PER_MINUTE" envDefault:"100000"`
	TokensPerHour     int           `env:"JOBFLOW_TOKENS_PER_HOUR" envDefault:"1000000"`
	TokensPerDay      int           `env:"JOBFLOW_TOKENS_PER_DAY" envDefault:"5000000"`
	UsageHorizon      time.Duration `env:"JOBFLOW_USAGE_HORIZON" envDefault:"25h"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
