package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Push     PushConfig
	Weather  WeatherConfig
	Sweep    SweepConfig
}

type ServerConfig struct {
	Port               string   `env:"PORT" envDefault:"8080"`
	Env                string   `env:"ENV" envDefault:"development"`
	CORSOrigins        []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	// TriggerSecret, when set, must be sent as X-Trigger-Token to start a sweep over HTTP.
	TriggerSecret string `env:"TRIGGER_SECRET"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `env:"STORE_DRIVER" envDefault:"postgres"`
	URL    string `env:"DATABASE_URL"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type PushConfig struct {
	VAPIDPublicKey  string        `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string        `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string        `env:"VAPID_SUBJECT" envDefault:"mailto:admin@example.com"`
	TTL             int           `env:"PUSH_TTL" envDefault:"3600"`
	Timeout         time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`
	IconBaseURL     string        `env:"ICON_BASE_URL" envDefault:"http://localhost:4200"`
	MinInterval     time.Duration `env:"MIN_PUSH_INTERVAL" envDefault:"10m"`
	SnapshotMaxAge  time.Duration `env:"SNAPSHOT_MAX_AGE" envDefault:"30m"`
	ManualAsync     bool          `env:"MANUAL_PUSH_ASYNC" envDefault:"false"`
}

type WeatherConfig struct {
	APIKey   string        `env:"OPENWEATHER_API_KEY"`
	BaseURL  string        `env:"OPENWEATHER_BASE_URL" envDefault:"https://api.openweathermap.org/data/2.5"`
	Units    string        `env:"OPENWEATHER_UNITS" envDefault:"metric"`
	Timeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"5s"`
	Retries  int           `env:"FETCH_RETRIES" envDefault:"2"`
	Backoff  time.Duration `env:"FETCH_BACKOFF" envDefault:"500ms"`
	CacheTTL time.Duration `env:"WEATHER_CACHE_TTL" envDefault:"1h"`
}

type SweepConfig struct {
	Schedule    string        `env:"SWEEP_SCHEDULE" envDefault:"@hourly"`
	Budget      time.Duration `env:"SWEEP_BUDGET" envDefault:"8s"`
	Concurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"8"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (*Config, bool, error) {
	loadedFile := godotenv.Load(files...) == nil

	cfg, err := Parse()
	return cfg, loadedFile, err
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Database.Driver))
	}

	if c.Weather.Retries < 0 {
		errs = append(errs, errors.New("FETCH_RETRIES must not be negative"))
	}
	if c.Sweep.Concurrency < 1 {
		errs = append(errs, errors.New("SWEEP_CONCURRENCY must be at least 1"))
	}
	if c.Sweep.Budget <= 0 {
		errs = append(errs, errors.New("SWEEP_BUDGET must be positive"))
	}
	if c.Server.RateLimitPerMinute < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be at least 1"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
