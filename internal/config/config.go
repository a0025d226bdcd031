package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/timeline/internal/timeline"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	// Fan-out
	Workers   int `mapstructure:"WORKERS"`
	ChunkSize int `mapstructure:"CHUNK_SIZE"`

	// Engine defaults, overridable per request. Lengths are axis units or,
	// on the datetime axis, durations such as "15m".
	GapTolerance  string `mapstructure:"GAP_TOLERANCE"`
	Granularity   string `mapstructure:"GRANULARITY"`
	MaxLen        string `mapstructure:"MAX_LEN"`
	Resolution    string `mapstructure:"RESOLUTION"`
	Snap          string `mapstructure:"SNAP"`
	PriorityField string `mapstructure:"PRIORITY_FIELD"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"WORKERS", "CHUNK_SIZE", "GAP_TOLERANCE", "GRANULARITY", "MAX_LEN", "RESOLUTION",
	"SNAP", "PRIORITY_FIELD",
}

// Load reads the environment and an optional .env file. DATABASE_URL is not
// required here because file-mode commands run without a database; server
// commands call RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "8M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("WORKERS", 0)
	v.SetDefault("CHUNK_SIZE", 64)
	v.SetDefault("RESOLUTION", string(timeline.ResolutionMinute))
	v.SetDefault("PRIORITY_FIELD", timeline.DefaultPriorityField)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one comma separated string.
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, API requests are authenticated as a local admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase reports a missing DATABASE_URL.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks that the configuration is safe to serve with. Outside
// development a signing key or a JWKS URL is required so that bearer tokens
// are verified.
func (c *Config) Validate() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if c.Workers < 0 {
		return fmt.Errorf("WORKERS must not be negative, got %d", c.Workers)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	_, err := c.EngineDefaults(timeline.AxisTime)
	return err
}

// EngineDefaults returns validated engine options seeded from the
// configuration. The mode is left for the caller.
func (c *Config) EngineDefaults(axis timeline.Axis) (timeline.Options, error) {
	res, err := timeline.ParseResolution(c.Resolution)
	if err != nil {
		return timeline.Options{}, err
	}
	opts := timeline.DefaultOptions()
	opts.Axis = axis
	opts.Resolution = res
	opts.PriorityField = c.PriorityField
	if axis == timeline.AxisTime {
		opts.Snap = timeline.Resolution(c.Snap)
	}
	lengths := []struct {
		name string
		val  string
		dst  *int64
	}{
		{"GAP_TOLERANCE", c.GapTolerance, &opts.GapTolerance},
		{"GRANULARITY", c.Granularity, &opts.Granularity},
		{"MAX_LEN", c.MaxLen, &opts.MaxLen},
	}
	for _, l := range lengths {
		n, err := timeline.Length(l.val).Resolve(axis)
		if err != nil {
			return timeline.Options{}, fmt.Errorf("%s: %w", l.name, err)
		}
		*l.dst = n
	}
	if err := opts.Validate(); err != nil {
		return timeline.Options{}, err
	}
	return opts, nil
}
