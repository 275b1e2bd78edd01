package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// FHIREndpoints is the comma-separated set of FHIR base URLs users may
	// pick from. The selection is per session; FHIRDefaultEndpoint seeds new
	// sessions and must be a member of the set.
	FHIREndpoints       string `mapstructure:"FHIR_ENDPOINTS"`
	FHIRDefaultEndpoint string `mapstructure:"FHIR_DEFAULT_ENDPOINT"`
	FHIRTimeoutSeconds  int    `mapstructure:"FHIR_TIMEOUT_SECONDS"`
	FHIRPatientProfile  string `mapstructure:"FHIR_PATIENT_PROFILE"`

	DefaultPageSize    int `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize        int `mapstructure:"MAX_PAGE_SIZE"`
	EncounterPageSize  int `mapstructure:"ENCOUNTER_PAGE_SIZE"`
	RequestTimeoutSecs int `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	SessionTTLMinutes int `mapstructure:"SESSION_TTL_MINUTES"`

	// DATABASE_URL is optional. When set, the active-server preference is
	// persisted in PostgreSQL; when empty, it lives in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FHIR_ENDPOINTS", "https://hapi.fhir.org/baseR4,https://server.fire.ly")
	v.SetDefault("FHIR_TIMEOUT_SECONDS", 30)
	v.SetDefault("DEFAULT_PAGE_SIZE", 25)
	v.SetDefault("MAX_PAGE_SIZE", 100)
	v.SetDefault("ENCOUNTER_PAGE_SIZE", 50)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SESSION_TTL_MINUTES", 720)
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("FHIR_ENDPOINTS")
	v.BindEnv("FHIR_DEFAULT_ENDPOINT")
	v.BindEnv("FHIR_TIMEOUT_SECONDS")
	v.BindEnv("FHIR_PATIENT_PROFILE")
	v.BindEnv("DEFAULT_PAGE_SIZE")
	v.BindEnv("MAX_PAGE_SIZE")
	v.BindEnv("ENCOUNTER_PAGE_SIZE")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("SESSION_TTL_MINUTES")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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

// Endpoints returns the configured FHIR base URLs, normalized: surrounding
// whitespace and trailing slashes trimmed, blanks skipped, duplicates
// dropped while preserving order.
func (c *Config) Endpoints() []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(c.FHIREndpoints, ",") {
		e := strings.TrimRight(strings.TrimSpace(raw), "/")
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// DefaultEndpoint returns the base URL new sessions start on.
func (c *Config) DefaultEndpoint() string {
	endpoints := c.Endpoints()
	if len(endpoints) == 0 {
		return ""
	}
	def := strings.TrimRight(strings.TrimSpace(c.FHIRDefaultEndpoint), "/")
	for _, e := range endpoints {
		if e == def {
			return def
		}
	}
	return endpoints[0]
}

// FHIRTimeout returns the outbound request timeout.
func (c *Config) FHIRTimeout() time.Duration {
	return time.Duration(c.FHIRTimeoutSeconds) * time.Second
}

// RequestTimeout returns the inbound request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// SessionTTL returns how long an idle browser session is kept.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}

	endpoints := c.Endpoints()
	if len(endpoints) == 0 {
		return fmt.Errorf("FHIR_ENDPOINTS must list at least one FHIR base URL")
	}
	for _, e := range endpoints {
		if !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
			return fmt.Errorf("FHIR_ENDPOINTS entries must be absolute http(s) URLs, got %q", e)
		}
	}

	if def := strings.TrimRight(strings.TrimSpace(c.FHIRDefaultEndpoint), "/"); def != "" {
		found := false
		for _, e := range endpoints {
			if e == def {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("FHIR_DEFAULT_ENDPOINT %q is not a member of FHIR_ENDPOINTS", def)
		}
	}

	if c.DefaultPageSize < 1 {
		return fmt.Errorf("DEFAULT_PAGE_SIZE must be positive, got %d", c.DefaultPageSize)
	}
	if c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("MAX_PAGE_SIZE (%d) must be at least DEFAULT_PAGE_SIZE (%d)", c.MaxPageSize, c.DefaultPageSize)
	}
	if c.EncounterPageSize < 1 {
		return fmt.Errorf("ENCOUNTER_PAGE_SIZE must be positive, got %d", c.EncounterPageSize)
	}

	if c.FHIRTimeoutSeconds < 1 {
		return fmt.Errorf("FHIR_TIMEOUT_SECONDS must be positive, got %d", c.FHIRTimeoutSeconds)
	}
	if c.RequestTimeoutSecs < c.FHIRTimeoutSeconds {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS (%d) must be at least FHIR_TIMEOUT_SECONDS (%d), or upstream calls are cut off mid-flight", c.RequestTimeoutSecs, c.FHIRTimeoutSeconds)
	}

	if c.SessionTTLMinutes < 1 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive, got %d", c.SessionTTLMinutes)
	}

	if c.DatabaseURL != "" && c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be positive when DATABASE_URL is set, got %d", c.DBMaxConns)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return nil
}
