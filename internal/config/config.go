package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPPort       int    `json:"http_port" validate:"gte=0,lte=65535"`
	MetricsPort    int    `json:"metrics_port" validate:"gte=0,lte=65535"`
	LogLevel       string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat      string `json:"log_format" validate:"oneof=json text"`
	DBPath         string `json:"db_path" validate:"required"`
	EncryptionKey  string `json:"encryption_key" validate:"required,len=32"`
	DispatchSecret string `json:"dispatch_secret" validate:"required,min=16"`

	Auth struct {
		ClientID     string   `json:"client_id" validate:"required"`
		ClientSecret string   `json:"client_secret"`
		AuthURL      string   `json:"auth_url" validate:"required,url"`
		TokenURL     string   `json:"token_url" validate:"required,url"`
		RedirectURL  string   `json:"redirect_url" validate:"required,url"`
		Scopes       []string `json:"scopes"`
		Timeout      Duration `json:"timeout" validate:"min=1s"`
	} `json:"auth"`

	Publisher struct {
		Endpoint string   `json:"endpoint" validate:"required,url"`
		Timeout  Duration `json:"timeout" validate:"min=1s"`
	} `json:"publisher"`

	Dispatch struct {
		BatchSize          int      `json:"batch_size" validate:"min=1"`
		MaxBatchesPerRun   int      `json:"max_batches_per_run" validate:"min=1"`
		ExpirySkew         Duration `json:"expiry_skew" validate:"gte=0"`
		ErrorMessageMaxLen int      `json:"error_message_max_len" validate:"min=1"`
		Concurrency        int      `json:"concurrency" validate:"min=1"`
		ClaimRows          bool     `json:"claim_rows"`
		ClaimTimeout       Duration `json:"claim_timeout" validate:"min=1m"`
		Schedule           string   `json:"schedule" validate:"required"`
		// PostedRetention is how long published rows are kept; zero keeps them.
		PostedRetention    Duration `json:"posted_retention" validate:"gte=0"`
	} `json:"dispatch"`
}

// Duration is a wrapper around time.Duration that implements JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used for anything the file and the
// environment leave unset. Secrets and provider URLs have no defaults.
func Default() *Config {
	var c Config
	c.HTTPPort = 8080
	c.MetricsPort = 9090
	c.LogLevel = "info"
	c.LogFormat = "json"
	c.DBPath = "postscheduler.db"

	c.Auth.Scopes = []string{"tweet.read", "tweet.write", "users.read", "offline.access"}
	c.Auth.Timeout = Duration{10 * time.Second}

	c.Publisher.Timeout = Duration{15 * time.Second}

	c.Dispatch.BatchSize = 50
	c.Dispatch.MaxBatchesPerRun = 20
	c.Dispatch.ExpirySkew = Duration{5 * time.Minute}
	c.Dispatch.ErrorMessageMaxLen = 500
	c.Dispatch.Concurrency = 1
	c.Dispatch.ClaimRows = true
	c.Dispatch.ClaimTimeout = Duration{10 * time.Minute}
	c.Dispatch.Schedule = "* * * * *"
	c.Dispatch.PostedRetention = Duration{30 * 24 * time.Hour}
	return &c
}

// Load builds the configuration from defaults, the optional JSON file at
// path, a .env file in the working directory and the process environment,
// in that order, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// .env never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := parseInt(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	setDuration := func(key string, dst *Duration) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = Duration{d}
		return nil
	}

	setString("DB_PATH", &c.DBPath)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)
	setString("ENCRYPTION_KEY", &c.EncryptionKey)
	setString("DISPATCH_SECRET", &c.DispatchSecret)
	setString("AUTH_CLIENT_ID", &c.Auth.ClientID)
	setString("AUTH_CLIENT_SECRET", &c.Auth.ClientSecret)
	setString("PUBLISHER_ENDPOINT", &c.Publisher.Endpoint)
	setString("DISPATCH_SCHEDULE", &c.Dispatch.Schedule)

	if err := setInt("HTTP_PORT", &c.HTTPPort); err != nil {
		return err
	}
	if err := setInt("METRICS_PORT", &c.MetricsPort); err != nil {
		return err
	}
	if err := setInt("DISPATCH_BATCH_SIZE", &c.Dispatch.BatchSize); err != nil {
		return err
	}
	if err := setInt("DISPATCH_MAX_BATCHES", &c.Dispatch.MaxBatchesPerRun); err != nil {
		return err
	}
	return setDuration("DISPATCH_EXPIRY_SKEW", &c.Dispatch.ExpirySkew)
}

// validate checks the configuration for errors.
func (c *Config) validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for _, scope := range c.Auth.Scopes {
		if strings.TrimSpace(scope) == "" {
			return fmt.Errorf("auth scopes must not contain blank entries")
		}
	}

	return nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
