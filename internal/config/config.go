// Package config loads tracker settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when neither the file nor the environment sets a
// value.
const (
	DefaultTimezone   = "America/New_York"
	DefaultBaseURL    = "https://www.beeminder.com"
	DefaultDataDir    = "data"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultPort       = "8080"
	DefaultRunRetries = 1
)

// BeeminderConfig identifies the goal and tunes the HTTP client.
type BeeminderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Username  string        `yaml:"username"`
	AuthToken string        `yaml:"auth_token"`
	GoalSlug  string        `yaml:"goal_slug"`
	Timeout   time.Duration `yaml:"timeout"`     // per request
	Retries   int           `yaml:"max_retries"` // transient failures only
}

// StateConfig selects where the local database and last-run marker live.
type StateConfig struct {
	Dir    string `yaml:"dir"`    // local directory, used when Bucket is empty
	Bucket string `yaml:"bucket"` // optional GCS bucket
	Prefix string `yaml:"prefix"` // object prefix inside Bucket
}

// HistoryConfig points at the BigQuery dataset holding run history.
type HistoryConfig struct {
	Project string `yaml:"project"` // BigQuery project; empty disables history
	Dataset string `yaml:"dataset"`
}

// ServerConfig configures the trigger server started by "tracker serve".
type ServerConfig struct {
	Port  string `yaml:"port"`
	Token string `yaml:"token"` // bearer token for trigger requests; empty disables auth
	// RunRetries is how often a failed triggered run is re-queued.
	RunRetries int `yaml:"run_retries"`
}

// Config is the full tracker configuration.
type Config struct {
	Timezone        string          `yaml:"timezone"`
	LogLevel        string          `yaml:"log_level"`
	CredentialsFile string          `yaml:"credentials_file"` // Google service account key, optional
	Beeminder       BeeminderConfig `yaml:"beeminder"`
	State           StateConfig     `yaml:"state"`
	History         HistoryConfig   `yaml:"history"`
	Server          ServerConfig    `yaml:"server"`

	// Location is Timezone resolved by Load.
	Location *time.Location `yaml:"-"`
}

// Load reads the optional YAML file at path, applies environment overrides
// through getenv and fills in defaults. An empty path skips the file.
func Load(path string, getenv func(string) string) (Config, error) {
	// Preset so explicit zero retry counts survive.
	c := Config{
		Beeminder: BeeminderConfig{Retries: DefaultMaxRetries},
		Server:    ServerConfig{RunRetries: DefaultRunRetries},
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := c.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	c.applyDefaults()

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Beeminder.Username, "BEEMINDER_USERNAME")
	set(&c.Beeminder.AuthToken, "BEEMINDER_AUTH_TOKEN")
	set(&c.Beeminder.GoalSlug, "BEEMINDER_GOAL_SLUG")
	set(&c.Beeminder.BaseURL, "BEEMINDER_BASE_URL")
	set(&c.Timezone, "TIMEZONE")
	set(&c.LogLevel, "LOG_LEVEL")
	set(&c.State.Dir, "DATA_DIR")
	set(&c.State.Bucket, "STATE_BUCKET")
	set(&c.State.Prefix, "STATE_PREFIX")
	set(&c.History.Project, "BQ_PROJECT")
	set(&c.History.Dataset, "BQ_DATASET")
	set(&c.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS_FILE")
	set(&c.Server.Port, "PORT")
	set(&c.Server.Token, "TRIGGER_TOKEN")

	if v := strings.TrimSpace(getenv("HTTP_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_TIMEOUT %q: %w", v, err)
		}
		c.Beeminder.Timeout = d
	}
	if v := strings.TrimSpace(getenv("MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid MAX_RETRIES %q", v)
		}
		c.Beeminder.Retries = n
	}
	if v := strings.TrimSpace(getenv("RUN_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid RUN_RETRIES %q", v)
		}
		c.Server.RunRetries = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Beeminder.BaseURL == "" {
		c.Beeminder.BaseURL = DefaultBaseURL
	}
	if c.Beeminder.Timeout <= 0 {
		c.Beeminder.Timeout = DefaultTimeout
	}
	if c.State.Dir == "" {
		c.State.Dir = DefaultDataDir
	}
	if c.Server.Port == "" {
		c.Server.Port = DefaultPort
	}
}

// Validate checks the settings a reconciliation run needs.
func (c Config) Validate() error {
	var missing []string
	if c.Beeminder.Username == "" {
		missing = append(missing, "BEEMINDER_USERNAME")
	}
	if c.Beeminder.AuthToken == "" {
		missing = append(missing, "BEEMINDER_AUTH_TOKEN")
	}
	if c.Beeminder.GoalSlug == "" {
		missing = append(missing, "BEEMINDER_GOAL_SLUG")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	if (c.History.Project == "") != (c.History.Dataset == "") {
		return errors.New("history needs both BQ_PROJECT and BQ_DATASET")
	}
	return nil
}

// HistoryEnabled reports whether runs are recorded to BigQuery.
func (c Config) HistoryEnabled() bool {
	return c.History.Project != "" && c.History.Dataset != ""
}
