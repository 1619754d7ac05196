// Package config loads server settings.
//
// SOURCES, lowest precedence first:
//  1. built-in defaults
//  2. the YAML file named by CONFIG_FILE, if any
//  3. environment variables (main loads .env into the environment first)
//
// Load only fails on a PORT it cannot parse, since without one there is
// nothing to serve the setup screen on. Every other unreadable value, and
// every missing or inconsistent setting, is reported by Validate as a
// ConfigurationError, which the server turns into the blocking setup screen
// instead of exiting.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/sakif/classhub/internal/apperror"
)

const (
	defaultPort            = 8080
	defaultDBPath          = "data/classhub.db"
	defaultLogLevel        = "info"
	defaultRotationCron    = "0 0 * * *"
	defaultMaxDocumentSize = 1 << 20 // 1 MiB
	defaultMaxFrameSize    = 8 << 20
	defaultSessionTTL      = 7 * 24 * time.Hour
	minJWTSecretLength     = 16
)

// SizeBytes is a byte count written as "1MiB", "512KB" or a plain integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) String() string {
	return humanize.IBytes(uint64(s))
}

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a time.Duration written as "168h" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CallbackURL  string `yaml:"callback_url"`
}

// Enabled reports whether both credentials are present.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type AuthConfig struct {
	JWTSecret  string      `yaml:"jwt_secret"`
	SessionTTL Duration    `yaml:"session_ttl"`
	GitHub     OAuthClient `yaml:"github"`
	Google     OAuthClient `yaml:"google"`
}

type Config struct {
	Port     int    `yaml:"port"`
	BaseURL  string `yaml:"base_url"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// AppID namespaces every stored room and message.
	AppID string `yaml:"app_id"`

	Timezone        string    `yaml:"timezone"`
	RotationCron    string    `yaml:"rotation_cron"`
	Topics          []string  `yaml:"topics"`
	MaxDocumentSize SizeBytes `yaml:"max_document_size"`

	// MaxFrameSize bounds one websocket frame. It sits well above
	// MaxDocumentSize so an oversized draft still reaches the message
	// service and comes back as a payload_too_large banner.
	MaxFrameSize SizeBytes `yaml:"max_frame_size"`

	AllowGuests    bool     `yaml:"allow_guests"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	Auth AuthConfig `yaml:"auth"`

	// loadErr is the first value Load could not parse.
	loadErr *apperror.AppError
}

// Default returns a Config with every optional setting filled in.
func Default() *Config {
	return &Config{
		Port:            defaultPort,
		DBPath:          defaultDBPath,
		LogLevel:        defaultLogLevel,
		RotationCron:    defaultRotationCron,
		MaxDocumentSize: defaultMaxDocumentSize,
		MaxFrameSize:    defaultMaxFrameSize,
		AllowGuests:     true,
		Auth: AuthConfig{
			SessionTTL: Duration(defaultSessionTTL),
		},
	}
}

// Load builds the Config from defaults, the CONFIG_FILE YAML file and the
// environment.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			cfg.invalid("CONFIG_FILE", err.Error())
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	cfg.fillDerived()
	return cfg, nil
}

// invalid records an unparseable setting. Only the first one is kept;
// Validate reports it ahead of every other check.
func (c *Config) invalid(field, message string) {
	if c.loadErr == nil {
		c.loadErr = apperror.Configuration(field, message)
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	// Decode into a copy so a half-read file leaves the defaults alone.
	next := *c
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	*c = next
	return nil
}

// applyEnv overlays every variable that is set. getenv is os.Getenv outside
// tests. Only an unparseable PORT is returned as an error; other bad values
// are recorded for Validate and leave the previous setting in place.
func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q", v)
		}
		c.Port = port
	}
	if v := getenv("ALLOW_GUESTS"); v != "" {
		if b, err := strconv.ParseBool(v); err != nil {
			c.invalid("ALLOW_GUESTS", fmt.Sprintf("ALLOW_GUESTS %q is not true or false", v))
		} else {
			c.AllowGuests = b
		}
	}
	if v := getenv("MAX_DOCUMENT_SIZE"); v != "" {
		if size, err := parseSize(v); err != nil {
			c.invalid("MAX_DOCUMENT_SIZE", fmt.Sprintf("MAX_DOCUMENT_SIZE %q is not a size such as 1MiB", v))
		} else {
			c.MaxDocumentSize = size
		}
	}
	if v := getenv("MAX_FRAME_SIZE"); v != "" {
		if size, err := parseSize(v); err != nil {
			c.invalid("MAX_FRAME_SIZE", fmt.Sprintf("MAX_FRAME_SIZE %q is not a size such as 8MiB", v))
		} else {
			c.MaxFrameSize = size
		}
	}
	if v := getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			c.invalid("SESSION_TTL", fmt.Sprintf("SESSION_TTL %q is not a duration such as 168h", v))
		} else {
			c.Auth.SessionTTL = Duration(d)
		}
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := getenv("TOPICS"); v != "" {
		c.Topics = splitList(v)
	}

	setString("BASE_URL", &c.BaseURL)
	setString("DB_PATH", &c.DBPath)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("APP_ID", &c.AppID)
	setString("TIMEZONE", &c.Timezone)
	setString("ROTATION_CRON", &c.RotationCron)
	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("GITHUB_CLIENT_ID", &c.Auth.GitHub.ClientID)
	setString("GITHUB_CLIENT_SECRET", &c.Auth.GitHub.ClientSecret)
	setString("GITHUB_CALLBACK_URL", &c.Auth.GitHub.CallbackURL)
	setString("GOOGLE_CLIENT_ID", &c.Auth.Google.ClientID)
	setString("GOOGLE_CLIENT_SECRET", &c.Auth.Google.ClientSecret)
	setString("GOOGLE_CALLBACK_URL", &c.Auth.Google.CallbackURL)
	return nil
}

// fillDerived computes settings that default from others.
func (c *Config) fillDerived() {
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Auth.GitHub.CallbackURL == "" {
		c.Auth.GitHub.CallbackURL = c.BaseURL + "/auth/github/callback"
	}
	if c.Auth.Google.CallbackURL == "" {
		c.Auth.Google.CallbackURL = c.BaseURL + "/auth/google/callback"
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first missing or invalid setting as a
// ConfigurationError naming the setting.
func (c *Config) Validate() error {
	if c.loadErr != nil {
		return c.loadErr
	}
	if c.AppID == "" {
		return apperror.Configuration("APP_ID", "APP_ID is not set; choose a deployment identifier for this ClassHub instance")
	}
	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return apperror.Configuration("JWT_SECRET",
			fmt.Sprintf("JWT_SECRET must be at least %d characters (try: openssl rand -hex 32)", minJWTSecretLength))
	}
	if !c.AllowGuests && !c.Auth.GitHub.Enabled() && !c.Auth.Google.Enabled() {
		return apperror.Configuration("auth",
			"no sign-in method is available; set GitHub or Google OAuth credentials or enable ALLOW_GUESTS")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return apperror.Configuration("PORT", fmt.Sprintf("PORT %d is out of range", c.Port))
	}
	if c.MaxDocumentSize <= 0 {
		return apperror.Configuration("MAX_DOCUMENT_SIZE", "MAX_DOCUMENT_SIZE must be positive")
	}
	if c.MaxFrameSize <= c.MaxDocumentSize {
		return apperror.Configuration("MAX_FRAME_SIZE",
			fmt.Sprintf("MAX_FRAME_SIZE (%s) must be larger than MAX_DOCUMENT_SIZE (%s)", c.MaxFrameSize, c.MaxDocumentSize))
	}
	if !gronx.IsValid(c.RotationCron) {
		return apperror.Configuration("ROTATION_CRON", fmt.Sprintf("ROTATION_CRON %q is not a valid cron expression", c.RotationCron))
	}
	if _, err := c.Location(); err != nil {
		return apperror.Configuration("TIMEZONE", fmt.Sprintf("TIMEZONE %q is not a known time zone", c.Timezone))
	}
	return nil
}

// Location is the time zone calendar days are computed in. An empty
// Timezone means the server's local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// SessionTTL is the lifetime of session cookies.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTL)
}
