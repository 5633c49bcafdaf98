package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Server ServerConfig      `yaml:"server"`
	Client ClientConfig      `yaml:"client"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ServerConfig holds the sync server's store and authentication.
type ServerConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
	Auth   AuthConfig   `yaml:"auth"`
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): every request acts as DefaultOwner, suitable for local dev.
//   - "token": Bearer token authentication; Tokens maps each token to its owner.
type AuthConfig struct {
	Mode         string            `yaml:"mode"`
	Tokens       map[string]string `yaml:"tokens"`
	DefaultOwner string            `yaml:"default_owner"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if c.DefaultOwner == "" {
		c.DefaultOwner = "local"
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && len(c.Tokens) == 0 {
		return fmt.Errorf("auth: mode is %q but no tokens are configured", AuthModeToken)
	}
	for token, owner := range c.Tokens {
		if token == "" || owner == "" {
			return errors.New("auth: tokens must map a non-empty token to a non-empty owner")
		}
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// ClientConfig holds the sync client's local store and server connection.
type ClientConfig struct {
	SQLite         SQLiteConfig  `yaml:"sqlite"`
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ImportDir      string        `yaml:"import_dir"`
	AssetsDir      string        `yaml:"assets_dir"`
	ListenEvents   bool          `yaml:"listen_events"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.ServerURL, validation.Required, validation.By(httpURL)),
		validation.Field(&c.SyncInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RequestTimeout, validation.Min(time.Duration(0))),
	)
}

func httpURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Server: ServerConfig{
			SQLite: SQLiteConfig{Path: "./sowilo-server.db"},
			Auth: AuthConfig{
				Mode:         AuthModeDisabled,
				DefaultOwner: "local",
			},
		},
		Client: ClientConfig{
			SQLite:         SQLiteConfig{Path: "./sowilo-client.db"},
			ServerURL:      "http://localhost:8080",
			SyncInterval:   30 * time.Second,
			RequestTimeout: 60 * time.Second,
			ListenEvents:   true,
		},
	}
}
