package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/notesync/internal/kbsync"
	"github.com/starford/notesync/internal/session"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Data   DataConfig        `yaml:"data"`
	Remote RemoteConfig      `yaml:"remote"`
	Sync   SyncConfig        `yaml:"sync"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	// LogFile, when set, receives the JSON log instead of stdout. The file
	// is rotated by size.
	LogFile      string     `yaml:"log_file"`
	LogMaxSizeMB int        `yaml:"log_max_size_mb"`
	HTTP         HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.LogMaxSizeMB, validation.Min(0)),
	); err != nil {
		return err
	}
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

// DataConfig locates the local store: the SQLite ledger and the directory
// holding note bodies and resources.
type DataConfig struct {
	DBPath  string `yaml:"db_path"`
	BlobDir string `yaml:"blob_dir"`
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DBPath, validation.Required),
		validation.Field(&c.BlobDir, validation.Required),
	)
}

// RemoteConfig holds settings of the account and knowledge servers.
type RemoteConfig struct {
	// Server is the account server used by the bind command when none is
	// given on the command line.
	Server         string        `yaml:"server"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ClientVersion  string        `yaml:"client_version"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(httpURL)),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Second)),
	)
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

// SyncConfig tunes the sync engine and its scheduling.
type SyncConfig struct {
	Debounce            time.Duration `yaml:"debounce"`
	LockTimeout         time.Duration `yaml:"lock_timeout"`
	PageSize            int           `yaml:"page_size"`
	SyncTags            bool          `yaml:"sync_tags"`
	DownloadResources   bool          `yaml:"download_resources"`
	ResourceConcurrency int           `yaml:"resource_concurrency"`
	// WatchBlobs re-indexes note bodies edited outside the application.
	WatchBlobs bool `yaml:"watch_blobs"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.LockTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PageSize, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&c.ResourceConcurrency, validation.Required, validation.Min(1), validation.Max(32)),
	)
}

// Engine returns the engine configuration derived from c.
func (c *SyncConfig) Engine() kbsync.Config {
	return kbsync.Config{
		PageSize:            c.PageSize,
		SyncTags:            c.SyncTags,
		DownloadResources:   c.DownloadResources,
		ResourceConcurrency: c.ResourceConcurrency,
		LockTimeout:         c.LockTimeout,
	}
}

// AuthConfig holds authentication configuration of the local API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:     slog.LevelInfo,
			LogMaxSizeMB: 50,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Data: DataConfig{
			DBPath:  "./data/index.db",
			BlobDir: "./data/notes",
		},
		Remote: RemoteConfig{
			RequestTimeout: 60 * time.Second,
		},
		Sync: SyncConfig{
			Debounce:            session.DefaultDebounce,
			LockTimeout:         30 * time.Second,
			PageSize:            100,
			SyncTags:            true,
			DownloadResources:   true,
			ResourceConcurrency: 4,
			WatchBlobs:          true,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
