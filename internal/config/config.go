package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	cfg *Config
	mu  sync.RWMutex
)

// Config is the application configuration surface consumed by the import
// pipeline. Importers, queues and ignore rules live in the database; this
// covers global defaults and process-level settings only.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Import        ImportConfig        `mapstructure:"import"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	OAuth2        OAuth2Config        `mapstructure:"oauth2"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3, mysql, postgres
	DSN    string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ImportConfig carries global mailbox defaults and pipeline policy flags.
// Per-importer settings override the box defaults when present.
type ImportConfig struct {
	// Fallbacks applied when an importer omits the matching field.
	BoxType     string `mapstructure:"box_type"`
	BoxHost     string `mapstructure:"box_host"`
	BoxUser     string `mapstructure:"box_user"`
	BoxPassword string `mapstructure:"box_password"`
	BoxSSL      bool   `mapstructure:"box_ssl"`

	// UpdateOnly drops unmatched inbound mail instead of opening tickets.
	UpdateOnly bool `mapstructure:"update_only"`
	// FullFirstMessage keeps the complete concatenation of reply fragments
	// as the full body on the first message of a new thread.
	FullFirstMessage bool `mapstructure:"full_first_message"`
	// ArchiveOriginal attaches the raw inbound message as a .eml file.
	ArchiveOriginal bool `mapstructure:"archive_original"`

	MaxAttachmentBytes int64         `mapstructure:"max_attachment_bytes"`
	AttachmentDir      string        `mapstructure:"attachment_dir"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`

	// Debug forces immediate polling and leaves mailboxes untouched.
	Debug bool `mapstructure:"debug"`

	// Schedule is the cron expression used in serve mode.
	Schedule string `mapstructure:"schedule"`
}

type NotificationsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	From    string `mapstructure:"from"`
	SMTP    struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		TLSMode    string `mapstructure:"tls_mode"` // none, starttls, smtps
		SkipVerify bool   `mapstructure:"skip_verify"`
	} `mapstructure:"smtp"`
}

type OAuth2Config struct {
	TokenEndpoint string        `mapstructure:"token_endpoint"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// Load reads configuration from the given path (or the defaults search path
// when empty) plus MAILDESK_* environment overrides.
func Load(configPath string) error {
	v := viper.New()
	v.SetConfigName("maildesk")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/maildesk")
	}
	v.SetEnvPrefix("MAILDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return err
	}

	mu.Lock()
	cfg = loaded
	mu.Unlock()
	return nil
}

// Get returns the loaded configuration, or defaults when Load was never
// called (tests mostly).
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		v := viper.New()
		setDefaults(v)
		fallback := &Config{}
		_ = v.Unmarshal(fallback)
		return fallback
	}
	return cfg
}

// Set replaces the loaded configuration. Intended for tests.
func Set(c *Config) {
	mu.Lock()
	cfg = c
	mu.Unlock()
}

// Validate rejects configurations that cannot be partially applied.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "mysql", "postgres":
	case "":
		return fmt.Errorf("database driver is required")
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Import.MaxAttachmentBytes <= 0 {
		return fmt.Errorf("import.max_attachment_bytes must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "maildesk.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("import.update_only", false)
	v.SetDefault("import.full_first_message", false)
	v.SetDefault("import.archive_original", false)
	v.SetDefault("import.max_attachment_bytes", int64(25*1024*1024))
	v.SetDefault("import.attachment_dir", "data/attachments")
	v.SetDefault("import.dial_timeout", 30*time.Second)
	v.SetDefault("import.schedule", "0 */5 * * * *")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.smtp.port", 25)
	v.SetDefault("notifications.smtp.tls_mode", "starttls")

	v.SetDefault("oauth2.token_endpoint", "https://oauth2.googleapis.com/token")
	v.SetDefault("oauth2.timeout", 15*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9310")

	v.SetDefault("logging.level", "info")
}
