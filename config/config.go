package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level TOML configuration for the archiver.
type Config struct {
	// Gateway endpoints, tried in order on connection failure
	GatewayHosts    []string `toml:"gateway_hosts"`
	GatewayCompress bool     `toml:"gateway_compress"`
	UserAgent       string   `toml:"user_agent,omitempty"`

	// Channel usernames to archive
	Channels []string `toml:"channels"`

	// Media kinds worth downloading: photo, video, document
	MediaTypes []string `toml:"media_types,omitempty"`

	Database     string `toml:"database,omitempty"`
	DownloadPath string `toml:"download_path,omitempty"`
	OutputPath   string `toml:"output_path,omitempty"`

	BackfillLimit int `toml:"backfill_limit,omitempty"`
	RenderLimit   int `toml:"render_limit,omitempty"`

	RetryAttempts int      `toml:"retry_attempts,omitempty"`
	RetryDelay    duration `toml:"retry_delay,omitempty"`
}

// duration lets TOML carry values like "2s"
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults applied for any field the file leaves unset.
const (
	DefaultDatabase      = "archive.db"
	DefaultDownloadPath  = "downloads"
	DefaultOutputPath    = "."
	DefaultBackfillLimit = 100
	DefaultRenderLimit   = 5000
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.DownloadPath == "" {
		c.DownloadPath = DefaultDownloadPath
	}
	if c.OutputPath == "" {
		c.OutputPath = DefaultOutputPath
	}
	if c.BackfillLimit == 0 {
		c.BackfillLimit = DefaultBackfillLimit
	}
	if c.RenderLimit == 0 {
		c.RenderLimit = DefaultRenderLimit
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay.Duration == 0 {
		c.RetryDelay.Duration = DefaultRetryDelay
	}
}

// Validate reports configuration errors that must abort startup.
func (c *Config) Validate() error {
	if len(c.GatewayHosts) == 0 {
		return fmt.Errorf("config: gateway_hosts must list at least one endpoint")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: channels must list at least one channel")
	}
	for _, mt := range c.MediaTypes {
		switch mt {
		case "photo", "video", "document":
		default:
			return fmt.Errorf("config: unknown media type %q", mt)
		}
	}
	return nil
}

// RetryDelayDuration returns the configured base delay between processing
// attempts.
func (c *Config) RetryDelayDuration() time.Duration {
	return c.RetryDelay.Duration
}
