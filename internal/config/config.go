package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	// Control-plane bind endpoint
	Listen string `mapstructure:"listen"`

	// Display geometry reported in the banner and applied to the guest
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
	DPI    int `mapstructure:"dpi"`

	// Guest rootfs directory (overrides the active profile when set)
	Rootfs string `mapstructure:"rootfs"`

	// Daemon data directory: rootfs trees, sockets, staged archives
	DataDir string `mapstructure:"data-dir"`

	// Renderer loader shared object
	Loader string `mapstructure:"loader"`

	// Binding launcher binary; empty runs the guest init directly
	Launcher string `mapstructure:"launcher"`

	// Archive to materialize into the rootfs before starting
	ExtractRootfs string `mapstructure:"extract-rootfs"`

	// Setup mode: serve the control plane without launching the guest
	Setup bool `mapstructure:"setup"`

	// Attach the screen streamer to client sessions
	Stream bool `mapstructure:"stream"`

	Verbose bool `mapstructure:"verbose"`

	// S3 staging source for fetch-rom
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// FSM configuration for install-rom
	FSMDBPath     string `mapstructure:"fsm-db-path"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// Timeouts in seconds
	BootTimeoutSec int `mapstructure:"boot-timeout"`
	ReadTimeoutSec int `mapstructure:"read-timeout"`
}

// Load reads configuration from environment, config file, and defaults.
func Load() (*Config, error) {
	viper.SetDefault("listen", "0.0.0.0:9876")
	viper.SetDefault("width", 720)
	viper.SetDefault("height", 1280)
	viper.SetDefault("dpi", 320)
	viper.SetDefault("data-dir", "/data/data/io.twoyi")
	viper.SetDefault("stream", true)
	viper.SetDefault("s3-bucket", "twoyi-roms")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("boot-timeout", 15)
	viper.SetDefault("read-timeout", 30)

	// Environment variables (TWOYI_LISTEN, TWOYI_DATA_DIR, ...)
	viper.SetEnvPrefix("TWOYI")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.twoyi")
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for startup errors.
func (c *Config) Validate() error {
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if host == "" {
		return fmt.Errorf("listen address %q has no host", c.Listen)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("listen port %q out of range", port)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("display geometry %dx%d must be positive", c.Width, c.Height)
	}
	if c.DPI <= 0 {
		return fmt.Errorf("dpi must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.BootTimeoutSec <= 0 || c.ReadTimeoutSec <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}
