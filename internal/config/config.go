// Package config holds the settings of a geopush run. Values come from a
// config file, GEOPUSH_ environment variables and command line flags, merged
// by viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/geopush/geopush/internal/changeset"
	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/uploader"
	"github.com/geopush/geopush/internal/utils"
	"github.com/spf13/viper"
)

const EnvPrefix = "GEOPUSH"

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".geopush")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "geopush.log")
	DefaultAPIURL      = "http://127.0.0.1:3000"
)

var (
	ErrInvalidURL    = errors.New("invalid api url")
	ErrMissingSecret = errors.New("password is required with username")
)

var summaryFormats = []string{"text", "yaml", "json"}

type Config struct {
	API       APIConfig    `mapstructure:"api"`
	Upload    UploadConfig `mapstructure:"upload"`
	Retry     RetryConfig  `mapstructure:"retry"`
	Journal   string       `mapstructure:"journal"`
	OutputDir string       `mapstructure:"output_dir"`
	LogFile   string       `mapstructure:"log_file"`
	// SummaryFormat is one of text, yaml or json.
	SummaryFormat string `mapstructure:"summary_format"`
	Path          string `mapstructure:"-"`
}

type APIConfig struct {
	URL      string        `mapstructure:"url"`
	Token    string        `mapstructure:"token"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Rate     string        `mapstructure:"rate"`
	// StatusClasses overrides the failure class of HTTP status codes, e.g. "409: version-conflict".
	StatusClasses map[string]string `mapstructure:"status_classes"`
	Debug         bool              `mapstructure:"debug"`
}

type UploadConfig struct {
	MaxPushSize      int               `mapstructure:"max_push_size"`
	MaxChangesetSize int               `mapstructure:"max_changeset_size"`
	MaxWayNodes      int               `mapstructure:"max_way_nodes"`
	SplitStrategy    string            `mapstructure:"split_strategy"`
	BatchTimeout     time.Duration     `mapstructure:"batch_timeout"`
	CloseTimeout     time.Duration     `mapstructure:"close_timeout"`
	Sharding         int               `mapstructure:"sharding"`
	Tags             map[string]string `mapstructure:"tags"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// SetDefaults registers every key, which also lets AutomaticEnv find them.
func SetDefaults(v *viper.Viper) {
	opts := uploader.DefaultOptions()

	v.SetDefault("api.url", DefaultAPIURL)
	v.SetDefault("api.token", "")
	v.SetDefault("api.username", "")
	v.SetDefault("api.password", "")
	v.SetDefault("api.timeout", time.Minute)
	v.SetDefault("api.rate", "")
	v.SetDefault("api.status_classes", map[string]string{})
	v.SetDefault("api.debug", false)

	v.SetDefault("upload.max_push_size", opts.MaxPushSize)
	v.SetDefault("upload.max_changeset_size", 0)
	v.SetDefault("upload.max_way_nodes", 0)
	v.SetDefault("upload.split_strategy", string(opts.SplitStrategy))
	v.SetDefault("upload.batch_timeout", opts.BatchTimeout)
	v.SetDefault("upload.close_timeout", opts.CloseTimeout)
	v.SetDefault("upload.sharding", opts.Sharding)
	v.SetDefault("upload.tags", map[string]string{"created_by": "geopush"})

	v.SetDefault("retry.max_attempts", opts.MaxAttempts)
	v.SetDefault("retry.backoff_base", opts.Backoff.Base)
	v.SetDefault("retry.backoff_max", opts.Backoff.Max)

	v.SetDefault("journal", "")
	v.SetDefault("output_dir", ".")
	v.SetDefault("log_file", DefaultLogFilePath)
	v.SetDefault("summary_format", "text")
}

// Load decodes the merged viper settings and validates them.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Upload.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if _, err := c.API.statusClasses(); err != nil {
		return err
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api `timeout` must not be negative")
	}

	c.SummaryFormat = strings.ToLower(strings.TrimSpace(c.SummaryFormat))
	if c.SummaryFormat == "" {
		c.SummaryFormat = "text"
	}
	if !slices.Contains(summaryFormats, c.SummaryFormat) {
		return fmt.Errorf("`summary_format` must be one of %s", strings.Join(summaryFormats, ", "))
	}

	for _, p := range []*string{&c.Journal, &c.OutputDir, &c.LogFile} {
		if *p == "" {
			continue
		}
		resolved, err := utils.ResolvePath(*p)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", *p, err)
		}
		*p = resolved
	}
	return nil
}

// Validate checks what is needed to talk to the API. Offline commands skip it.
func (c *APIConfig) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, c.URL)
	}
	if c.Username != "" && c.Password == "" {
		return ErrMissingSecret
	}
	return nil
}

func (c *APIConfig) statusClasses() (osmapi.StatusClasses, error) {
	classes := osmapi.DefaultStatusClasses()
	for code, name := range c.StatusClasses {
		status, err := strconv.Atoi(strings.TrimSpace(code))
		if err != nil || status < 100 || status > 599 {
			return nil, fmt.Errorf("api `status_classes`: bad status code %q", code)
		}
		class, err := changeset.ParseFailureClass(name)
		if err != nil {
			return nil, fmt.Errorf("api `status_classes` %d: %w", status, err)
		}
		classes[status] = class
	}
	return classes, nil
}

func (c *UploadConfig) Validate() error {
	if c.MaxPushSize < 1 {
		return fmt.Errorf("upload `max_push_size` must be at least 1")
	}
	if c.MaxChangesetSize < 0 {
		return fmt.Errorf("upload `max_changeset_size` must not be negative")
	}
	if c.MaxWayNodes != 0 && c.MaxWayNodes < 2 {
		return fmt.Errorf("upload `max_way_nodes` must be 0 or at least 2")
	}
	if _, err := changeset.ParseSplitStrategy(c.SplitStrategy); err != nil {
		return fmt.Errorf("upload `split_strategy`: %w", err)
	}
	if c.Sharding < 1 {
		return fmt.Errorf("upload `sharding` must be at least 1")
	}
	if c.BatchTimeout <= 0 || c.CloseTimeout <= 0 {
		return fmt.Errorf("upload `batch_timeout` and `close_timeout` must be positive")
	}
	return nil
}

func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry `max_attempts` must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("retry `backoff_base` must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("retry `backoff_max` must not be below `backoff_base`")
	}
	return nil
}

// ClientConfig builds the map API client configuration.
func (c *Config) ClientConfig() (*osmapi.Config, error) {
	classes, err := c.API.statusClasses()
	if err != nil {
		return nil, err
	}
	return &osmapi.Config{
		BaseURL:  c.API.URL,
		Token:    c.API.Token,
		Username: c.API.Username,
		Password: c.API.Password,
		Timeout:  c.API.Timeout,
		Rate:     c.API.Rate,
		Retries:  c.Retry.MaxAttempts - 1,
		Classes:  classes,
		Debug:    c.API.Debug,
	}, nil
}

// UploadOptions builds the driver options. Observer and RunID are left to the caller.
func (c *Config) UploadOptions() (uploader.Options, error) {
	strategy, err := changeset.ParseSplitStrategy(c.Upload.SplitStrategy)
	if err != nil {
		return uploader.Options{}, err
	}
	return uploader.Options{
		MaxPushSize:      c.Upload.MaxPushSize,
		MaxChangesetSize: c.Upload.MaxChangesetSize,
		MaxWayNodes:      c.Upload.MaxWayNodes,
		SplitStrategy:    strategy,
		MaxAttempts:      c.Retry.MaxAttempts,
		Backoff:          uploader.Backoff{Base: c.Retry.BackoffBase, Max: c.Retry.BackoffMax},
		BatchTimeout:     c.Upload.BatchTimeout,
		CloseTimeout:     c.Upload.CloseTimeout,
		Sharding:         c.Upload.Sharding,
		Tags:             c.Tags(),
	}, nil
}

// Tags returns the changeset tags sorted by key.
func (c *Config) Tags() []changeset.Tag {
	keys := make([]string, 0, len(c.Upload.Tags))
	for k := range c.Upload.Tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	tags := make([]changeset.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, changeset.Tag{Key: k, Value: c.Upload.Tags[k]})
	}
	return tags
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("path", c.Path),
		slog.String("api_url", c.API.URL),
		slog.String("api_token", utils.MaskSecret(c.API.Token)),
		slog.String("api_username", c.API.Username),
		slog.String("api_password", utils.MaskSecret(c.API.Password)),
		slog.Int("max_push_size", c.Upload.MaxPushSize),
		slog.Int("max_way_nodes", c.Upload.MaxWayNodes),
		slog.String("split_strategy", c.Upload.SplitStrategy),
		slog.Int("sharding", c.Upload.Sharding),
		slog.Int("max_attempts", c.Retry.MaxAttempts),
		slog.String("journal", c.Journal),
	)
}
