package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use "90s" style values.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts both duration strings ("1m30s") and bare integers
// (nanoseconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var ns int64
		if nerr := node.Decode(&ns); nerr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(ns)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Defaults applied by Normalize when the corresponding field is unset.
// Retry bounds are deliberately conservative; they can be tuned per
// deployment through the config file.
const (
	DefaultFeedURL         = "https://api.github.com/events"
	DefaultAPIBaseURL      = "https://api.github.com"
	DefaultInterval        = Duration(60 * time.Second)
	DefaultWorkers         = 5
	DefaultCallTimeout     = Duration(30 * time.Second)
	DefaultMaxPages        = 3
	DefaultMaxAttempts     = 3
	DefaultInitialWait     = Duration(time.Second)
	DefaultMaxWait         = Duration(30 * time.Second)
	DefaultMaxFailedCycles = 5
	DefaultFindingsPath    = "findings.txt"
)

// RetryConfig defines bounded retry behavior for transient network failures.
type RetryConfig struct {
	// MaxAttempts is how many times to retry before giving up.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// InitialWait is the initial backoff duration (e.g., 1s).
	InitialWait Duration `yaml:"initial_wait,omitempty"`

	// MaxWait is the upper bound for the backoff (e.g., 30s).
	MaxWait Duration `yaml:"max_wait,omitempty"`
}

// ScannerConfig locates the external scanner binary and its detector
// configuration.
type ScannerConfig struct {
	// BinaryPath is the path to the scanner binary. When the binary is
	// missing it is installed into InstallDir at startup.
	BinaryPath string `yaml:"binary_path,omitempty"`

	// ConfigPath is the detector/filter rules file passed to every
	// invocation.
	ConfigPath string `yaml:"config_path,omitempty"`

	// InstallDir is where the installer places a downloaded binary.
	InstallDir string `yaml:"install_dir,omitempty"`

	// ExtraArgs are appended verbatim to every scanner invocation.
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

// StorageConfig selects where findings are persisted beyond the append-only
// findings file.
type StorageConfig struct {
	// PostgresDSN enables the optional Postgres findings store when set.
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// Config represents the top-level configuration.
type Config struct {
	// FeedURL is the public events feed endpoint to poll.
	FeedURL string `yaml:"feed_url,omitempty"`

	// APIBaseURL is the base URL for commit detail requests.
	APIBaseURL string `yaml:"api_base_url,omitempty"`

	// Interval is the sleep between polling cycles in interval mode.
	Interval Duration `yaml:"interval,omitempty"`

	// Once runs a single cycle and exits instead of repeating.
	Once bool `yaml:"once,omitempty"`

	// Workers is the worker pool concurrency ceiling.
	Workers int `yaml:"workers,omitempty"`

	// Remote points the scanner directly at the hosted repository instead
	// of downloading changed files and scanning them locally.
	Remote bool `yaml:"remote,omitempty"`

	// CallTimeout bounds each individual network call.
	CallTimeout Duration `yaml:"call_timeout,omitempty"`

	// MaxPages caps how many feed pages one polling cycle walks.
	MaxPages int `yaml:"max_pages,omitempty"`

	// Retry bounds transient-failure retries for page fetches.
	Retry RetryConfig `yaml:"retry,omitempty"`

	// MaxFailedCycles is the number of consecutive fully-failed polling
	// cycles tolerated before the process gives up.
	MaxFailedCycles int `yaml:"max_failed_cycles,omitempty"`

	// FindingsPath is the append-only findings file.
	FindingsPath string `yaml:"findings_path,omitempty"`

	// SeenFile optionally persists processed commit identities across runs.
	SeenFile string `yaml:"seen_file,omitempty"`

	Scanner ScannerConfig `yaml:"scanner,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`

	// OTELEndpoint enables trace export when set.
	OTELEndpoint string `yaml:"otel_endpoint,omitempty"`

	// OTELSamplingRatio is the trace sampling probability.
	OTELSamplingRatio float64 `yaml:"otel_sampling_ratio,omitempty"`
}

// Normalize fills unset fields with defaults and validates the result. The
// returned error is a startup configuration error; nothing downstream of
// startup should ever see an unnormalized Config.
func (c *Config) Normalize() error {
	if c.FeedURL == "" {
		c.FeedURL = DefaultFeedURL
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.InitialWait <= 0 {
		c.Retry.InitialWait = DefaultInitialWait
	}
	if c.Retry.MaxWait <= 0 {
		c.Retry.MaxWait = DefaultMaxWait
	}
	if c.MaxFailedCycles <= 0 {
		c.MaxFailedCycles = DefaultMaxFailedCycles
	}
	if c.FindingsPath == "" {
		c.FindingsPath = DefaultFindingsPath
	}
	if c.OTELSamplingRatio < 0 || c.OTELSamplingRatio > 1 {
		return fmt.Errorf("otel_sampling_ratio must be within [0, 1], got %g", c.OTELSamplingRatio)
	}
	if c.Retry.InitialWait > c.Retry.MaxWait {
		return errors.New("retry.initial_wait must not exceed retry.max_wait")
	}
	return nil
}
