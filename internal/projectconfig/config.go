// Package projectconfig provides the Config struct and loader for
// guardrail.yaml operator configuration files.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spboyer/guardrail/internal/utils"
	"github.com/spboyer/guardrail/internal/validation"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up from the working directory upwards.
const ConfigFileName = "guardrail.yaml"

// Environment variables read at startup.
const (
	EnvOperatorKey     = "OPERATOR_PRIVATE_KEY"
	EnvProducerKey     = "PRIVATE_KEY"
	EnvRPCURL          = "GUARDRAIL_RPC_URL"
	EnvContractAddress = "GUARDRAIL_CONTRACT_ADDRESS"
)

// Default values for operator configuration. These are the single source of
// truth: New() references them and no other code should duplicate them.
const (
	DefaultRPCURL              = "http://localhost:8545"
	DefaultPollInterval        = 2 * time.Second
	DefaultMaxBlockRange       = 1000
	DefaultReceiptTimeout      = 2 * time.Minute
	DefaultReceiptPollInterval = time.Second

	DefaultClassifierType    = "ollama"
	DefaultClassifierTimeout = 30 * time.Second

	DefaultMaxAttempts      = 5
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultMaxContentsBytes = 16 * 1024

	DefaultGracePeriod           = 30 * time.Second
	DefaultResubscribeMinBackoff = time.Second
	DefaultResubscribeMaxBackoff = time.Minute

	DefaultMetricsAddress = "127.0.0.1:9464"
)

// ChainConfig holds the RPC endpoint and task contract settings.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url,omitempty"`
	ContractAddress     string        `yaml:"contract_address,omitempty"`
	ChainID             uint64        `yaml:"chain_id,omitempty"`
	FromBlock           uint64        `yaml:"from_block,omitempty"`
	PollInterval        time.Duration `yaml:"poll_interval,omitempty"`
	MaxBlockRange       uint64        `yaml:"max_block_range,omitempty"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout,omitempty"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval,omitempty"`
}

// ClassifierConfig selects and configures the content classifier.
type ClassifierConfig struct {
	Type     string         `yaml:"type,omitempty"`
	Timeout  time.Duration  `yaml:"timeout,omitempty"`
	FailOpen *bool          `yaml:"fail_open,omitempty"`
	Params   map[string]any `yaml:"params,omitempty"`
}

// ProcessorConfig holds per-task retry settings.
type ProcessorConfig struct {
	MaxAttempts      int           `yaml:"max_attempts,omitempty"`
	InitialBackoff   time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff       time.Duration `yaml:"max_backoff,omitempty"`
	Workers          int           `yaml:"workers,omitempty"`
	MaxContentsBytes int           `yaml:"max_contents_bytes,omitempty"`
}

// WatcherConfig holds subscription and shutdown settings.
type WatcherConfig struct {
	GracePeriod           time.Duration `yaml:"grace_period,omitempty"`
	ResubscribeMinBackoff time.Duration `yaml:"resubscribe_min_backoff,omitempty"`
	ResubscribeMaxBackoff time.Duration `yaml:"resubscribe_max_backoff,omitempty"`
}

// RecordsConfig holds the optional processing record journal.
type RecordsConfig struct {
	JournalDir string `yaml:"journal_dir,omitempty"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// Config is the top-level configuration loaded from guardrail.yaml.
type Config struct {
	Chain      ChainConfig      `yaml:"chain,omitempty"`
	Classifier ClassifierConfig `yaml:"classifier,omitempty"`
	Processor  ProcessorConfig  `yaml:"processor,omitempty"`
	Watcher    WatcherConfig    `yaml:"watcher,omitempty"`
	Records    RecordsConfig    `yaml:"records,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// New returns a Config with all hard-coded defaults populated.
func New() *Config {
	return &Config{
		Chain: ChainConfig{
			RPCURL:              DefaultRPCURL,
			PollInterval:        DefaultPollInterval,
			MaxBlockRange:       DefaultMaxBlockRange,
			ReceiptTimeout:      DefaultReceiptTimeout,
			ReceiptPollInterval: DefaultReceiptPollInterval,
		},
		Classifier: ClassifierConfig{
			Type:     DefaultClassifierType,
			Timeout:  DefaultClassifierTimeout,
			FailOpen: utils.Ptr(false),
		},
		Processor: ProcessorConfig{
			MaxAttempts:      DefaultMaxAttempts,
			InitialBackoff:   DefaultInitialBackoff,
			MaxBackoff:       DefaultMaxBackoff,
			MaxContentsBytes: DefaultMaxContentsBytes,
		},
		Watcher: WatcherConfig{
			GracePeriod:           DefaultGracePeriod,
			ResubscribeMinBackoff: DefaultResubscribeMinBackoff,
			ResubscribeMaxBackoff: DefaultResubscribeMaxBackoff,
		},
		Metrics: MetricsConfig{
			Enabled: utils.Ptr(false),
			Address: DefaultMetricsAddress,
		},
	}
}

// Load finds guardrail.yaml by walking up from startDir (max 10 levels),
// validates and unmarshals it, and fills in missing fields with defaults.
// If no config file is found, returns defaults with a nil error.
func Load(startDir string) (*Config, error) {
	path, err := findConfigFile(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("loading %s: %w", ConfigFileName, err)
	}
	return LoadFile(path)
}

// LoadFile reads the configuration at path. A relative records.journal_dir
// is resolved against the directory holding the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	cfg.Records.JournalDir = utils.ResolvePath(cfg.Records.JournalDir, filepath.Dir(path))
	return cfg, nil
}

// Parse validates data against the configuration schema and merges it onto
// the defaults.
func Parse(data []byte) (*Config, error) {
	if err := validation.ValidateConfig(data); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	cfg := New()
	mergeConfig(cfg, &fileCfg)
	return cfg, nil
}

// ApplyEnv overlays environment overrides using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvRPCURL); v != "" {
		c.Chain.RPCURL = v
	}
	if v := getenv(EnvContractAddress); v != "" {
		c.Chain.ContractAddress = v
	}
}

// ValidateForRun checks the settings the watcher cannot start without.
func (c *Config) ValidateForRun() error {
	var errs []error
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		errs = append(errs, fmt.Errorf("chain.contract_address %q is not a valid address", c.Chain.ContractAddress))
	}
	if c.Processor.MaxAttempts < 1 {
		errs = append(errs, errors.New("processor.max_attempts must be at least 1"))
	}
	if c.Processor.MaxBackoff < c.Processor.InitialBackoff {
		errs = append(errs, errors.New("processor.max_backoff must not be less than processor.initial_backoff"))
	}
	return errors.Join(errs...)
}

// FailOpen reports whether classifier failures map to safe verdicts.
func (c *Config) FailOpen() bool {
	return c.Classifier.FailOpen != nil && *c.Classifier.FailOpen
}

// MetricsEnabled reports whether the metrics endpoint should be served.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled != nil && *c.Metrics.Enabled
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// findConfigFile walks up from dir looking for guardrail.yaml (max 10
// levels). Returns os.ErrNotExist if no config file is found.
func findConfigFile(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, ConfigFileName)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("reading %q: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *Config) {
	// Chain
	if src.Chain.RPCURL != "" {
		dst.Chain.RPCURL = src.Chain.RPCURL
	}
	if src.Chain.ContractAddress != "" {
		dst.Chain.ContractAddress = src.Chain.ContractAddress
	}
	if src.Chain.ChainID != 0 {
		dst.Chain.ChainID = src.Chain.ChainID
	}
	if src.Chain.FromBlock != 0 {
		dst.Chain.FromBlock = src.Chain.FromBlock
	}
	if src.Chain.PollInterval != 0 {
		dst.Chain.PollInterval = src.Chain.PollInterval
	}
	if src.Chain.MaxBlockRange != 0 {
		dst.Chain.MaxBlockRange = src.Chain.MaxBlockRange
	}
	if src.Chain.ReceiptTimeout != 0 {
		dst.Chain.ReceiptTimeout = src.Chain.ReceiptTimeout
	}
	if src.Chain.ReceiptPollInterval != 0 {
		dst.Chain.ReceiptPollInterval = src.Chain.ReceiptPollInterval
	}

	// Classifier
	if src.Classifier.Type != "" {
		dst.Classifier.Type = src.Classifier.Type
	}
	if src.Classifier.Timeout != 0 {
		dst.Classifier.Timeout = src.Classifier.Timeout
	}
	if src.Classifier.FailOpen != nil {
		dst.Classifier.FailOpen = src.Classifier.FailOpen
	}
	if src.Classifier.Params != nil {
		dst.Classifier.Params = src.Classifier.Params
	}

	// Processor
	if src.Processor.MaxAttempts != 0 {
		dst.Processor.MaxAttempts = src.Processor.MaxAttempts
	}
	if src.Processor.InitialBackoff != 0 {
		dst.Processor.InitialBackoff = src.Processor.InitialBackoff
	}
	if src.Processor.MaxBackoff != 0 {
		dst.Processor.MaxBackoff = src.Processor.MaxBackoff
	}
	if src.Processor.Workers != 0 {
		dst.Processor.Workers = src.Processor.Workers
	}
	if src.Processor.MaxContentsBytes != 0 {
		dst.Processor.MaxContentsBytes = src.Processor.MaxContentsBytes
	}

	// Watcher
	if src.Watcher.GracePeriod != 0 {
		dst.Watcher.GracePeriod = src.Watcher.GracePeriod
	}
	if src.Watcher.ResubscribeMinBackoff != 0 {
		dst.Watcher.ResubscribeMinBackoff = src.Watcher.ResubscribeMinBackoff
	}
	if src.Watcher.ResubscribeMaxBackoff != 0 {
		dst.Watcher.ResubscribeMaxBackoff = src.Watcher.ResubscribeMaxBackoff
	}

	// Records
	if src.Records.JournalDir != "" {
		dst.Records.JournalDir = src.Records.JournalDir
	}

	// Metrics
	if src.Metrics.Enabled != nil {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
}
