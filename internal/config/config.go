package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Corpus      Corpus      `yaml:"corpus"`
	Sources     Sources     `yaml:"sources"`
	Fingerprint Fingerprint `yaml:"fingerprint"`
	Search      Search      `yaml:"search"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

type Corpus struct {
	// Path of the sqlite database. Empty means DataDir()/sourcetrace.db.
	Path string `yaml:"path"`
	// Timezone whose local midnight anchors hour 0 of the volume series.
	Timezone string `yaml:"timezone"`
}

type Sources struct {
	Export Export `yaml:"export"`
	Feeds  []Feed `yaml:"feeds"`
	Seed   Seed   `yaml:"seed"`
}

// Export is an HTTP endpoint serving an X-API-v2 shaped post dump.
type Export struct {
	URL      string        `yaml:"url"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// Seed drives the synthetic corpus generator.
type Seed struct {
	EventPosts int    `yaml:"event_posts"`
	DailyPosts int    `yaml:"daily_posts"`
	Location   string `yaml:"location"`
	Random     uint64 `yaml:"random_seed"`
}

type Fingerprint struct {
	TopK          int      `yaml:"top_k"`
	TopBigrams    int      `yaml:"top_bigrams"`
	StopWords     []string `yaml:"stop_words"`
	BackgroundIDF bool     `yaml:"background_idf"`
}

type Search struct {
	Resolution    float64       `yaml:"resolution"`
	MaxIterations int           `yaml:"max_iterations"`
	Threshold     float64       `yaml:"threshold"`
	BalanceRatio  float64       `yaml:"balance_ratio"`
	StepDelay     time.Duration `yaml:"step_delay"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for sourcetrace.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "sourcetrace")
}

// DataDir returns the XDG data directory for sourcetrace.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "sourcetrace")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/sourcetrace/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'sourcetrace init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Corpus: Corpus{Timezone: "UTC"},
		Sources: Sources{
			Export: Export{TokenEnv: "SOURCETRACE_EXPORT_TOKEN", Timeout: 30 * time.Second},
			Seed:   Seed{EventPosts: 2500, DailyPosts: 1000, Location: "النسيم", Random: 1},
		},
		Fingerprint: Fingerprint{TopK: 8, TopBigrams: 5},
		Search: Search{
			Resolution:    0.1,
			MaxIterations: 20,
			Threshold:     0.2,
			BalanceRatio:  0.9,
		},
		Server:  Server{Addr: ":8000"},
		Logging: Logging{Level: "info", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the search and extractor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Corpus.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("corpus.timezone: %w", err))
	}
	if c.Fingerprint.TopK <= 0 {
		errs = append(errs, fmt.Errorf("fingerprint.top_k must be positive, got %d", c.Fingerprint.TopK))
	}
	if c.Fingerprint.TopBigrams < 0 {
		errs = append(errs, fmt.Errorf("fingerprint.top_bigrams must not be negative, got %d", c.Fingerprint.TopBigrams))
	}
	if c.Search.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("search.resolution must be positive, got %v", c.Search.Resolution))
	}
	if c.Search.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("search.max_iterations must be positive, got %d", c.Search.MaxIterations))
	}
	if c.Search.Threshold < 0 || c.Search.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("search.threshold must be in [0,1), got %v", c.Search.Threshold))
	}
	if c.Search.BalanceRatio <= 0 {
		errs = append(errs, fmt.Errorf("search.balance_ratio must be positive, got %v", c.Search.BalanceRatio))
	}
	if c.Search.StepDelay < 0 {
		errs = append(errs, fmt.Errorf("search.step_delay must not be negative, got %v", c.Search.StepDelay))
	}
	if c.Sources.Seed.EventPosts < 0 || c.Sources.Seed.DailyPosts < 0 {
		errs = append(errs, errors.New("sources.seed counts must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the configured corpus timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Corpus.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetDBPath returns the effective database path from config or XDG default.
func (c *Config) GetDBPath() string {
	if c.Corpus.Path != "" {
		return c.Corpus.Path
	}
	return filepath.Join(DataDir(), "sourcetrace.db")
}

// ExportToken returns the bearer token for the export endpoint, if set.
func (c *Config) ExportToken() string {
	if c.Sources.Export.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Sources.Export.TokenEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
