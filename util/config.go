package util

import (
	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"os"
	"sync"
	"time"
)

type AgentConfig struct {
	Logger  zap.Config    `toml:"log"`
	Tracer  TracerConfig  `toml:"tracer"`
	Async   AsyncConfig   `toml:"async"`
	Context ContextConfig `toml:"context"`
	Store   StoreConfig   `toml:"store"`
	Clock   ClockConfig   `toml:"clock"`
	Spool   SpoolConfig   `toml:"spool"`
}

type TracerConfig struct {
	MaxEvents       int      `toml:"max_events"`
	EventStackTrace bool     `toml:"event_stack_trace"`
	TraceTTL        Duration `toml:"trace_ttl"`
}

type AsyncConfig struct {
	Enabled      bool     `toml:"enabled"`
	MinDuration  Duration `toml:"min_duration"`
	CaptureStack bool     `toml:"capture_stack"`
	MaxAncestry  int      `toml:"max_ancestry"`
}

type ContextConfig struct {
	Mode string `toml:"mode"`
}

type StoreConfig struct {
	Interval       Duration `toml:"interval"`
	MaxTotalPoints int      `toml:"max_total_points"`
	ArchiveEvery   int      `toml:"archive_every"`
	MadThreshold   float64  `toml:"mad_threshold"`
}

type ClockConfig struct {
	Endpoint         string   `toml:"endpoint"`
	Timeout          Duration `toml:"timeout"`
	MinBackoff       Duration `toml:"min_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
	MaxAttempts      int      `toml:"max_attempts"`
	ResyncInterval   Duration `toml:"resync_interval"`
	FallbackInterval Duration `toml:"fallback_interval"`
}

type SpoolConfig struct {
	Type       string `toml:"type"`
	Dir        string `toml:"dir"`
	MaxRecords int    `toml:"max_records"`
}

// Duration decodes TOML strings such as "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Annotatef(err, "invalid duration %q", string(text))
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() AgentConfig {
	return AgentConfig{
		Logger: zap.NewProductionConfig(),
		Tracer: TracerConfig{
			MaxEvents: 1500,
			TraceTTL:  Duration{10 * time.Minute},
		},
		Async: AsyncConfig{
			Enabled:     true,
			MinDuration: Duration{time.Millisecond},
			MaxAncestry: 64,
		},
		Context: ContextConfig{Mode: "scoped"},
		Store: StoreConfig{
			Interval:       Duration{time.Minute},
			MaxTotalPoints: 30,
			ArchiveEvery:   5,
			MadThreshold:   3,
		},
		Clock: ClockConfig{
			Endpoint:         "https://engine.montiapm.com",
			Timeout:          Duration{10 * time.Second},
			MinBackoff:       Duration{time.Second},
			MaxBackoff:       Duration{time.Minute},
			MaxAttempts:      5,
			ResyncInterval:   Duration{10 * time.Minute},
			FallbackInterval: Duration{30 * time.Minute},
		},
		Spool: SpoolConfig{Type: "memory", Dir: ".monti/spool", MaxRecords: 1000},
	}
}

var (
	configLock   sync.RWMutex
	loadedConfig AgentConfig
	configLoaded bool
)

// GetConfig returns the loaded configuration, or the defaults when nothing was loaded.
func GetConfig() AgentConfig {
	configLock.RLock()
	defer configLock.RUnlock()
	if !configLoaded {
		return DefaultConfig()
	}
	return loadedConfig
}

// ParseConfig decodes tomlData on top of DefaultConfig.
func ParseConfig(tomlData string) (AgentConfig, error) {
	config := DefaultConfig()
	if _, err := toml.Decode(tomlData, &config); err != nil {
		return AgentConfig{}, errors.Annotate(err, "error when parsing toml data")
	}
	return config, nil
}

func LoadConfig(tomlData string) error {
	config, err := ParseConfig(tomlData)
	if err != nil {
		return err
	}
	configLock.Lock()
	loadedConfig = config
	configLoaded = true
	configLock.Unlock()
	return nil
}

func LoadConfigFromFile(fileName string) error {
	tomlData, err := os.ReadFile(fileName)
	if err != nil {
		return errors.Annotatef(err, "unable to read config file %s", fileName)
	}
	return LoadConfig(string(tomlData))
}
