package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"kafkabridge/engine"
)

const EnvPrefix = "KBRIDGE__"

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
	JSON  bool   `koanf:"json" yaml:"json"`
}

// Port 0 disables the listener.
type ListenConfig struct {
	Port int `koanf:"port" yaml:"port"`
}

type BridgeConfig struct {
	Driver       string        `koanf:"driver" yaml:"driver"` // sarama|memory
	PollInterval time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	// DeliverySampling delivers one in N successful delivery reports.
	DeliverySampling int `koanf:"delivery_sampling" yaml:"delivery_sampling,omitempty"`
}

// DemoConfig drives the built-in producer/consumer pair.
type DemoConfig struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	Topic        string `koanf:"topic" yaml:"topic"`
	Partitions   int32  `koanf:"partitions" yaml:"partitions"`
	Offset       string `koanf:"offset" yaml:"offset"`
	Produce      int    `koanf:"produce" yaml:"produce"`
	ExitWhenDone bool   `koanf:"exit_when_done" yaml:"exit_when_done"`
}

type Config struct {
	Log     LogConfig     `koanf:"log" yaml:"log"`
	Metrics ListenConfig  `koanf:"metrics" yaml:"metrics"`
	GRPC    ListenConfig  `koanf:"grpc" yaml:"grpc"`
	Bridge  BridgeConfig  `koanf:"bridge" yaml:"bridge"`
	Demo    DemoConfig    `koanf:"demo" yaml:"demo"`
	Kafka   engine.Config `koanf:"kafka" yaml:"kafka"`
}

// Load merges YAML (if present) with env-vars (prefix `KBRIDGE__`,
// delimiter `__`, e.g. KBRIDGE__KAFKA__BROKERS=a:9092,b:9092).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	_ = k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	ApplyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func ApplyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Bridge.Driver == "" {
		c.Bridge.Driver = "sarama"
	}
	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = 100 * time.Millisecond
	}
	if c.Demo.Topic == "" {
		c.Demo.Topic = "kbridge-demo"
	}
	if c.Demo.Partitions == 0 {
		c.Demo.Partitions = 1
	}
	if c.Demo.Offset == "" {
		c.Demo.Offset = "beginning"
	}
	engine.ApplyDefaults(&c.Kafka)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(engine.Drivers(), c.Bridge.Driver) {
		errs = append(errs, fmt.Errorf("bridge.driver %q: want one of %v", c.Bridge.Driver, engine.Drivers()))
	}
	if c.Bridge.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("bridge.poll_interval must be >= 0, got %s", c.Bridge.PollInterval))
	}
	for name, p := range map[string]int{"metrics.port": c.Metrics.Port, "grpc.port": c.GRPC.Port} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	if c.Demo.Enabled {
		if _, err := engine.ParseOffset(c.Demo.Offset); err != nil {
			errs = append(errs, fmt.Errorf("demo.offset: %w", err))
		}
		if c.Demo.Partitions < 1 {
			errs = append(errs, fmt.Errorf("demo.partitions must be >= 1, got %d", c.Demo.Partitions))
		}
	}
	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	return errors.Join(errs...)
}

// Print writes the effective configuration as YAML. Secrets are omitted.
func Print(w io.Writer, cfg Config) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
