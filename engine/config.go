package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "KBRIDGE_KAFKA__"

// DefaultConnectTimeout bounds the first connection when ConnectTimeout is unset.
const DefaultConnectTimeout = 10 * time.Second

type SASLMechanism string

const (
	SASLPlain       SASLMechanism = "PLAIN"
	SASLScramSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLScramSHA512 SASLMechanism = "SCRAM-SHA-512"
)

type TLSConfig struct {
	Enabled            bool   `koanf:"enabled" yaml:"enabled"`
	CAFile             string `koanf:"ca_file" yaml:"ca_file,omitempty"`
	CertFile           string `koanf:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile            string `koanf:"key_file" yaml:"key_file,omitempty"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type SASLConfig struct {
	Mechanism SASLMechanism `koanf:"mechanism" yaml:"mechanism,omitempty"`
	User      string        `koanf:"user" yaml:"user,omitempty"`
	Password  string        `koanf:"password" yaml:"-"`
}

type TopicConfig struct {
	RequiredAcks   string        `koanf:"required_acks" yaml:"required_acks"` // none|leader|all
	MessageTimeout time.Duration `koanf:"message_timeout" yaml:"message_timeout"`
}

// Config is the engine configuration shared by every handle a bridge opens.
type Config struct {
	Brokers            []string      `koanf:"brokers" yaml:"brokers"`
	ClientID           string        `koanf:"client_id" yaml:"client_id"`
	Version            string        `koanf:"version" yaml:"version"`
	GroupID            string        `koanf:"group_id" yaml:"group_id,omitempty"`
	StatisticsInterval time.Duration `koanf:"statistics_interval" yaml:"statistics_interval"` // 0 disables
	EmitPartitionEOF   bool          `koanf:"emit_partition_eof" yaml:"emit_partition_eof"`
	QueuedMaxMessages  int           `koanf:"queued_max_messages" yaml:"queued_max_messages"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`

	TLS   TLSConfig   `koanf:"tls" yaml:"tls"`
	SASL  SASLConfig  `koanf:"sasl" yaml:"sasl"`
	Topic TopicConfig `koanf:"topic" yaml:"topic"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `KBRIDGE_KAFKA__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	_ = k.Load(env.Provider(EnvPrefix, "__", envKey(EnvPrefix)), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	ApplyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func envKey(prefix string) func(string) string {
	return func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, prefix))
	}
}

// ApplyDefaults fills zero fields.
func ApplyDefaults(c *Config) {
	if c.ClientID == "" {
		c.ClientID = "kbridge-" + uuid.NewString()[:8]
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.QueuedMaxMessages == 0 {
		c.QueuedMaxMessages = 10_000
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Topic.RequiredAcks == "" {
		c.Topic.RequiredAcks = "leader"
	}
	if c.Topic.MessageTimeout == 0 {
		c.Topic.MessageTimeout = 30 * time.Second
	}
	if c.SASL.User != "" && c.SASL.Mechanism == "" {
		c.SASL.Mechanism = SASLPlain
	}
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}

func (c Config) Validate() error {
	var errs []error
	if c.QueuedMaxMessages < 0 {
		errs = append(errs, fmt.Errorf("queued_max_messages must be >= 0, got %d", c.QueuedMaxMessages))
	}
	if c.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be >= 0, got %s", c.ConnectTimeout))
	}
	if c.StatisticsInterval < 0 {
		errs = append(errs, fmt.Errorf("statistics_interval must be >= 0, got %s", c.StatisticsInterval))
	}
	switch c.Topic.RequiredAcks {
	case "", "none", "leader", "all":
	default:
		errs = append(errs, fmt.Errorf("topic.required_acks %q: want none, leader or all", c.Topic.RequiredAcks))
	}
	switch c.SASL.Mechanism {
	case "", SASLPlain, SASLScramSHA256, SASLScramSHA512:
	default:
		errs = append(errs, fmt.Errorf("sasl.mechanism %q not supported", c.SASL.Mechanism))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	return errors.Join(errs...)
}
