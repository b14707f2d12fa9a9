// Package config loads the hub configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
)

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
	BrokerKafka  = "kafka"

	BackendMemory = "memory"
	BackendRedis  = "redis"

	TracingNone   = "none"
	TracingStdout = "stdout"
)

type CircuitBreaker struct {
	Threshold int           `yaml:"threshold"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Broker struct {
	Kind string `yaml:"kind"`
	// Addr is the Redis address or the NATS URL.
	Addr string `yaml:"addr,omitempty"`
	// Brokers lists the Kafka bootstrap servers.
	Brokers        []string       `yaml:"brokers,omitempty"`
	AckWindow      time.Duration  `yaml:"ackWindow,omitempty"`
	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker"`
}

type Store struct {
	Backend string        `yaml:"backend"`
	Addr    string        `yaml:"addr,omitempty"`
	TTL     time.Duration `yaml:"ttl"`
}

type Entitlements struct {
	// Enabled maps an organization to the agent sources ("ChatBot",
	// "SystemBot") it may receive. Nil allows every agent envelope that
	// carries an organization.
	Enabled  map[int64][]string `yaml:"enabled,omitempty"`
	CacheTTL time.Duration      `yaml:"cacheTTL"`
}

type Hub struct {
	Workers    int `yaml:"workers"`
	SendBuffer int `yaml:"sendBuffer"`
}

type Config struct {
	Listen        string       `yaml:"listen"`
	MetricsListen string       `yaml:"metricsListen,omitempty"`
	Channel       string       `yaml:"channel"`
	LogLevel      string       `yaml:"logLevel"`
	Tracing       string       `yaml:"tracing"`
	Broker        Broker       `yaml:"broker"`
	Lock          Store        `yaml:"lock"`
	Roster        Store        `yaml:"roster"`
	Entitlements  Entitlements `yaml:"entitlements"`
	Hub           Hub          `yaml:"hub"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrListenMissing            = errors.New("listen is missing in config")
	ErrChannelMissing           = errors.New("channel is missing in config")
	ErrUnknownBroker            = errors.New("broker.kind must be memory, redis, nats or kafka")
	ErrBrokerAddrMissing        = errors.New("broker.addr is required for redis and nats")
	ErrKafkaBrokersMissing      = errors.New("broker.brokers is required for kafka")
	ErrUnknownBackend           = errors.New("backend must be memory or redis")
	ErrStoreAddrMissing         = errors.New("addr is required for the redis backend")
	ErrTTLInvalid               = errors.New("ttl must be positive")
	ErrUnknownTracing           = errors.New("tracing must be none or stdout")
	ErrHubWorkersInvalid        = errors.New("hub.workers must be positive")
	ErrHubSendBufferInvalid     = errors.New("hub.sendBuffer must be positive")
)

// Default returns a single-process configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Channel:  envelope.DefaultChannel,
		LogLevel: "info",
		Tracing:  TracingNone,
		Broker: Broker{
			Kind: BrokerMemory,
			CircuitBreaker: CircuitBreaker{
				Threshold: 5,
				Timeout:   10 * time.Second,
			},
		},
		Lock:         Store{Backend: BackendMemory, TTL: 30 * time.Second},
		Roster:       Store{Backend: BackendMemory, TTL: time.Minute},
		Entitlements: Entitlements{CacheTTL: time.Minute},
		Hub:          Hub{Workers: 16, SendBuffer: 256},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateStore(name string, s Store) error {
	switch s.Backend {
	case BackendMemory:
	case BackendRedis:
		if s.Addr == "" {
			return fmt.Errorf("%s: %w", name, ErrStoreAddrMissing)
		}
	default:
		return fmt.Errorf("%s: %w", name, ErrUnknownBackend)
	}
	if s.TTL <= 0 {
		return fmt.Errorf("%s: %w", name, ErrTTLInvalid)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ErrListenMissing
	}
	if c.Channel == "" {
		return ErrChannelMissing
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Tracing {
	case "", TracingNone, TracingStdout:
	default:
		return ErrUnknownTracing
	}
	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerRedis, BrokerNATS:
		if c.Broker.Addr == "" {
			return ErrBrokerAddrMissing
		}
	case BrokerKafka:
		if len(c.Broker.Brokers) == 0 {
			return ErrKafkaBrokersMissing
		}
	default:
		return ErrUnknownBroker
	}
	if err := validateStore("lock", c.Lock); err != nil {
		return err
	}
	if err := validateStore("roster", c.Roster); err != nil {
		return err
	}
	for org, names := range c.Entitlements.Enabled {
		if _, err := ParseSources(names); err != nil {
			return fmt.Errorf("entitlements.enabled[%d]: %w", org, err)
		}
	}
	if c.Hub.Workers <= 0 {
		return ErrHubWorkersInvalid
	}
	if c.Hub.SendBuffer <= 0 {
		return ErrHubSendBufferInvalid
	}
	return nil
}

// Warnings lists valid but risky combinations.
func (c *Config) Warnings() []string {
	var out []string
	if c.Broker.Kind != BrokerMemory && c.Lock.Backend == BackendMemory {
		out = append(out, "shared broker with memory lock backend: hubs on other instances cannot see these locks")
	}
	if c.Broker.Kind != BrokerMemory && c.Roster.Backend == BackendMemory {
		out = append(out, "shared broker with memory roster backend: presence lists only cover this instance")
	}
	if c.Broker.CircuitBreaker.Threshold <= 0 {
		out = append(out, "circuit breaker disabled")
	}
	return out
}

// ParseSources parses agent source names.
func ParseSources(names []string) ([]envelope.SourceType, error) {
	out := make([]envelope.SourceType, 0, len(names))
	for _, name := range names {
		s, err := envelope.ParseSourceType(name)
		if err != nil {
			return nil, err
		}
		if !s.IsAgent() {
			return nil, fmt.Errorf("%q is not an agent source", name)
		}
		out = append(out, s)
	}
	return out, nil
}
