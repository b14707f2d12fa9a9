// Package presets assembles a hub and its backing stores from a
// configuration or from a few common shapes.
package presets

import (
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/bus"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/config"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/hub"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/lock"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/roster"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Stack holds the components a hub is built from. Close releases the
// connections Build opened.
type Stack struct {
	Broker       bus.Broker
	Locks        lock.Table
	Roster       roster.Roster
	Entitlements hub.Entitlements

	leaseInterval time.Duration
	closers       []func() error
	redisClients  map[string]*redis.Client
}

func (s *Stack) redisClient(addr string) *redis.Client {
	if c, ok := s.redisClients[addr]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	s.redisClients[addr] = c
	s.closers = append(s.closers, c.Close)
	return c
}

// Build connects every backend cfg names.
func Build(cfg *config.Config) (*Stack, error) {
	s := &Stack{redisClients: make(map[string]*redis.Client)}
	if err := s.build(cfg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) build(cfg *config.Config) error {
	var err error
	if s.Broker, err = s.newBroker(cfg.Broker); err != nil {
		return err
	}

	switch cfg.Lock.Backend {
	case config.BackendRedis:
		s.Locks = lock.NewRedis(s.redisClient(cfg.Lock.Addr), cfg.Lock.TTL)
	default:
		s.Locks = lock.NewInMemory(cfg.Lock.TTL)
	}
	switch cfg.Roster.Backend {
	case config.BackendRedis:
		s.Roster = roster.NewRedis(s.redisClient(cfg.Roster.Addr), cfg.Roster.TTL)
	default:
		s.Roster = roster.NewInMemory(cfg.Roster.TTL)
	}
	s.leaseInterval = minDuration(cfg.Lock.TTL, cfg.Roster.TTL) / 3

	if s.Entitlements, err = s.newEntitlements(cfg.Entitlements); err != nil {
		return err
	}
	return nil
}

func (s *Stack) newBroker(cfg config.Broker) (bus.Broker, error) {
	var b bus.Broker
	switch cfg.Kind {
	case config.BrokerRedis:
		b = bus.NewRedisBroker(s.redisClient(cfg.Addr))
	case config.BrokerNATS:
		conn, err := nats.Connect(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.Addr, err)
		}
		s.closers = append(s.closers, func() error {
			conn.Close()
			return nil
		})
		b = bus.NewNATSBroker(conn, bus.WithAckWindow(cfg.AckWindow))
	case config.BrokerKafka:
		kb, err := bus.NewKafkaBroker(cfg.Brokers, nil)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		b = kb
	case config.BrokerMemory:
		b = bus.NewInMemoryBroker()
	default:
		return nil, config.ErrUnknownBroker
	}
	s.closers = append(s.closers, b.Close)
	if cfg.CircuitBreaker.Threshold > 0 {
		b = bus.NewCircuitBreaker(b, cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.Timeout)
	}
	return b, nil
}

func (s *Stack) newEntitlements(cfg config.Entitlements) (hub.Entitlements, error) {
	if cfg.Enabled == nil {
		return hub.AllowAll{}, nil
	}
	static := hub.NewStaticEntitlements()
	for org, names := range cfg.Enabled {
		sources, err := config.ParseSources(names)
		if err != nil {
			return nil, fmt.Errorf("entitlements for %d: %w", org, err)
		}
		static.Enable(org, sources...)
	}
	if cfg.CacheTTL <= 0 {
		return static, nil
	}
	cached, err := hub.NewCachedEntitlements(static, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		cached.Close()
		return nil
	})
	return cached, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// HubOptions returns the options wiring s into a hub configured by cfg.
func (s *Stack) HubOptions(cfg *config.Config, logger logging.Logger) []hub.Option {
	return []hub.Option{
		hub.WithLockTable(s.Locks),
		hub.WithRoster(s.Roster),
		hub.WithEntitlements(s.Entitlements),
		hub.WithChannel(cfg.Channel),
		hub.WithWorkers(cfg.Hub.Workers),
		hub.WithSendBuffer(cfg.Hub.SendBuffer),
		hub.WithLeaseInterval(s.leaseInterval),
		hub.WithLogger(logger),
	}
}

// Close closes everything Build opened, newest first.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewHub builds a hub from cfg. The returned Stack must be closed after the
// hub stops.
func NewHub(cfg *config.Config, logger logging.Logger) (*hub.Hub, *Stack, error) {
	s, err := Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	return hub.New(s.Broker, s.HubOptions(cfg, logger)...), s, nil
}

// NewInMemoryStandalone creates a hub that runs entirely in memory with no
// external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(opts ...hub.Option) *hub.Hub {
	return hub.New(bus.NewInMemoryBroker(), opts...)
}

// NewRedisCluster creates a hub whose broker, lock table and roster all
// live in one Redis, so any number of such hubs form one cluster.
func NewRedisCluster(opts RedisOptions, hubOpts ...hub.Option) *hub.Hub {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	base := []hub.Option{
		hub.WithLockTable(lock.NewRedis(client, lock.DefaultTTL)),
		hub.WithRoster(roster.NewRedis(client, roster.DefaultTTL)),
		hub.WithLeaseInterval(lock.DefaultTTL / 3),
	}
	return hub.New(bus.NewRedisBroker(client), append(base, hubOpts...)...)
}
