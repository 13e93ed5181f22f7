package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "casewatch/pkg/logx"
)

// Publisher sends an encoded event to an external channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// RedisConfig configures the Redis pub/sub publisher.
type RedisConfig struct {
	URL          string
	Password     string
	PoolSize     int
	MaxRetries   int
	RetryBackoff time.Duration
}

type redisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to Redis and verifies the connection with PING.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (Publisher, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBackoff > 0 {
		opts.MinRetryBackoff = cfg.RetryBackoff
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &redisPublisher{client: client}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *redisPublisher) Close() error { return p.client.Close() }

// Relay forwards selected bus events to a Publisher for the live-push relay.
type Relay struct {
	bus    Bus
	pub    Publisher
	prefix string
	types  map[string]struct{}
	log    logx.Logger

	publishTimeout time.Duration
}

// NewRelay forwards events whose type is in types to channel "<prefix><type>".
// An empty types list forwards status and in-app notification events.
func NewRelay(bus Bus, pub Publisher, prefix string, types []string, log logx.Logger) *Relay {
	if len(types) == 0 {
		types = []string{TypeStatusChanged, TypeNotificationInApp}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Relay{bus: bus, pub: pub, prefix: prefix, types: set, log: log, publishTimeout: 2 * time.Second}
}

// Run blocks until ctx is done. Publish failures are logged and the event dropped.
func (r *Relay) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(256)
	defer unsub()

	r.log.Info("event relay started", logx.Int("types", len(r.types)), logx.String("prefix", r.prefix))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if _, want := r.types[e.Type]; !want {
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				r.log.Warn("event relay marshal failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
			err = r.pub.Publish(pctx, r.prefix+e.Type, b)
			cancel()
			if err != nil {
				r.log.Warn("event relay publish failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}
