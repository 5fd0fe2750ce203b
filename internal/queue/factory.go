package queue

import (
	"context"
	"fmt"

	"github.com/withDustin/targeek-image-server/internal/errs"
)

// BrokerConfig selects and configures a broker.
type BrokerConfig struct {
	Backend  string // redis, amqp or memory
	Name     string
	RedisURL string
	AMQPURL  string
	Prefetch int
}

// NewBrokerFromConfig creates the broker named by cfg.Backend.
func NewBrokerFromConfig(ctx context.Context, cfg BrokerConfig) (Broker, error) {
	switch cfg.Backend {
	case "redis":
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisBroker(client, cfg.Name), nil
	case "amqp":
		b, err := NewAMQPBroker(cfg.AMQPURL, cfg.Name, cfg.Prefetch)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q: %w", cfg.Backend, errs.ErrConfig)
	}
}
