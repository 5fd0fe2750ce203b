package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/withDustin/targeek-image-server/internal/errs"
)

func TestNewBrokerFromConfig(t *testing.T) {
	ctx := context.Background()

	b, err := NewBrokerFromConfig(ctx, BrokerConfig{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*MemoryBroker); !ok {
		t.Errorf("expected *MemoryBroker, got %T", b)
	}

	mr := miniredis.RunT(t)
	b, err = NewBrokerFromConfig(ctx, BrokerConfig{Backend: "redis", Name: "images", RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(*RedisBroker); !ok {
		t.Errorf("expected *RedisBroker, got %T", b)
	}

	if _, err := NewBrokerFromConfig(ctx, BrokerConfig{Backend: "kafka"}); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected ErrConfig for unknown backend, got %v", err)
	}
}
