package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTTLPolicy(t *testing.T) {
	p := TTLPolicy{Success: time.Minute, NotFound: 15 * time.Second, Error: time.Second}
	tests := []struct {
		status int
		want   time.Duration
	}{
		{200, time.Minute},
		{304, time.Minute},
		{404, 15 * time.Second},
		{500, time.Second},
		{400, time.Second},
	}
	for _, tt := range tests {
		if got := p.TTL(tt.status); got != tt.want {
			t.Errorf("TTL(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := NewMemoryStoreWithClock(func() time.Time { return now })

	s.Set(ctx, "a?size=thumb", Entry{Status: 200, Body: []byte("x")}, 10*time.Second)
	s.Set(ctx, "b?", Entry{Status: 404}, 0)

	if _, ok, _ := s.Get(ctx, "b?"); ok {
		t.Error("zero ttl must not be stored")
	}
	e, ok, err := s.Get(ctx, "a?size=thumb")
	if err != nil || !ok || string(e.Body) != "x" {
		t.Fatalf("Get = %v, %v, %v", e, ok, err)
	}
	keys, _ := s.Keys(ctx, "a?*")
	if len(keys) != 1 {
		t.Errorf("Keys = %v", keys)
	}

	now = now.Add(10 * time.Second)
	if _, ok, _ := s.Get(ctx, "a?size=thumb"); ok {
		t.Error("entry should expire at its ttl")
	}
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "file:")
	defer s.Close()

	body := []byte{0xff, 0xd8, 0x00, 0x01}
	err := s.Set(ctx, "abc?size=thumb", Entry{Status: 200, ContentType: "image/jpeg", Body: body}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s.Set(ctx, "zzz?", Entry{Status: 404}, 15*time.Second)

	e, ok, err := s.Get(ctx, "abc?size=thumb")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if e.ContentType != "image/jpeg" || string(e.Body) != string(body) {
		t.Errorf("unexpected entry %+v", e)
	}
	if ttl := mr.TTL("file:abc?size=thumb"); ttl != time.Minute {
		t.Errorf("expected 1m ttl, got %v", ttl)
	}

	keys, err := s.Keys(ctx, "*")
	if err != nil || len(keys) != 2 || keys[0] != "abc?size=thumb" {
		t.Errorf("Keys = %v, %v", keys, err)
	}

	mr.FastForward(16 * time.Second)
	if _, ok, _ := s.Get(ctx, "zzz?"); ok {
		t.Error("not-found entry should have expired")
	}
}
