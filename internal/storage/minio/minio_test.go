package minio

import (
	"context"
	"errors"
	"testing"

	"github.com/withDustin/targeek-image-server/internal/errs"
)

func TestEndpointOf(t *testing.T) {
	tests := []struct {
		cfg        Config
		wantHost   string
		wantSecure bool
	}{
		{Config{Endpoint: "minio:9000", UseSSL: false}, "minio:9000", false},
		{Config{Endpoint: "127.0.0.1:9000", UseSSL: true}, "127.0.0.1:9000", true},
		{Config{Endpoint: "http://minio:9000"}, "minio:9000", false},
		{Config{Endpoint: "https://s3.example.com", UseSSL: false}, "s3.example.com", true},
	}
	for _, tt := range tests {
		host, secure := endpointOf(tt.cfg)
		if host != tt.wantHost || secure != tt.wantSecure {
			t.Errorf("endpointOf(%q) = %q, %v; want %q, %v",
				tt.cfg.Endpoint, host, secure, tt.wantHost, tt.wantSecure)
		}
	}
}

func TestNewRequiresEndpointAndBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Bucket: "images"}); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if _, err := NewFromJSON(context.Background(), []byte(`{"endpoint":"minio:9000"}`)); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
