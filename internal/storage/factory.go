package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/storage/minio"
	s3backend "github.com/withDustin/targeek-image-server/internal/storage/s3"
)

// NewRemoteFromConfig creates a RemoteStore from a backend type string and JSON config.
func NewRemoteFromConfig(ctx context.Context, backendType string, config json.RawMessage) (RemoteStore, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "minio":
		return minio.NewFromJSON(ctx, config)
	default:
		return nil, fmt.Errorf("unknown remote backend type %q: %w", backendType, errs.ErrConfig)
	}
}
