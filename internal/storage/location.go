package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
)

// Location says which tier holds a key.
type Location int

const (
	Absent Location = iota
	Local
	Remote
)

func (l Location) String() string {
	switch l {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "absent"
	}
}

// Resolver decides where a key lives and moves keys from the local tier to
// the remote tier.
type Resolver struct {
	local  LocalStore
	remote RemoteStore
	acl    string
}

// NewResolver creates a Resolver. acl is the canned ACL applied to migrated objects.
func NewResolver(local LocalStore, remote RemoteStore, acl string) *Resolver {
	return &Resolver{local: local, remote: remote, acl: acl}
}

// Local returns the local tier.
func (r *Resolver) Local() LocalStore { return r.local }

// Remote returns the remote tier.
func (r *Resolver) Remote() RemoteStore { return r.remote }

// ACL returns the canned ACL applied to remote objects.
func (r *Resolver) ACL() string { return r.acl }

// Locate checks both tiers concurrently. A remote hit always wins. A remote
// failure falls back to the local answer, and is returned when the key is
// not local either, so an unreachable remote is never reported as Absent.
func (r *Resolver) Locate(ctx context.Context, key string) (Location, error) {
	var (
		inRemote, inLocal bool
		remoteErr         error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Remote failures are kept out of the group so the local stat is not cancelled.
		inRemote, remoteErr = r.remote.HeadObject(gctx, key)
		return nil
	})
	g.Go(func() error {
		var err error
		inLocal, err = r.local.Exists(gctx, key)
		return err
	})
	if err := g.Wait(); err != nil {
		return Absent, fmt.Errorf("locate %s: %w", key, err)
	}

	switch {
	case remoteErr == nil && inRemote:
		return Remote, nil
	case inLocal:
		if remoteErr != nil {
			logging.Warn("remote lookup failed, using local copy", logging.Key(key), logging.Err(remoteErr))
		}
		return Local, nil
	case remoteErr != nil:
		return Absent, fmt.Errorf("locate %s: %w", key, remoteErr)
	default:
		return Absent, nil
	}
}

// Read returns the bytes for key from the local tier if present, otherwise
// from the remote tier.
func (r *Resolver) Read(ctx context.Context, key string) ([]byte, Location, error) {
	data, err := r.local.Read(ctx, key)
	if err == nil {
		return data, Local, nil
	}
	if !errs.IsNotFound(err) {
		return nil, Absent, err
	}

	data, err = r.remote.GetObject(ctx, key)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, Absent, fmt.Errorf("read %s: %w", key, errs.ErrNotFound)
		}
		return nil, Absent, err
	}
	return data, Remote, nil
}

// Migrate uploads the local copy of key to the remote tier unless it is
// already there, then deletes the local copy. Calling it again after success
// is a no-op. It returns whether an upload happened.
func (r *Resolver) Migrate(ctx context.Context, key, contentType string) (bool, error) {
	exists, err := r.remote.HeadObject(ctx, key)
	if err != nil {
		return false, fmt.Errorf("migrate %s: %w", key, err)
	}

	uploaded := false
	if !exists {
		data, err := r.local.Read(ctx, key)
		if err != nil {
			if errs.IsNotFound(err) {
				// Neither tier has it; a concurrent migrate may have finished first.
				if again, herr := r.remote.HeadObject(ctx, key); herr == nil && again {
					return false, nil
				}
			}
			return false, fmt.Errorf("migrate %s: %w", key, err)
		}
		if err := r.remote.PutObject(ctx, key, data, contentType, r.acl); err != nil {
			return false, fmt.Errorf("migrate %s: %w", key, err)
		}
		uploaded = true
		logging.Debug("migrated to remote", logging.Key(key), zap.Int("size", len(data)))
	}
	metrics.RecordMigration(uploaded)

	if err := r.local.Delete(ctx, key); err != nil {
		return uploaded, fmt.Errorf("migrate %s: delete local: %w", key, err)
	}
	return uploaded, nil
}
