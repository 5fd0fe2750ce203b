// Package content derives canonical keys from blob bytes and claims staged
// uploads under those keys.
package content

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/storage"
)

const claimStripes = 256

// AddressOf returns the canonical key for the bytes read from r: the
// lowercase hex BLAKE3-256 digest.
func AddressOf(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Result describes an ingested blob.
type Result struct {
	Key  string
	Size int64
	// Existing is where the key already lived before this ingest, or
	// storage.Absent when this ingest created it.
	Existing storage.Location
}

// New reports whether the ingest stored a previously unseen key.
func (r Result) New() bool { return r.Existing == storage.Absent }

// Addresser stages uploads in the local tier and renames them to their
// content key unless the key already exists in either tier.
type Addresser struct {
	resolver *storage.Resolver
	stripes  [claimStripes]sync.Mutex
}

// NewAddresser creates an Addresser over the resolver's tiers.
func NewAddresser(resolver *storage.Resolver) *Addresser {
	return &Addresser{resolver: resolver}
}

func (a *Addresser) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &a.stripes[h.Sum32()%claimStripes]
}

// Claim resolves a staged temp file against key. When the key already exists
// in some tier, the temp file is discarded and that location is returned.
// Otherwise the temp file is renamed to key and Absent is returned, meaning
// the key is new. Claims of the same key are serialised within the process.
func (a *Addresser) Claim(ctx context.Context, tempName, key string) (storage.Location, error) {
	mu := a.lock(key)
	mu.Lock()
	defer mu.Unlock()

	local := a.resolver.Local()
	loc, err := a.resolver.Locate(ctx, key)
	if err != nil {
		return storage.Absent, fmt.Errorf("claim %s: %w", key, err)
	}

	if loc != storage.Absent {
		if err := local.Discard(tempName); err != nil {
			return loc, fmt.Errorf("claim %s: %w", key, err)
		}
		logging.Debug("duplicate upload discarded", logging.Key(key), zap.Stringer("location", loc))
		return loc, nil
	}

	if err := local.Rename(ctx, tempName, key); err != nil {
		return storage.Absent, fmt.Errorf("claim %s: %w", key, err)
	}
	return storage.Absent, nil
}

// Ingest stages r in the local tier, hashing while writing, and claims it.
func (a *Addresser) Ingest(ctx context.Context, r io.Reader) (Result, error) {
	local := a.resolver.Local()
	tmp, err := local.Stage()
	if err != nil {
		return Result{}, err
	}
	tmpName := tmp.Name()

	h := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		local.Discard(tmpName)
		return Result{}, fmt.Errorf("stage upload: %w", err)
	}

	key := hex.EncodeToString(h.Sum(nil))
	loc, err := a.Claim(ctx, tmpName, key)
	if err != nil {
		local.Discard(tmpName)
		return Result{}, err
	}
	return Result{Key: key, Size: size, Existing: loc}, nil
}
