package content

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
	"github.com/withDustin/targeek-image-server/internal/storage/storagetest"
)

func newAddresser(t *testing.T) (*Addresser, *local.LocalBackend, *storagetest.Remote) {
	t.Helper()
	lb, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "up"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	remote := storagetest.NewRemote()
	return NewAddresser(storage.NewResolver(lb, remote, "")), lb, remote
}

func TestAddressOfDeterministic(t *testing.T) {
	a, err := AddressOf(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := AddressOf(strings.NewReader("hello"))
	c, _ := AddressOf(strings.NewReader("hello!"))

	if a != b {
		t.Error("same bytes must give the same key")
	}
	if a == c {
		t.Error("different bytes must give different keys")
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("expected 64 lowercase hex chars, got %q", a)
	}
}

func TestIngestDeduplicates(t *testing.T) {
	ctx := context.Background()
	a, lb, _ := newAddresser(t)
	payload := []byte("same bytes")

	first, err := a.Ingest(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if !first.New() || first.Size != int64(len(payload)) {
		t.Errorf("unexpected first result %+v", first)
	}

	second, err := a.Ingest(ctx, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Key != first.Key {
		t.Errorf("keys differ: %s vs %s", first.Key, second.Key)
	}
	if second.Existing != storage.Local {
		t.Errorf("expected existing local copy, got %v", second.Existing)
	}

	keys, _ := lb.List(ctx)
	if len(keys) != 1 || keys[0] != first.Key {
		t.Errorf("expected exactly one stored blob, got %v", keys)
	}
	entries, _ := os.ReadDir(lb.Root())
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}

func TestClaimKnownRemote(t *testing.T) {
	ctx := context.Background()
	a, lb, remote := newAddresser(t)
	key, _ := AddressOf(strings.NewReader("durable"))
	remote.Seed(key, []byte("durable"), "")

	res, err := a.Ingest(ctx, strings.NewReader("durable"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Existing != storage.Remote {
		t.Errorf("expected remote, got %v", res.Existing)
	}
	if ok, _ := lb.Exists(ctx, key); ok {
		t.Error("no local copy should be created for a remote key")
	}
}

func TestConcurrentIngest(t *testing.T) {
	ctx := context.Background()
	a, lb, _ := newAddresser(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Ingest(ctx, strings.NewReader("concurrent"))
			if err != nil {
				t.Error(err)
				return
			}
			if res.New() {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly one new claim, got %d", created)
	}
	keys, _ := lb.List(ctx)
	if len(keys) != 1 {
		t.Errorf("expected one blob, got %v", keys)
	}
}
