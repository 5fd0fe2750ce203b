package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
	"github.com/withDustin/targeek-image-server/internal/storage/storagetest"
)

func newResolver(t *testing.T) (*storage.Resolver, *local.LocalBackend, *storagetest.Remote) {
	t.Helper()
	lb, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "up"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	remote := storagetest.NewRemote()
	return storage.NewResolver(lb, remote, "public-read"), lb, remote
}

func TestLocate(t *testing.T) {
	ctx := context.Background()
	r, lb, remote := newResolver(t)

	if loc, err := r.Locate(ctx, "k"); err != nil || loc != storage.Absent {
		t.Fatalf("Locate = %v, %v; want absent", loc, err)
	}

	lb.WriteBytes(ctx, "k", []byte("x"))
	if loc, _ := r.Locate(ctx, "k"); loc != storage.Local {
		t.Errorf("expected local, got %v", loc)
	}

	remote.Seed("k", []byte("x"), "")
	if loc, _ := r.Locate(ctx, "k"); loc != storage.Remote {
		t.Errorf("remote should take precedence, got %v", loc)
	}
}

func TestLocateRemoteFailure(t *testing.T) {
	ctx := context.Background()
	r, lb, remote := newResolver(t)
	remote.SetHeadErr(errors.New("connection reset"))

	if loc, err := r.Locate(ctx, "missing"); err == nil {
		t.Fatalf("expected error when remote fails and key is not local, got %v", loc)
	}

	lb.WriteBytes(ctx, "present", []byte("x"))
	loc, err := r.Locate(ctx, "present")
	if err != nil || loc != storage.Local {
		t.Errorf("Locate = %v, %v; want local", loc, err)
	}
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	r, lb, remote := newResolver(t)

	if _, _, err := r.Read(ctx, "k"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	remote.Seed("k", []byte("remote"), "")
	data, loc, err := r.Read(ctx, "k")
	if err != nil || loc != storage.Remote || string(data) != "remote" {
		t.Errorf("Read = %q, %v, %v", data, loc, err)
	}

	lb.WriteBytes(ctx, "k", []byte("local"))
	data, loc, _ = r.Read(ctx, "k")
	if loc != storage.Local || string(data) != "local" {
		t.Errorf("expected local copy first, got %q from %v", data, loc)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	ctx := context.Background()
	r, lb, remote := newResolver(t)
	lb.WriteBytes(ctx, "k", []byte("payload"))

	uploaded, err := r.Migrate(ctx, "k", "image/jpeg")
	if err != nil || !uploaded {
		t.Fatalf("first Migrate = %v, %v", uploaded, err)
	}
	if ok, _ := lb.Exists(ctx, "k"); ok {
		t.Error("local copy should be deleted after migrate")
	}
	obj, ok := remote.Object("k")
	if !ok || obj.ACL != "public-read" || obj.ContentType != "image/jpeg" {
		t.Errorf("unexpected remote object %+v", obj)
	}

	uploaded, err = r.Migrate(ctx, "k", "image/jpeg")
	if err != nil || uploaded {
		t.Fatalf("second Migrate = %v, %v; want no upload", uploaded, err)
	}
	if n := remote.Puts("k"); n != 1 {
		t.Errorf("expected exactly one upload, got %d", n)
	}
}

func TestMigrateSkipsWhenAlreadyRemote(t *testing.T) {
	ctx := context.Background()
	r, lb, remote := newResolver(t)
	remote.Seed("k", []byte("payload"), "")
	lb.WriteBytes(ctx, "k", []byte("payload"))

	if uploaded, err := r.Migrate(ctx, "k", ""); err != nil || uploaded {
		t.Fatalf("Migrate = %v, %v", uploaded, err)
	}
	if ok, _ := lb.Exists(ctx, "k"); ok {
		t.Error("stale local copy should be removed")
	}
	if remote.Puts("k") != 0 {
		t.Error("no upload expected")
	}
}

func TestMigratePutFailureKeepsLocal(t *testing.T) {
	ctx := context.Background()
	r, lb, remote := newResolver(t)
	lb.WriteBytes(ctx, "k", []byte("payload"))
	remote.PutErr = errs.WrapTransient("put", errors.New("timeout"))

	if _, err := r.Migrate(ctx, "k", ""); !errs.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if ok, _ := lb.Exists(ctx, "k"); !ok {
		t.Error("local copy must survive a failed upload")
	}
}
