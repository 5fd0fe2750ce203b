package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/withDustin/targeek-image-server/internal/content"
	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
	"github.com/withDustin/targeek-image-server/internal/storage/storagetest"
	"github.com/withDustin/targeek-image-server/internal/transform"
)

type fixture struct {
	pipeline *Pipeline
	addr     *content.Addresser
	local    *local.LocalBackend
	remote   *storagetest.Remote
}

// failingLocal fails the next failures writes of keys ending in suffix.
type failingLocal struct {
	*local.LocalBackend
	mu       sync.Mutex
	suffix   string
	failures int
}

func (l *failingLocal) Write(ctx context.Context, key string, body io.Reader) error {
	l.mu.Lock()
	fail := l.failures > 0 && strings.HasSuffix(key, l.suffix)
	if fail {
		l.failures--
	}
	l.mu.Unlock()
	if fail {
		return errs.WrapTransient("write "+key, errors.New("disk full"))
	}
	return l.LocalBackend.Write(ctx, key, body)
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, func(lb *local.LocalBackend) storage.LocalStore { return lb })
}

func newFixtureWith(t *testing.T, wrap func(*local.LocalBackend) storage.LocalStore) *fixture {
	t.Helper()
	lb, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "up"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	remote := storagetest.NewRemote()
	resolver := storage.NewResolver(wrap(lb), remote, "public-read")
	return &fixture{
		pipeline: New(resolver, Config{}),
		addr:     content.NewAddresser(resolver),
		local:    lb,
		remote:   remote,
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (f *fixture) ingest(t *testing.T, data []byte) string {
	t.Helper()
	res, err := f.addr.Ingest(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return res.Key
}

func widthOf(t *testing.T, data []byte) int {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if format != "webp" {
		t.Errorf("expected webp variant, got %s", format)
	}
	return cfg.Width
}

func TestProcessEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.ingest(t, pngBytes(t, 2000, 1500))

	var (
		mu       sync.Mutex
		progress []int
	)
	err := f.pipeline.Process(ctx, key, func(p int) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := map[string]int{
		key:               2000,
		key + "_large":    1366,
		key + "_standard": 1024,
		key + "_medium":   768,
		key + "_small":    448,
		key + "_thumb":    128,
	}
	keys := f.remote.Keys()
	if len(keys) != len(want) {
		t.Fatalf("expected %d remote objects, got %v", len(want), keys)
	}
	for k, w := range want {
		obj, ok := f.remote.Object(k)
		if !ok {
			t.Errorf("missing remote object %s", k)
			continue
		}
		if got := widthOf(t, obj.Body); got != w {
			t.Errorf("%s: width %d, want %d", k, got, w)
		}
		if obj.ContentType != "image/webp" || obj.ACL != "public-read" {
			t.Errorf("%s: content type %q acl %q", k, obj.ContentType, obj.ACL)
		}
	}

	local, _ := f.local.List(ctx)
	if len(local) != 0 {
		t.Errorf("local tier should be empty, got %v", local)
	}

	if !sort.IntsAreSorted(progress) || progress[len(progress)-1] != ProgressMigrated {
		t.Errorf("unexpected progress sequence %v", progress)
	}
}

func TestProcessIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.ingest(t, pngBytes(t, 300, 200))

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatal(err)
	}
	before := f.remote.Keys()

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	after := f.remote.Keys()
	if len(after) != len(before) {
		t.Errorf("second run changed remote objects: %v -> %v", before, after)
	}
	for _, k := range after {
		if n := f.remote.Puts(k); n != 1 {
			t.Errorf("%s uploaded %d times", k, n)
		}
	}
}

func TestProcessDoesNotEnlarge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.ingest(t, pngBytes(t, 300, 200))

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatal(err)
	}
	for _, class := range []string{"large", "standard", "medium", "small"} {
		obj, ok := f.remote.Object(transform.VariantKey(key, class))
		if !ok {
			t.Fatalf("missing %s variant", class)
		}
		if w := widthOf(t, obj.Body); w != 300 {
			t.Errorf("%s variant width %d, want 300", class, w)
		}
	}
	obj, _ := f.remote.Object(transform.VariantKey(key, "thumb"))
	if w := widthOf(t, obj.Body); w != 128 {
		t.Errorf("thumb width %d, want 128", w)
	}
}

func TestProcessNonImagePassesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	payload := []byte("plain text document")
	key := f.ingest(t, payload)

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatal(err)
	}
	keys := f.remote.Keys()
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected only the raw blob remote, got %v", keys)
	}
	obj, _ := f.remote.Object(key)
	if !bytes.Equal(obj.Body, payload) {
		t.Error("non-image bytes must be stored unchanged")
	}
}

func TestProcessCorruptImagePassesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	corrupt := pngBytes(t, 50, 50)[:40]
	key := f.ingest(t, corrupt)

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatalf("corrupt image should not fail the job: %v", err)
	}
	obj, ok := f.remote.Object(key)
	if !ok || !bytes.Equal(obj.Body, corrupt) {
		t.Error("corrupt bytes should be migrated raw")
	}
}

func TestProcessAbsentIsNoop(t *testing.T) {
	f := newFixture(t)
	var calls int
	if err := f.pipeline.Process(context.Background(), "missing", func(int) { calls++ }); err != nil {
		t.Fatal(err)
	}
	if calls != 0 || len(f.remote.Keys()) != 0 {
		t.Error("absent key should be a no-op")
	}
}

func TestProcessStoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := f.ingest(t, pngBytes(t, 64, 64))
	f.remote.PutErr = errs.WrapTransient("put", errors.New("network down"))

	err := f.pipeline.Process(ctx, key, nil)
	if !errs.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	// The retry finishes the job from the partially processed local state.
	f.remote.PutErr = nil
	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(f.remote.Keys()); n != len(transform.Classes) {
		t.Errorf("expected %d remote objects after retry, got %d", len(transform.Classes), n)
	}
	if local, _ := f.local.List(ctx); len(local) != 0 {
		t.Errorf("local tier should be empty after retry, got %v", local)
	}
}

func TestProcessRetryDerivesMissingVariant(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, func(lb *local.LocalBackend) storage.LocalStore {
		return &failingLocal{LocalBackend: lb, suffix: "_thumb", failures: 1}
	})
	src := pngBytes(t, 600, 400)
	key := f.ingest(t, src)

	err := f.pipeline.Process(ctx, key, nil)
	if !errs.IsTransient(err) {
		t.Fatalf("expected transient write error, got %v", err)
	}
	stored, err := f.local.Read(ctx, key)
	if err != nil || !bytes.Equal(stored, src) {
		t.Fatal("source bytes must stay untouched until every variant is written")
	}

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(f.remote.Keys()); n != len(transform.Classes) {
		t.Fatalf("expected %d remote objects after retry, got %v", len(transform.Classes), f.remote.Keys())
	}
	obj, ok := f.remote.Object(key + "_thumb")
	if !ok {
		t.Fatal("thumb variant missing after retry")
	}
	if w := widthOf(t, obj.Body); w != 128 {
		t.Errorf("thumb width %d, want 128", w)
	}
	if obj, _ := f.remote.Object(key); obj.ContentType != "image/webp" {
		t.Errorf("original should be re-encoded, got %q", obj.ContentType)
	}
}

func TestProcessCanonicalUploadStillGetsVariants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	img, err := transform.Decode(pngBytes(t, 500, 250))
	if err != nil {
		t.Fatal(err)
	}
	src, err := transform.Encode(img, transform.FormatWebP, 80)
	if err != nil {
		t.Fatal(err)
	}
	key := f.ingest(t, src)

	if err := f.pipeline.Process(ctx, key, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(f.remote.Keys()); n != len(transform.Classes) {
		t.Fatalf("expected %d remote objects, got %v", len(transform.Classes), f.remote.Keys())
	}
	obj, _ := f.remote.Object(key)
	if !bytes.Equal(obj.Body, src) {
		t.Error("an upload already in the canonical format is stored unchanged")
	}
	if obj, _ := f.remote.Object(key + "_small"); widthOf(t, obj.Body) != 448 {
		t.Error("small variant should be 448 wide")
	}
}

func TestInlineProcessesImmediately(t *testing.T) {
	f := newFixture(t)
	key := f.ingest(t, pngBytes(t, 300, 200))

	q := Inline{P: f.pipeline}
	added, err := q.Enqueue(context.Background(), key)
	if err != nil || !added {
		t.Fatalf("Enqueue = %v, %v", added, err)
	}
	if n, _ := q.Pending(context.Background()); n != 0 {
		t.Errorf("inline queue should never be pending, got %d", n)
	}
	if _, ok := f.remote.Object(key + "_thumb"); !ok {
		t.Error("thumb should be remote after inline enqueue")
	}
}
