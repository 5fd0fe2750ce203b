package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/withDustin/targeek-image-server/internal/errs"
	"github.com/withDustin/targeek-image-server/internal/queue"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
)

func newLocal(t *testing.T, n int) *local.LocalBackend {
	t.Helper()
	lb, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "up"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := lb.WriteBytes(ctx, fmt.Sprintf("file%02d", i), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(lb.Root(), ".DS_Store"), nil, 0644)
	return lb
}

func TestRunEnqueuesOnlyWhenIdle(t *testing.T) {
	ctx := context.Background()
	lb := newLocal(t, 5)
	q := queue.New(queue.NewMemoryBroker(), nil, nil, queue.Config{})

	s, err := New(lb, q, Config{})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if res.Files != 5 || res.Enqueued != 5 || res.Skipped {
		t.Errorf("unexpected first result %+v", res)
	}

	res, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Enqueued != 0 || !res.Skipped {
		t.Errorf("second run should skip while jobs are queued, got %+v", res)
	}

	pending, _ := q.Pending(ctx)
	if pending != 5 {
		t.Errorf("expected 5 pending jobs, got %d", pending)
	}
}

func TestRunRateLimited(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.NewMemoryBroker(), nil, nil, queue.Config{})
	s, err := New(newLocal(t, 1), q, Config{Cooldown: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx); !errors.Is(err, errs.ErrRateLimited) {
		t.Errorf("expected rate limit error, got %v", err)
	}
}

func TestNewRejectsBadCron(t *testing.T) {
	q := queue.New(queue.NewMemoryBroker(), nil, nil, queue.Config{})
	if _, err := New(newLocal(t, 0), q, Config{Cron: "not a cron"}); !errors.Is(err, errs.ErrConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestStartRunsAfterInitialDelay(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.NewMemoryBroker(), nil, nil, queue.Config{})
	s, err := New(newLocal(t, 3), q, Config{Cron: "0 1 * * *", InitialDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := q.Pending(ctx); n == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("startup sweep did not enqueue local files")
}
