package deadletter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPostgresSink(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	sink, err := NewPostgresSink(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresSink: %v", err)
	}
	defer sink.Close()

	id := uuid.NewString()
	e := Entry{JobID: id, Key: "abc", Attempts: 5, LastError: "timeout", FailedAt: time.Now().UTC()}
	if err := sink.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Attempts = 6
	if err := sink.Record(ctx, e); err != nil {
		t.Fatalf("second Record should upsert: %v", err)
	}

	entries, err := sink.List(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range entries {
		if got.JobID == id {
			if got.Attempts != 6 {
				t.Errorf("expected attempts 6, got %d", got.Attempts)
			}
			return
		}
	}
	t.Errorf("entry %s not listed", id)
}

func TestMemorySink(t *testing.T) {
	var s MemorySink
	s.Record(context.Background(), Entry{JobID: "1"})
	s.Record(context.Background(), Entry{JobID: "2"})
	if got := s.Entries(); len(got) != 2 || got[1].JobID != "2" {
		t.Errorf("unexpected entries %v", got)
	}
}
