package journal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opsdesk/approval-bot/internal/apperr"
	"github.com/opsdesk/approval-bot/internal/model"
)

func newStore(t *testing.T, path, secret string) *Store {
	t.Helper()

	s, err := Open(path, secret)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestAppendLoadAll_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.bin")
	s := newStore(t, path, "s3cret")

	services := []string{"api", "worker", "billing"}
	for _, svc := range services {
		if _, err := s.Append(model.Record{Command: "rollout", Service: svc, Outcome: model.OutcomeSuccess}); err != nil {
			t.Fatalf("append %s: %v", svc, err)
		}
	}

	got := newStore(t, path, "s3cret").LoadAll()
	if len(got) != len(services) {
		t.Fatalf("expected %d records, got %d", len(services), len(got))
	}
	for i, svc := range services {
		if got[i].Service != svc {
			t.Fatalf("record %d: expected service %q, got %q", i, svc, got[i].Service)
		}
		if got[i].ID == "" || got[i].Timestamp.IsZero() {
			t.Fatalf("record %d: expected id and timestamp to be set, got %+v", i, got[i])
		}
	}
}

func TestLoadAll_Missing(t *testing.T) {
	t.Parallel()

	s := newStore(t, filepath.Join(t.TempDir(), "absent.bin"), "s3cret")
	if got := s.LoadAll(); len(got) != 0 {
		t.Fatalf("expected empty journal, got %d records", len(got))
	}
}

func TestLoadAll_DifferentSecret(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.bin")
	if _, err := newStore(t, path, "old").Append(model.Record{Service: "api"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rotated := newStore(t, path, "new")
	if got := rotated.LoadAll(); len(got) != 0 {
		t.Fatalf("expected empty journal under new secret, got %d records", len(got))
	}

	if _, err := rotated.Append(model.Record{Service: "worker"}); err != nil {
		t.Fatalf("append after rotation: %v", err)
	}
	got := rotated.LoadAll()
	if len(got) != 1 || got[0].Service != "worker" {
		t.Fatalf("expected fresh single-record journal, got %+v", got)
	}
}

func TestAppend_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.bin")
	if err := os.WriteFile(path, []byte("not ciphertext"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := newStore(t, path, "s3cret")
	if _, err := s.Append(model.Record{Service: "api"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := s.LoadAll(); len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
}

func TestAppend_WriteFailure(t *testing.T) {
	t.Parallel()

	// The parent "directory" is a regular file, so MkdirAll fails.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := newStore(t, filepath.Join(blocker, "journal.bin"), "s3cret")
	_, err := s.Append(model.Record{Service: "api"})
	if !errors.Is(err, apperr.ErrJournalWrite) {
		t.Fatalf("expected ErrJournalWrite, got %v", err)
	}
}

func TestOpen_EmptySecret(t *testing.T) {
	t.Parallel()

	if _, err := Open("x", ""); !errors.Is(err, apperr.ErrJournalLocked) {
		t.Fatalf("expected ErrJournalLocked, got %v", err)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	t.Parallel()

	s := newStore(t, filepath.Join(t.TempDir(), "journal.bin"), "s3cret")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(model.Record{Service: "api"}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.LoadAll(); len(got) != n {
		t.Fatalf("expected %d records, got %d", n, len(got))
	}
}
