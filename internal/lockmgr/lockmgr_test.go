package lockmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumfs/stratum/internal/stratumerr"
)

func TestAcquireExclusive_BlocksSecondAcquirer(t *testing.T) {
	m := New()
	path := filepath.Join(t.TempDir(), "state")

	lock, err := m.AcquireExclusive(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = m.AcquireExclusive(context.Background(), path, 200*time.Millisecond)
	if !stratumerr.Is(err, stratumerr.LockBusy) {
		t.Fatalf("expected LockBusy while held, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	lock2, err := m.AcquireExclusive(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	lock2.Release()
}

func TestWithExclusive_ReleasesOnPanic(t *testing.T) {
	m := New()
	path := filepath.Join(t.TempDir(), "state")

	func() {
		defer func() { recover() }()
		m.WithExclusive(context.Background(), path, time.Second, func() error {
			panic("boom")
		})
	}()

	// If the lock wasn't released, this would time out as LockBusy.
	lock, err := m.AcquireExclusive(context.Background(), path, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("expected lock free after panic unwound, got %v", err)
	}
	lock.Release()
}

func TestWithExclusive_ReleasesOnError(t *testing.T) {
	m := New()
	path := filepath.Join(t.TempDir(), "state")

	err := m.WithExclusive(context.Background(), path, time.Second, func() error {
		return stratumerr.New(stratumerr.IoError, "test", "boom")
	})
	if !stratumerr.Is(err, stratumerr.IoError) {
		t.Fatalf("expected wrapped error to propagate, got %v", err)
	}

	lock, err := m.AcquireExclusive(context.Background(), path, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("expected lock free after error return, got %v", err)
	}
	lock.Release()
}
