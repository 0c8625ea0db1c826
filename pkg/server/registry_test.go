package server

import (
	"testing"
	"time"

	"github.com/colabtext/colabtext/pkg/database"
)

func newTestRegistry(expiry, sweep time.Duration) *Registry {
	return NewRegistry(nil, expiry, sweep, 256*1024, 16, time.Hour, 0)
}

func TestAcquireCreatesOnce(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)
	defer r.Shutdown()

	s1 := r.Acquire("doc1")
	s2 := r.Acquire("doc1")
	if s1 != s2 {
		t.Fatal("expected repeated Acquire of the same id to return the same session")
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestAcquireSeedsFromStore(t *testing.T) {
	store := newFakeStore()
	store.Store(&database.PersistedDocument{ID: "doc1", Text: "hello"})

	r := NewRegistry(store, time.Hour, time.Hour, 256*1024, 16, time.Hour, 0)
	defer r.Shutdown()

	s := r.Acquire("doc1")
	if s.Text() != "hello" {
		t.Fatalf("text = %q, want %q", s.Text(), "hello")
	}
}

func TestRemoveKillsSession(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)
	defer r.Shutdown()

	s := r.Acquire("doc1")
	r.Remove("doc1")

	if !s.Killed() {
		t.Fatal("expected session to be killed after Remove")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestIdleSessionIsEvictedAndKilled(t *testing.T) {
	r := newTestRegistry(30*time.Millisecond, 10*time.Millisecond)
	defer r.Shutdown()

	s := r.Acquire("doc1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Killed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected idle session to be evicted and killed")
}

func TestShutdownKillsAllSessions(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)

	s1 := r.Acquire("doc1")
	s2 := r.Acquire("doc2")

	r.Shutdown()

	if !s1.Killed() || !s2.Killed() {
		t.Fatal("expected Shutdown to kill every cached session")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}
