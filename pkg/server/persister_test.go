package server

import (
	"context"
	"testing"
	"time"
)

func TestPersisterStoresAfterRevisionAdvances(t *testing.T) {
	store := newFakeStore()
	session := NewSession(store, 256*1024, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runPersister(ctx, store, "doc1", session, 10*time.Millisecond, 0)

	if err := session.ApplyEdit(0, 0, insertOp("hello"), nil); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, _ := store.Load("doc1")
		if doc != nil && doc.Text == "hello" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected persister to store the document after the revision advanced")
}

func TestPersisterStopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	session := NewSession(store, 256*1024, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runPersister(ctx, store, "doc1", session, 5*time.Millisecond, 0)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected persister goroutine to exit after context cancellation")
	}
}

func TestPersisterNoopWithoutStore(t *testing.T) {
	session := NewSession(nil, 256*1024, 16)
	done := make(chan struct{})
	go func() {
		runPersister(context.Background(), nil, "doc1", session, time.Hour, 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected runPersister to return immediately when store is nil")
	}
}
