package server

import (
	"context"
	"math/rand"
	"time"

	"github.com/colabtext/colabtext/pkg/database"
	"github.com/colabtext/colabtext/pkg/logger"
)

// runPersister snapshots session to store every interval+jitter, skipping
// ticks where the revision hasn't advanced since the last successful
// write. It exits when ctx is cancelled (registry shutdown) or the
// session is killed. One of these runs per session, spawned exactly once
// by Registry.Acquire at session creation.
func runPersister(ctx context.Context, store database.Store, id string, session *Session, interval, jitter time.Duration) {
	if store == nil {
		return
	}

	lastPersisted := 0

	for {
		wait := interval
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if session.Killed() {
			return
		}

		revision := session.Revision()
		if revision <= lastPersisted {
			continue
		}

		text, language := session.Snapshot()
		doc := &database.PersistedDocument{ID: id, Text: text, Language: language}

		if err := store.Store(doc); err != nil {
			logger.Error("persister: store document %s: %v", id, err)
			continue // retry next tick; revision not recorded
		}
		lastPersisted = revision
		logger.Debug("persister: persisted revision %d for document %s", revision, id)
	}
}
