package server

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/colabtext/colabtext/pkg/database"
	"github.com/colabtext/colabtext/pkg/logger"
)

// Registry is the concurrent document-id → Session map. It is the only
// place Sessions are born: acquiring an absent id loads from the store
// (or creates an empty session), spawns its persister, and caches it with
// a sliding idle expiry. Eviction — by TTL or explicit Remove — kills the
// session, which drains its connection handlers and persister.
//
// The TTL bookkeeping and idle sweep (C6, the "GC loop") are delegated to
// go-cache's own janitor goroutine via its OnEvicted hook, rather than
// hand-rolling a ticker that walks a map; see DESIGN.md.
type Registry struct {
	cache      *cache.Cache
	store      database.Store
	createLock sync.Mutex // serializes the load-or-create step of Acquire

	maxTargetLen      int
	broadcastCapacity int
	persistInterval   time.Duration
	persistJitter     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a registry whose sessions idle-expire after expiry
// and are swept for eviction every sweepInterval. store may be nil to run
// fully in-memory.
func NewRegistry(store database.Store, expiry, sweepInterval time.Duration, maxTargetLen, broadcastCapacity int, persistInterval, persistJitter time.Duration) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		cache:             cache.New(expiry, sweepInterval),
		store:             store,
		maxTargetLen:      maxTargetLen,
		broadcastCapacity: broadcastCapacity,
		persistInterval:   persistInterval,
		persistJitter:     persistJitter,
		ctx:               ctx,
		cancel:            cancel,
	}

	r.cache.OnEvicted(func(id string, item interface{}) {
		session := item.(*Session)
		logger.Info("registry: evicting idle document %s", id)
		session.Kill()
	})

	return r
}

// Acquire returns the session for id, refreshing its idle expiry. If no
// session is cached, one is created — seeded from the store if a document
// already exists there — its colors are loaded, its persister is spawned,
// and it is cached.
func (r *Registry) Acquire(id string) *Session {
	if item, found := r.cache.Get(id); found {
		session := item.(*Session)
		r.cache.Set(id, session, cache.DefaultExpiration)
		return session
	}

	r.createLock.Lock()
	defer r.createLock.Unlock()

	// Re-check now that we hold the lock: another goroutine may have
	// created the session while we were waiting.
	if item, found := r.cache.Get(id); found {
		session := item.(*Session)
		r.cache.Set(id, session, cache.DefaultExpiration)
		return session
	}

	session := r.load(id)
	session.LoadColors()
	r.cache.Set(id, session, cache.DefaultExpiration)
	go runPersister(r.ctx, r.store, id, session, r.persistInterval, r.persistJitter)
	return session
}

func (r *Registry) load(id string) *Session {
	if r.store != nil {
		if doc, err := r.store.Load(id); err != nil {
			logger.Warn("registry: load document %s: %v", id, err)
		} else if doc != nil {
			logger.Info("registry: loaded document %s from store", id)
			return FromPersistedDocument(doc.Text, doc.Language, r.store, r.maxTargetLen, r.broadcastCapacity)
		}
	}
	return NewSession(r.store, r.maxTargetLen, r.broadcastCapacity)
}

// Remove evicts id immediately, killing its session.
func (r *Registry) Remove(id string) {
	r.cache.Delete(id)
}

// Count returns the number of sessions currently cached in memory.
func (r *Registry) Count() int {
	return r.cache.ItemCount()
}

// Shutdown kills every cached session and stops spawned persisters.
func (r *Registry) Shutdown() {
	r.cancel()
	for id, item := range r.cache.Items() {
		session := item.Object.(*Session)
		session.Kill()
		r.cache.Delete(id)
	}
}
