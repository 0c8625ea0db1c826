package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/colabtext/colabtext/pkg/database"
	"github.com/colabtext/colabtext/pkg/logger"
)

// Config tunes the server per §6 of the collaborative editing contract.
type Config struct {
	ExpiryDays        int
	SweepInterval     time.Duration
	PersistInterval   time.Duration
	PersistJitter     time.Duration
	MaxTargetLen      int
	BroadcastCapacity int
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		ExpiryDays:        1,
		SweepInterval:     time.Hour,
		PersistInterval:   3 * time.Second,
		PersistJitter:     time.Second,
		MaxTargetLen:      256 * 1024,
		BroadcastCapacity: 16,
	}
}

// Stats is the payload for GET /api/stats.
type Stats struct {
	StartTime    int64 `json:"start_time"`
	NumDocuments int   `json:"num_documents"`
	DatabaseSize int   `json:"database_size"`
}

// Server is the HTTP adapter (C7): WebSocket upgrade, plain-text document
// fetch, stats, and document metadata CRUD. The collaborative editing
// core itself (Session, Registry, Connection, persister) is transport-
// agnostic; this is the one component that speaks HTTP.
type Server struct {
	registry  *Registry
	db        *database.Database
	startTime time.Time
	mux       *http.ServeMux
}

// NewServer wires a registry over db (db may be nil to run in-memory
// only) and registers all routes.
func NewServer(db *database.Database, cfg Config) *Server {
	var store database.Store
	if db != nil {
		store = db
	}

	s := &Server{
		registry:  NewRegistry(store, time.Duration(cfg.ExpiryDays)*24*time.Hour, cfg.SweepInterval, cfg.MaxTargetLen, cfg.BroadcastCapacity, cfg.PersistInterval, cfg.PersistJitter),
		db:        db,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/socket/", s.handleSocket)
	s.mux.HandleFunc("/api/text/", s.handleText)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/documents", s.handleDocuments)
	s.mux.HandleFunc("/api/documents/", s.handleDocument)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleSocket upgrades to a WebSocket and runs the connection lifecycle.
// Route: /api/socket/{id}
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/socket/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	session := s.registry.Acquire(docID)
	email := authenticatedEmail(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("websocket upgrade failed for %s: %v", docID, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	handler := NewConnection(session, conn, email)
	if err := handler.Handle(r.Context()); err != nil {
		logConnectionError(docID, err)
	}
}

// logConnectionError applies the error taxonomy's log-level policy
// (spec.md §7) to a connection's termination cause: InvalidRevision,
// DocumentTooLarge, OTFailure, and DecodeError all warrant a warning;
// TransportError is silent; SubscriberLag is informational (the client is
// expected to reconnect); anything else (e.g. context cancellation on
// server shutdown) falls back to a debug trace.
func logConnectionError(docID string, err error) {
	switch classify(err) {
	case KindInvalidRevision, KindDocumentTooLarge, KindOTFailure, KindDecodeError:
		logger.Warn("connection for %s terminated: %v", docID, err)
	case KindSubscriberLag:
		logger.Info("connection for %s terminated: %v", docID, err)
	case KindTransportError:
		// Terminate silently: socket I/O failures are expected background
		// noise, not actionable.
	default:
		logger.Debug("connection for %s ended: %v", docID, err)
	}
}

// handleText returns the current plain-text document body.
// Route: /api/text/{id}
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimPrefix(r.URL.Path, "/api/text/")
	if docID == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	session := s.registry.Acquire(docID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(session.Text()))
}

// handleStats returns server-wide statistics.
// Route: /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dbSize := 0
	if s.db != nil {
		if count, err := s.db.Count(); err == nil {
			dbSize = count
		}
	}

	writeJSON(w, http.StatusOK, Stats{
		StartTime:    s.startTime.Unix(),
		NumDocuments: s.registry.Count(),
		DatabaseSize: dbSize,
	})
}

type createDocumentRequest struct {
	Name *string `json:"name,omitempty"`
}

type renameDocumentRequest struct {
	Name string `json:"name"`
}

// handleDocuments serves GET (list) and POST (create) on /api/documents.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "document metadata unavailable without a database", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		docs, err := s.db.List()
		if err != nil {
			logger.Error("list documents: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, docs)

	case http.MethodPost:
		var body createDocumentRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		id := generateDocumentID()
		meta, err := s.db.Create(id, body.Name)
		if err != nil {
			logger.Error("create document: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, meta)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDocument serves GET (metadata), PATCH (rename), and DELETE (soft
// delete) on /api/documents/{id}.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "document metadata unavailable without a database", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	if id == "" {
		http.Error(w, "document ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		meta, err := s.db.GetMeta(id)
		if err != nil {
			logger.Error("get document %s: %v", id, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if meta == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case http.MethodPatch:
		var body renameDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := s.db.Rename(id, body.Name); err != nil {
			logger.Error("rename document %s: %v", id, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		meta, err := s.db.GetMeta(id)
		if err != nil || meta == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, meta)

	case http.MethodDelete:
		s.registry.Remove(id)
		if err := s.db.SoftDelete(id); err != nil {
			logger.Error("delete document %s: %v", id, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Shutdown kills every in-memory session so handlers and persisters drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Shutdown()
	return nil
}

// authenticatedEmail extracts the opaque authenticated identity injected
// by whatever sits in front of this server (reverse proxy, auth
// middleware). Authentication itself is out of scope; a missing header
// means an anonymous connection.
func authenticatedEmail(r *http.Request) *string {
	email := r.Header.Get("X-Authenticated-Email")
	if email == "" {
		return nil
	}
	return &email
}

// generateDocumentID produces a short opaque identifier for a new
// document.
func generateDocumentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
