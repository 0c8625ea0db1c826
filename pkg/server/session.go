// Package server implements the collaborative editing core: the
// per-document session, its registry, connection handling, and the
// background persister/GC loops.
package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/colabtext/colabtext/internal/protocol"
	"github.com/colabtext/colabtext/pkg/database"
	"github.com/colabtext/colabtext/pkg/logger"
	"github.com/colabtext/colabtext/pkg/ot"
)

// State is the document state protected by Session's lock.
type State struct {
	Operations []protocol.UserOperation
	Text       string
	Language   *string
	Users      map[uint64]protocol.UserInfo
	Cursors    map[uint64]protocol.CursorData
	UserColors map[string]uint32
}

// Session is the authoritative in-memory state of one document plus its
// connected clients. It is shared by every connection handler for the
// document, one persister task, and the GC loop; the registry calls Kill
// when it evicts, removes, or shuts down the session.
type Session struct {
	state  *State
	mu     sync.RWMutex
	editMu sync.Mutex // serializes the Edit dispatch path; see DESIGN.md

	store database.Store

	count  atomic.Uint64
	killed atomic.Bool

	subscribers map[uint64]chan *protocol.ServerMsg
	notify      chan struct{}

	maxTargetLen      int
	broadcastCapacity int
}

// NewSession creates an empty session backed by store. store may be nil
// for a purely in-memory session (e.g. tests); color persistence and
// loading become no-ops in that case.
func NewSession(store database.Store, maxTargetLen, broadcastCapacity int) *Session {
	return &Session{
		state: &State{
			Operations: make([]protocol.UserOperation, 0),
			Users:      make(map[uint64]protocol.UserInfo),
			Cursors:    make(map[uint64]protocol.CursorData),
			UserColors: make(map[string]uint32),
		},
		store:             store,
		subscribers:       make(map[uint64]chan *protocol.ServerMsg),
		notify:            make(chan struct{}),
		maxTargetLen:      maxTargetLen,
		broadcastCapacity: broadcastCapacity,
	}
}

// FromPersistedDocument creates a session seeded from a previously stored
// document, per the synthetic-seed-op rule: the loaded text becomes a
// single UserOperation at protocol.SystemUserID, so revision() starts at 1
// and text == fold(apply, "", operations) holds immediately.
func FromPersistedDocument(text string, language *string, store database.Store, maxTargetLen, broadcastCapacity int) *Session {
	s := NewSession(store, maxTargetLen, broadcastCapacity)

	op := ot.NewOperationSeq()
	op.Insert(text)

	s.state.Text = text
	s.state.Language = language
	s.state.Operations = []protocol.UserOperation{
		{ID: protocol.SystemUserID, Operation: op},
	}

	return s
}

// NextConnID returns the next monotonically increasing connection id.
func (s *Session) NextConnID() uint64 {
	return s.count.Add(1) - 1
}

// Revision returns the current revision, i.e. the number of committed
// operations.
func (s *Session) Revision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Operations)
}

// Text returns a consistent snapshot of the current document text.
func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Text
}

// Snapshot returns {text, language} atomically, suitable for persistence.
func (s *Session) Snapshot() (text string, language *string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Text, s.state.Language
}

// Kill marks the session destroyed: it rejects further edits and wakes
// every waiter (edit notifier subscribers and broadcast subscribers).
func (s *Session) Kill() {
	if !s.killed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[uint64]chan *protocol.ServerMsg)
	close(s.notify)
	s.mu.Unlock()
}

// Killed reports whether the session has been destroyed.
func (s *Session) Killed() bool {
	return s.killed.Load()
}

// LoadColors bulk-loads persisted user colors from the store. Called once
// at session birth; a store error is logged and ignored (StoreError read
// policy: continue with an empty color map).
func (s *Session) LoadColors() {
	if s.store == nil {
		return
	}
	colors, err := s.store.LoadUserColors()
	if err != nil {
		logger.Warn("load user colors: %v", err)
		return
	}
	s.mu.Lock()
	for email, hue := range colors {
		s.state.UserColors[email] = hue
	}
	s.mu.Unlock()
}

// Subscribe opens this connection's broadcast channel for non-edit
// events (language, presence, cursor, color).
func (s *Session) Subscribe(connID uint64) <-chan *protocol.ServerMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *protocol.ServerMsg, s.broadcastCapacity)
	s.subscribers[connID] = ch
	return ch
}

// Unsubscribe closes and removes a connection's broadcast channel.
func (s *Session) Unsubscribe(connID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[connID]; ok {
		close(ch)
		delete(s.subscribers, connID)
	}
}

// broadcast fans msg out to every subscriber. A subscriber whose channel is
// full (SubscriberLag, spec.md §7) is disconnected outright: its channel is
// closed and dropped from subscribers, so the connection handler observes
// the close and terminates rather than silently missing the message.
func (s *Session) broadcast(msg *protocol.ServerMsg) {
	s.mu.RLock()
	var lagged []uint64
	for id, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			lagged = append(lagged, id)
		}
	}
	s.mu.RUnlock()

	if len(lagged) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range lagged {
		if ch, ok := s.subscribers[id]; ok {
			close(ch)
			delete(s.subscribers, id)
		}
	}
	s.mu.Unlock()

	for _, id := range lagged {
		logger.Warn("session: subscriber %d lagged on broadcast, dropping connection", id)
	}
}

// NotifyChannel returns the current edit notifier. Callers must re-fetch
// it after it fires: it is closed and replaced on every committed edit, so
// a stale reference never fires twice. Kill closes it without replacing
// it, so after Kill every fetched channel is already closed.
func (s *Session) NotifyChannel() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

// InitialState returns copies of everything the initial per-connection
// dump needs, taken under a single read lock so the dump is consistent.
func (s *Session) InitialState() (
	ops []protocol.UserOperation,
	lang *string,
	users map[uint64]protocol.UserInfo,
	cursors map[uint64]protocol.CursorData,
	colors map[string]uint32,
) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops = make([]protocol.UserOperation, len(s.state.Operations))
	copy(ops, s.state.Operations)

	lang = s.state.Language

	users = make(map[uint64]protocol.UserInfo, len(s.state.Users))
	for k, v := range s.state.Users {
		users[k] = v
	}

	cursors = make(map[uint64]protocol.CursorData, len(s.state.Cursors))
	for k, v := range s.state.Cursors {
		cursors[k] = v
	}

	colors = make(map[string]uint32, len(s.state.UserColors))
	for k, v := range s.state.UserColors {
		colors[k] = v
	}

	return
}

// History returns operations committed at or after start.
func (s *Session) History(start int) []protocol.UserOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.state.Operations)
	if start >= n {
		return []protocol.UserOperation{}
	}
	ops := make([]protocol.UserOperation, n-start)
	copy(ops, s.state.Operations[start:])
	return ops
}

// ErrInvalidRevision is returned when a client's claimed revision is
// ahead of the session's actual history length.
type ErrInvalidRevision struct {
	Got, Current int
}

func (e *ErrInvalidRevision) Error() string {
	return fmt.Sprintf("invalid revision: got %d, current is %d", e.Got, e.Current)
}

// Kind reports this error's taxonomy kind (spec.md §7).
func (e *ErrInvalidRevision) Kind() ErrorKind { return KindInvalidRevision }

// ErrDocumentTooLarge is returned when an accepted edit would grow the
// document past the configured cap.
type ErrDocumentTooLarge struct {
	TargetLen, Max int
}

func (e *ErrDocumentTooLarge) Error() string {
	return fmt.Sprintf("target length %d exceeds maximum of %d", e.TargetLen, e.Max)
}

// Kind reports this error's taxonomy kind (spec.md §7).
func (e *ErrDocumentTooLarge) Kind() ErrorKind { return KindDocumentTooLarge }

// ApplyEdit rebases op against every operation committed since revision,
// applies it, transforms stored cursors through it, and commits. See
// DESIGN.md for why this is split into a read-locked phase (snapshot
// the history tail), an unlocked transform phase (the only potentially
// expensive step), and a locked commit phase — mirroring the "upgradable
// read" the spec calls for, with editMu serializing the whole dispatch so
// only one edit computes a rebase at a time.
func (s *Session) ApplyEdit(connID uint64, revision int, op *ot.OperationSeq, email *string) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	if s.killed.Load() {
		return fmt.Errorf("session killed: edit rejected")
	}

	s.mu.RLock()
	n := len(s.state.Operations)
	if revision > n {
		s.mu.RUnlock()
		return &ErrInvalidRevision{Got: revision, Current: n}
	}
	historyTail := make([]protocol.UserOperation, n-revision)
	copy(historyTail, s.state.Operations[revision:])
	text := s.state.Text
	s.mu.RUnlock()

	transformed := op
	for _, hist := range historyTail {
		aPrime, _, err := transformed.Transform(hist.Operation)
		if err != nil {
			return &ErrOTFailure{Err: fmt.Errorf("transform: %w", err)}
		}
		transformed = aPrime
	}

	if int(transformed.TargetLen()) > s.maxTargetLen {
		return &ErrDocumentTooLarge{TargetLen: int(transformed.TargetLen()), Max: s.maxTargetLen}
	}

	newText, err := transformed.Apply(text)
	if err != nil {
		return &ErrOTFailure{Err: fmt.Errorf("apply: %w", err)}
	}

	s.mu.Lock()
	for id, cursor := range s.state.Cursors {
		newCursors := make([]uint32, len(cursor.Cursors))
		for i, c := range cursor.Cursors {
			newCursors[i] = ot.TransformIndex(transformed, c)
		}
		newSelections := make([][2]uint32, len(cursor.Selections))
		for i, sel := range cursor.Selections {
			newSelections[i] = [2]uint32{
				ot.TransformIndex(transformed, sel[0]),
				ot.TransformIndex(transformed, sel[1]),
			}
		}
		s.state.Cursors[id] = protocol.CursorData{Cursors: newCursors, Selections: newSelections}
	}

	s.state.Operations = append(s.state.Operations, protocol.UserOperation{
		ID:        connID,
		Operation: transformed,
		Email:     email,
	})
	s.state.Text = newText
	newRevision := len(s.state.Operations)

	if !s.killed.Load() {
		close(s.notify)
		s.notify = make(chan struct{})
	}
	s.mu.Unlock()

	logger.Debug("session: committed edit from conn %d, revision now %d, text len %d", connID, newRevision, len(newText))
	return nil
}

// SetLanguage sets the document's editor language hint, last-writer-wins,
// and broadcasts it to every connected client.
func (s *Session) SetLanguage(lang string) {
	s.mu.Lock()
	s.state.Language = &lang
	s.mu.Unlock()

	s.broadcast(protocol.NewLanguageMsg(lang))
}

// SetUserInfo records a connection's display info and broadcasts it.
func (s *Session) SetUserInfo(connID uint64, info protocol.UserInfo) {
	s.mu.Lock()
	s.state.Users[connID] = info
	s.mu.Unlock()

	s.broadcast(protocol.NewUserInfoMsg(connID, &info))
}

// SetCursorData records a connection's cursor/selection positions, trusted
// as-is (they will be kept correct by future ApplyEdit calls), and
// broadcasts them.
func (s *Session) SetCursorData(connID uint64, data protocol.CursorData) {
	s.mu.Lock()
	s.state.Cursors[connID] = data
	s.mu.Unlock()

	s.broadcast(protocol.NewUserCursorMsg(connID, data))
}

// SetColor is a no-op for anonymous connections. For an authenticated
// connection it records the color, broadcasts it, and fires off a
// best-effort store write that never blocks or fails the caller.
func (s *Session) SetColor(email *string, hue uint32) {
	if email == nil {
		return
	}

	s.mu.Lock()
	s.state.UserColors[*email] = hue
	s.mu.Unlock()

	s.broadcast(protocol.NewUserColorMsg(*email, hue))

	if s.store == nil {
		return
	}
	go func(email string, hue uint32) {
		if err := s.store.SaveUserColor(email, hue); err != nil {
			logger.Error("save user color for %s: %v", email, err)
		}
	}(*email, hue)
}

// RemoveUser drops a connection's presence and cursor entries, closes its
// broadcast subscription, and announces the disconnect.
func (s *Session) RemoveUser(connID uint64) {
	s.mu.Lock()
	delete(s.state.Users, connID)
	delete(s.state.Cursors, connID)
	s.mu.Unlock()

	s.Unsubscribe(connID)
	s.broadcast(protocol.NewUserInfoMsg(connID, nil))
}
