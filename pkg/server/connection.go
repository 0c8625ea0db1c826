package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/colabtext/colabtext/internal/protocol"
	"github.com/colabtext/colabtext/pkg/logger"
)

// Connection is one client's lifecycle handler: identity issuance,
// initial state dump, then the three-way multiplex loop of §4.4 — edit
// notifications, broadcast events, and inbound frames.
type Connection struct {
	connID  uint64
	session *Session
	conn    *websocket.Conn
	email   *string
	sendMu  sync.Mutex
}

// NewConnection issues a fresh connection id from session and wraps conn.
// email is the opaque authenticated identity injected by the HTTP layer,
// or nil for an anonymous connection.
func NewConnection(session *Session, conn *websocket.Conn, email *string) *Connection {
	return &Connection{
		connID:  session.NextConnID(),
		session: session,
		conn:    conn,
		email:   email,
	}
}

type inboundFrame struct {
	msg protocol.ClientMsg
	err error
}

// Handle runs the connection until the socket closes, the session is
// killed, or a protocol/transport error occurs.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.cleanup()

	logger.Info("connection opened: conn=%d", c.connID)

	revision, err := c.sendInitial()
	if err != nil {
		return newSessionError(KindTransportError, fmt.Errorf("send initial: %w", err))
	}

	subCh := c.session.Subscribe(c.connID)

	inbound := make(chan inboundFrame)
	go c.readLoop(ctx, inbound)

	for {
		// Step 1: arm the notifier before re-checking revision, closing
		// the lost-wake-up window.
		notifyCh := c.session.NotifyChannel()

		if c.session.Killed() {
			return nil
		}

		if c.session.Revision() > revision {
			revision, err = c.sendHistory(revision)
			if err != nil {
				return newSessionError(KindTransportError, fmt.Errorf("send history: %w", err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-notifyCh:
			// Loop around: re-check revision and re-arm.

		case msg, ok := <-subCh:
			if !ok {
				if c.session.Killed() {
					return nil
				}
				// Not killed: our own channel was closed out from under
				// us, which only happens on SubscriberLag (Session.broadcast).
				return newSessionError(KindSubscriberLag, fmt.Errorf("broadcast subscriber channel closed: lagged"))
			}
			if err := c.send(msg); err != nil {
				return newSessionError(KindTransportError, fmt.Errorf("forward broadcast: %w", err))
			}

		case frame := <-inbound:
			if frame.err != nil {
				if websocket.CloseStatus(frame.err) == websocket.StatusNormalClosure {
					return nil
				}
				return frame.err
			}
			if err := c.handleMessage(&frame.msg); err != nil {
				return err
			}
		}
	}
}

// readLoop reads and decodes inbound text frames, forwarding them on out.
// Read and decode are split so a malformed frame (DecodeError, terminate +
// warn) can be told apart from a socket failure (TransportError, terminate
// silently) per spec.md §7 — wsjson.Read conflates the two into one error.
// readLoop exits (closing nothing; the caller abandons it) once a frame
// fails or ctx is done — the outer Handle loop observes the error on its
// next receive.
func (c *Connection) readLoop(ctx context.Context, out chan<- inboundFrame) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.deliver(ctx, out, inboundFrame{err: err})
				return
			}
			c.deliver(ctx, out, inboundFrame{err: newSessionError(KindTransportError, err)})
			return
		}

		var msg protocol.ClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.deliver(ctx, out, inboundFrame{err: newSessionError(KindDecodeError, err)})
			return
		}

		if !c.deliver(ctx, out, inboundFrame{msg: msg}) {
			return
		}
	}
}

// deliver sends frame on out, returning false if ctx was cancelled first.
func (c *Connection) deliver(ctx context.Context, out chan<- inboundFrame, frame inboundFrame) bool {
	select {
	case out <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendInitial emits the seven-message dump of §4.2 in its required order
// and returns the revision it dumped through.
func (c *Connection) sendInitial() (int, error) {
	if err := c.send(protocol.NewIdentityMsg(c.connID)); err != nil {
		return 0, err
	}
	if err := c.send(protocol.NewAuthenticatedEmailMsg(c.email)); err != nil {
		return 0, err
	}

	ops, lang, users, cursors, colors := c.session.InitialState()

	if len(ops) > 0 {
		if err := c.send(protocol.NewHistoryMsg(0, ops)); err != nil {
			return 0, err
		}
	}

	if lang != nil {
		if err := c.send(protocol.NewLanguageMsg(*lang)); err != nil {
			return 0, err
		}
	}

	for id, info := range users {
		infoCopy := info
		if err := c.send(protocol.NewUserInfoMsg(id, &infoCopy)); err != nil {
			return 0, err
		}
	}

	for id, data := range cursors {
		if err := c.send(protocol.NewUserCursorMsg(id, data)); err != nil {
			return 0, err
		}
	}

	for email, hue := range colors {
		if err := c.send(protocol.NewUserColorMsg(email, hue)); err != nil {
			return 0, err
		}
	}

	return len(ops), nil
}

// sendHistory emits operations committed since start, if any, and returns
// the new local revision.
func (c *Connection) sendHistory(start int) (int, error) {
	ops := c.session.History(start)
	if len(ops) > 0 {
		if err := c.send(protocol.NewHistoryMsg(start, ops)); err != nil {
			return start, err
		}
	}
	return start + len(ops), nil
}

// handleMessage dispatches one decoded client message to the session.
func (c *Connection) handleMessage(msg *protocol.ClientMsg) error {
	switch {
	case msg.Edit != nil:
		if err := c.session.ApplyEdit(c.connID, msg.Edit.Revision, msg.Edit.Operation, c.email); err != nil {
			return fmt.Errorf("apply edit: %w", err)
		}
	case msg.SetLanguage != nil:
		c.session.SetLanguage(*msg.SetLanguage)
	case msg.ClientInfo != nil:
		c.session.SetUserInfo(c.connID, *msg.ClientInfo)
	case msg.CursorData != nil:
		c.session.SetCursorData(c.connID, *msg.CursorData)
	case msg.SetColor != nil:
		c.session.SetColor(c.email, *msg.SetColor)
	}
	return nil
}

// send writes a server message as a single text frame (thread-safe: the
// loop and any late cleanup call may both write).
func (c *Connection) send(msg *protocol.ServerMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) cleanup() {
	logger.Info("connection closed: conn=%d", c.connID)
	c.session.RemoveUser(c.connID)
}
