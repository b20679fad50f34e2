package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/notesync/pkg/engine"
	"github.com/astromechza/notesync/pkg/hub"
	"github.com/astromechza/notesync/pkg/identity"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn adapts a websocket connection to hub.Conn with serialized writes.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleSync upgrades the connection and runs the session: a join envelope
// first, then update/content/cursor envelopes until the connection dies or
// goes idle past the liveness window; either way the session is run through
// the leave path.
func (s *server) handleSync(writer http.ResponseWriter, request *http.Request) {
	noteID := mux.Vars(request)["note"]
	raw, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer conn.Close()

	resetDeadline := func() { _ = raw.SetReadDeadline(time.Now().Add(s.idleTimeout)) }
	resetDeadline()
	raw.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	ctx := context.Background()
	sessionID, err := s.join(ctx, noteID, conn, raw)
	if err != nil {
		sendError(conn, err)
		return
	}

	stopPings := make(chan struct{})
	defer close(stopPings)
	go func() {
		t := time.NewTicker(s.idleTimeout / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				conn.mu.Lock()
				_ = raw.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := raw.WriteMessage(websocket.PingMessage, nil)
				conn.mu.Unlock()
				if err != nil {
					return
				}
			case <-stopPings:
				return
			}
		}
	}()

	defer s.hub.Leave(sessionID)
	for {
		var env wire.Envelope
		if err := raw.ReadJSON(&env); err != nil {
			// transport loss is routed through leave, never surfaced as an error
			slog.Info("connection closed", "session", sessionID, "err", err)
			return
		}
		resetDeadline()
		if err := s.dispatch(ctx, sessionID, noteID, env); err != nil {
			slog.Warn("rejected event", "session", sessionID, "type", env.Type, "err", err)
			sendError(conn, err)
		}
	}
}

func (s *server) join(ctx context.Context, noteID string, conn *wsConn, raw *websocket.Conn) (string, error) {
	var env wire.Envelope
	if err := raw.ReadJSON(&env); err != nil {
		return "", errors.New("expected a join event")
	}
	if env.Type != wire.TypeJoin {
		return "", errors.New("expected a join event")
	}
	var join wire.Join
	if err := env.Decode(&join); err != nil {
		return "", err
	}
	if join.NoteID != "" && join.NoteID != noteID {
		return "", hub.ErrNotAttached
	}
	user, err := s.verifier.Verify(ctx, join.Token)
	if err != nil {
		return "", err
	}
	return s.hub.Join(ctx, noteID, user, conn)
}

func (s *server) dispatch(ctx context.Context, sessionID, noteID string, env wire.Envelope) error {
	switch env.Type {
	case wire.TypeUpdate:
		var update wire.Update
		if err := env.Decode(&update); err != nil {
			return err
		}
		return s.hub.SubmitFragment(ctx, sessionID, noteID, update.Fragment)
	case wire.TypeContent:
		var content wire.Content
		if err := env.Decode(&content); err != nil {
			return err
		}
		return s.hub.SubmitContent(ctx, sessionID, noteID, content.Content)
	case wire.TypeCursor:
		var cursor wire.Cursor
		if err := env.Decode(&cursor); err != nil {
			return err
		}
		return s.hub.RelayCursor(sessionID, cursor.Position)
	default:
		return errors.New("unknown event type " + env.Type)
	}
}

func sendError(conn *wsConn, err error) {
	msg := "internal error"
	switch {
	case errors.Is(err, identity.ErrTokenInvalid):
		msg = "authentication failed"
	case errors.Is(err, store.ErrNoteNotFound):
		msg = "note not found"
	case errors.Is(err, engine.ErrMalformedFragment):
		msg = "fragment rejected"
	case errors.Is(err, hub.ErrNotAttached), errors.Is(err, hub.ErrSessionNotFound),
		errors.Is(err, hub.ErrWrongSyncMode):
		msg = err.Error()
	}
	_ = conn.Send(wire.MustEncode(wire.TypeError, wire.Error{Message: msg}))
}
