// Package hub is the session coordinator and broadcast router: it registers
// connected participants per note, keeps the presence roster, and fans merged
// fragments and roster changes out to the other sessions on the same note.
// All state here is in-process only and rebuilt from nothing on restart.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/astromechza/notesync/pkg/engine"
	"github.com/astromechza/notesync/pkg/identity"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/wire"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotAttached     = errors.New("session not attached to that note")
	ErrWrongSyncMode   = errors.New("operation not available in this sync mode")

	errNoRoom = errors.New("no live room for note")
)

// Mode selects the synchronization strategy for the whole server.
type Mode string

const (
	// ModeCRDT exchanges mergeable fragments; concurrent edits converge.
	ModeCRDT Mode = "crdt"
	// ModeLWW exchanges whole-content snapshots with last-writer-wins
	// acceptance. Degraded: no merge guarantee for concurrent edits.
	ModeLWW Mode = "lww"
)

// Conn is the transport handle a session writes to. Implementations must be
// safe for concurrent Send calls.
type Conn interface {
	Send(env wire.Envelope) error
	Close() error
}

// Store is the slice of the record layer the hub needs.
type Store interface {
	GetNote(ctx context.Context, id string) (store.Note, error)
	AppendUpdate(ctx context.Context, noteID, userID string, fragment []byte) (int64, error)
	SetContent(ctx context.Context, id string, content []byte) error
}

type session struct {
	id     string
	noteID string
	user   identity.Identity
	conn   Conn
}

type room struct {
	noteID string

	mu          sync.Mutex // the note's critical section: roster, sessions, broadcasts
	title       string
	sessions    map[string]*session
	roster      roster
	lastContent []byte   // lww mode only
	dead        []string // sessions whose conn failed during a broadcast
}

func (r *room) broadcast(env wire.Envelope, excludeSessionID string) {
	for id, s := range r.sessions {
		if id == excludeSessionID {
			continue
		}
		if err := s.conn.Send(env); err != nil {
			slog.Warn("failed to deliver event, dropping session", "note", r.noteID, "session", id, "err", err)
			r.dead = append(r.dead, id)
		}
	}
}

type Hub struct {
	engine *engine.Engine
	store  Store
	mode   Mode

	mu       sync.Mutex // guards rooms, sessions, and room pin counts
	rooms    map[string]*room
	pins     map[*room]int
	sessions map[string]*session
}

func New(eng *engine.Engine, st Store, mode Mode) *Hub {
	return &Hub{
		engine:   eng,
		store:    st,
		mode:     mode,
		rooms:    map[string]*room{},
		pins:     map[*room]int{},
		sessions: map[string]*session{},
	}
}

// withRoom runs fn inside the note's critical section. The room is pinned so a
// concurrent operation cannot observe it half torn down; when the last pin is
// released on an empty room, the room is dropped and the engine state evicted.
// Sessions whose connection failed during fn are run through Leave afterwards.
func (h *Hub) withRoom(noteID string, create bool, fn func(r *room) error) error {
	h.mu.Lock()
	r := h.rooms[noteID]
	if r == nil {
		if !create {
			h.mu.Unlock()
			return errNoRoom
		}
		r = &room{noteID: noteID, sessions: map[string]*session{}, roster: newRoster()}
		h.rooms[noteID] = r
	}
	h.pins[r]++
	h.mu.Unlock()

	r.mu.Lock()
	err := fn(r)
	dead := r.dead
	r.dead = nil
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	h.mu.Lock()
	h.pins[r]--
	if empty && h.pins[r] == 0 && h.rooms[noteID] == r {
		delete(h.rooms, noteID)
		delete(h.pins, r)
		h.engine.Release(noteID)
	}
	h.mu.Unlock()

	for _, id := range dead {
		h.Leave(id)
	}
	return err
}

// Join registers a session for the identity on the note, replies with the
// bootstrap state and the deduplicated roster, and tells the other sessions
// the roster changed.
func (h *Hub) Join(ctx context.Context, noteID string, user identity.Identity, conn Conn) (string, error) {
	rec, err := h.store.GetNote(ctx, noteID)
	if err != nil {
		return "", err
	}

	s := &session{id: uuid.NewString(), noteID: noteID, user: user, conn: conn}
	err = h.withRoom(noteID, true, func(r *room) error {
		r.title = rec.Title

		boot := wire.Bootstrap{Title: r.title}
		if h.mode == ModeCRDT {
			base, fragments, err := h.engine.Bootstrap(ctx, noteID)
			if err != nil {
				return fmt.Errorf("failed to bootstrap note state: %w", err)
			}
			boot.Content, boot.Fragments = base, fragments
		} else {
			if r.lastContent == nil {
				r.lastContent = rec.Base
			}
			boot.Content = r.lastContent
		}

		r.sessions[s.id] = s
		r.roster.add(user.ID, user.Name)
		boot.Roster = r.roster.snapshot()

		if err := conn.Send(wire.MustEncode(wire.TypeBootstrap, boot)); err != nil {
			delete(r.sessions, s.id)
			r.roster.drop(user.ID)
			return fmt.Errorf("failed to deliver bootstrap: %w", err)
		}
		r.broadcast(wire.MustEncode(wire.TypeRosterChanged, wire.RosterChanged{Roster: boot.Roster}), s.id)
		return nil
	})
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	slog.Info("session joined", "note", noteID, "session", s.id, "user", user.ID)
	return s.id, nil
}

// Leave tears the session down. The identity leaves the roster, and the rest
// of the room is told, only when its last session is gone.
func (h *Hub) Leave(sessionID string) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if s == nil {
		return
	}
	_ = s.conn.Close()

	_ = h.withRoom(s.noteID, false, func(r *room) error {
		if _, ok := r.sessions[s.id]; !ok {
			return nil
		}
		delete(r.sessions, s.id)
		if r.roster.drop(s.user.ID) {
			r.broadcast(wire.MustEncode(wire.TypeRosterChanged, wire.RosterChanged{Roster: r.roster.snapshot()}), "")
		}
		return nil
	})
	slog.Info("session left", "note", s.noteID, "session", s.id, "user", s.user.ID)
}

// SubmitFragment merges one fragment from a session: validate, merge into the
// canonical state, log durably, and only then rebroadcast the raw fragment to
// the other sessions. A malformed fragment errors back to the submitter only.
func (h *Hub) SubmitFragment(ctx context.Context, sessionID, noteID string, fragment []byte) error {
	if h.mode != ModeCRDT {
		return ErrWrongSyncMode
	}
	s, err := h.attached(sessionID, &noteID)
	if err != nil {
		return err
	}
	return h.withRoom(noteID, false, func(r *room) error {
		if err := h.engine.Merge(ctx, noteID, fragment); err != nil {
			return err
		}
		seq, err := h.store.AppendUpdate(ctx, noteID, s.user.ID, fragment)
		if err != nil {
			// not acknowledged, not broadcast; in-memory state stays consistent
			return fmt.Errorf("failed to log update: %w", err)
		}
		h.engine.Advance(noteID, seq)
		r.broadcast(wire.MustEncode(wire.TypeUpdate, wire.Update{Fragment: fragment}), s.id)
		return nil
	})
}

// SubmitContent is the degraded whole-content path: the content is accepted
// only if it differs from the last known one, last writer wins, no merge.
func (h *Hub) SubmitContent(ctx context.Context, sessionID, noteID string, content []byte) error {
	if h.mode != ModeLWW {
		return ErrWrongSyncMode
	}
	s, err := h.attached(sessionID, &noteID)
	if err != nil {
		return err
	}
	return h.withRoom(noteID, false, func(r *room) error {
		if bytes.Equal(r.lastContent, content) {
			return nil
		}
		if err := h.store.SetContent(ctx, noteID, content); err != nil {
			return fmt.Errorf("failed to persist content: %w", err)
		}
		r.lastContent = content
		r.broadcast(wire.MustEncode(wire.TypeContent, wire.Content{Content: content}), s.id)
		return nil
	})
}

// ApplyServerFragment merges a server-synthesized fragment (the restore path),
// logs it under the replay-origin sentinel, and broadcasts it to every session
// on the note, originator included since there is none.
func (h *Hub) ApplyServerFragment(ctx context.Context, noteID string, fragment []byte) error {
	return h.withRoom(noteID, true, func(r *room) error {
		if err := h.engine.Merge(ctx, noteID, fragment); err != nil {
			return err
		}
		seq, err := h.store.AppendUpdate(ctx, noteID, identity.System.ID, fragment)
		if err != nil {
			return fmt.Errorf("failed to log update: %w", err)
		}
		h.engine.Advance(noteID, seq)
		r.broadcast(wire.MustEncode(wire.TypeUpdate, wire.Update{Fragment: fragment}), "")
		return nil
	})
}

// RelayCursor forwards a cursor position verbatim to the other sessions.
func (h *Hub) RelayCursor(sessionID string, position json.RawMessage) error {
	s, err := h.attached(sessionID, nil)
	if err != nil {
		return err
	}
	return h.withRoom(s.noteID, false, func(r *room) error {
		r.broadcast(wire.MustEncode(wire.TypeCursor, wire.Cursor{UserID: s.user.ID, Position: position}), s.id)
		return nil
	})
}

// Roster returns the current deduplicated roster for a note, empty when no
// session is attached.
func (h *Hub) Roster(noteID string) map[string]string {
	out := map[string]string{}
	_ = h.withRoom(noteID, false, func(r *room) error {
		out = r.roster.snapshot()
		return nil
	})
	return out
}

// attached resolves the session and checks it is attached to the claimed note.
// A nil or empty noteID defaults to the session's own note.
func (h *Hub) attached(sessionID string, noteID *string) (*session, error) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if noteID != nil {
		if *noteID == "" {
			*noteID = s.noteID
		} else if *noteID != s.noteID {
			return nil, ErrNotAttached
		}
	}
	return s, nil
}
