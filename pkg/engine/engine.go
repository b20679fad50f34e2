// Package engine owns the canonical in-memory automerge state per note. A note
// moves through unloaded -> loading -> active -> evicted: loading replays the
// stored base save plus the log tail, active serves merges while sessions are
// attached, eviction releases the memory once the last session detaches.
//
// Merging is commutative and idempotent courtesy of automerge: the same
// fragment applied twice, or fragments applied in any order, converge to the
// same state. The engine's job is to not break that, and to never let a
// malformed fragment corrupt the live document.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/notesync/pkg/store"
)

var (
	ErrMalformedFragment = errors.New("malformed fragment")
	ErrNotLoaded         = errors.New("note not loaded")
)

// Log is the slice of the record store the engine reads during load.
type Log interface {
	GetNote(ctx context.Context, id string) (store.Note, error)
	UpdatesSince(ctx context.Context, noteID string, afterSeq int64) ([]store.Update, error)
}

type note struct {
	id string

	// ready is closed once loading finished, successfully or not.
	ready   chan struct{}
	loadErr error

	// evictAfterLoad is set when the last session detaches while the load is
	// still in flight: the load completes and the entry is dropped right after,
	// rather than cancelling partial work that a quick reconnect would redo.
	evictAfterLoad bool

	mu  sync.Mutex // guards doc and seq once active
	doc *automerge.Doc
	seq int64 // highest log seq reflected in doc
}

// NoteState identifies a loaded note and the log extent its doc covers.
type NoteState struct {
	NoteID string
	Seq    int64
}

type Engine struct {
	log Log

	mu    sync.Mutex // guards the notes map and evictAfterLoad flags
	notes map[string]*note
}

func New(log Log) *Engine {
	return &Engine{log: log, notes: map[string]*note{}}
}

// ensure returns the active note state, performing the load if this is the
// first caller. Concurrent callers share a single load.
func (e *Engine) ensure(ctx context.Context, noteID string) (*note, error) {
	e.mu.Lock()
	n, ok := e.notes[noteID]
	if !ok {
		n = &note{id: noteID, ready: make(chan struct{})}
		e.notes[noteID] = n
		e.mu.Unlock()
		// the load is shared state, so it must not die with one joiner's request
		e.load(context.WithoutCancel(ctx), n)
	} else {
		e.mu.Unlock()
	}

	select {
	case <-n.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if n.loadErr != nil {
		return nil, n.loadErr
	}
	return n, nil
}

func (e *Engine) load(ctx context.Context, n *note) {
	n.loadErr = e.loadInner(ctx, n)

	e.mu.Lock()
	if n.loadErr != nil || n.evictAfterLoad {
		delete(e.notes, n.id)
	}
	e.mu.Unlock()
	close(n.ready)
}

func (e *Engine) loadInner(ctx context.Context, n *note) error {
	rec, err := e.log.GetNote(ctx, n.id)
	if err != nil {
		return fmt.Errorf("failed to load note record: %w", err)
	}

	doc := automerge.New()
	if len(rec.Base) > 0 {
		if doc, err = automerge.Load(rec.Base); err != nil {
			return fmt.Errorf("failed to load base state: %w", err)
		}
	}

	tail, err := e.log.UpdatesSince(ctx, n.id, rec.BaseSeq)
	if err != nil {
		return fmt.Errorf("failed to read update log: %w", err)
	}
	seq := rec.BaseSeq
	for _, u := range tail {
		if err := doc.LoadIncremental(u.Fragment); err != nil {
			return fmt.Errorf("failed to replay update %d: %w", u.Seq, err)
		}
		seq = u.Seq
	}

	n.doc = doc
	n.seq = seq
	return nil
}

// Bootstrap makes the note active and returns the stored base state plus the
// log fragments after it, enough for a joiner to reconstruct current state
// without replaying the whole log when a cached base exists. Callers serialize
// per note, so the returned pair is consistent with the live doc.
func (e *Engine) Bootstrap(ctx context.Context, noteID string) ([]byte, [][]byte, error) {
	if _, err := e.ensure(ctx, noteID); err != nil {
		return nil, nil, err
	}
	rec, err := e.log.GetNote(ctx, noteID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load note record: %w", err)
	}
	tail, err := e.log.UpdatesSince(ctx, noteID, rec.BaseSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read update log: %w", err)
	}
	fragments := make([][]byte, 0, len(tail))
	for _, u := range tail {
		fragments = append(fragments, u.Fragment)
	}
	return rec.Base, fragments, nil
}

// Merge applies a fragment to the live doc. The fragment is validated against
// a fork first so a malformed one is rejected with ErrMalformedFragment and
// the canonical state stays untouched.
func (e *Engine) Merge(ctx context.Context, noteID string, fragment []byte) error {
	n, err := e.ensure(ctx, noteID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	fork, err := n.doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc for validation: %w", err)
	}
	if err := fork.LoadIncremental(fragment); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedFragment, err)
	}
	if err := n.doc.LoadIncremental(fragment); err != nil {
		return fmt.Errorf("failed to apply validated fragment: %w", err)
	}
	return nil
}

// Advance records that the doc now covers log entries up to seq. Called by the
// coordinator right after a merged fragment is appended to the log.
func (e *Engine) Advance(noteID string, seq int64) {
	e.mu.Lock()
	n := e.notes[noteID]
	e.mu.Unlock()
	if n == nil {
		return
	}
	n.mu.Lock()
	if seq > n.seq {
		n.seq = seq
	}
	n.mu.Unlock()
}

// FullState exports the entire current state of an active note as a single
// fragment, with the log seq it covers. Returns ErrNotLoaded for notes that
// are not active; the compaction sweep only cares about loaded ones.
func (e *Engine) FullState(noteID string) ([]byte, int64, error) {
	e.mu.Lock()
	n := e.notes[noteID]
	e.mu.Unlock()
	if n == nil {
		return nil, 0, ErrNotLoaded
	}
	select {
	case <-n.ready:
	default:
		return nil, 0, ErrNotLoaded
	}
	if n.loadErr != nil {
		return nil, 0, ErrNotLoaded
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.doc.Save(), n.seq, nil
}

// Release evicts the note eagerly, or marks an in-flight load to evict on
// completion. Safe to call for notes that were never loaded.
func (e *Engine) Release(noteID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.notes[noteID]
	if n == nil {
		return
	}
	select {
	case <-n.ready:
		delete(e.notes, noteID)
	default:
		n.evictAfterLoad = true
	}
}

// ActiveNotes lists the currently loaded notes and their covered log extents.
func (e *Engine) ActiveNotes() []NoteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]NoteState, 0, len(e.notes))
	for id, n := range e.notes {
		select {
		case <-n.ready:
		default:
			continue
		}
		if n.loadErr != nil {
			continue
		}
		n.mu.Lock()
		out = append(out, NoteState{NoteID: id, Seq: n.seq})
		n.mu.Unlock()
	}
	return out
}
