// Package versions captures immutable, attributed snapshots of a note's update
// log and restores past ones. A restore never rewrites history: it writes the
// old content on top of the current state as a fresh log entry, then snapshots
// the result, so every restore point is itself a version.
package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/astromechza/notesync/pkg/engine"
	"github.com/astromechza/notesync/pkg/identity"
	"github.com/astromechza/notesync/pkg/store"
)

// ErrRestoreConflict marks a restore whose target note is gone or whose state
// could not be brought forward right now. Retryable.
var ErrRestoreConflict = errors.New("restore conflict")

// Records is the slice of the record layer the manager needs.
type Records interface {
	GetNote(ctx context.Context, id string) (store.Note, error)
	LastSeq(ctx context.Context, noteID string) (int64, error)
	UpdatesThrough(ctx context.Context, noteID string, upToSeq int64) ([]store.Update, error)
	InsertVersion(ctx context.Context, v store.Version) error
	ListVersions(ctx context.Context, noteID string, limit int) ([]store.Version, error)
	GetVersion(ctx context.Context, id string) (store.Version, error)
	LatestVersion(ctx context.Context, noteID string) (store.Version, error)
}

// Applier brings restored content into the current canonical state through the
// note's critical section. Implemented by hub.Hub.
type Applier interface {
	ApplyServerFragment(ctx context.Context, noteID string, fragment []byte) error
}

// Loaded reports which notes are live and how much log they cover. Implemented
// by engine.Engine; drives the periodic capture sweep.
type Loaded interface {
	ActiveNotes() []engine.NoteState
}

type Manager struct {
	records Records
	applier Applier
	loaded  Loaded

	// minUpdates is the edit volume since the latest version before a sweep
	// captures a new one.
	minUpdates int64
}

func New(records Records, applier Applier, loaded Loaded, minUpdates int) *Manager {
	if minUpdates < 1 {
		minUpdates = 1
	}
	return &Manager{records: records, applier: applier, loaded: loaded, minUpdates: int64(minUpdates)}
}

// Capture freezes the note's current log extent as a new immutable version
// attributed to the committer. A snapshot capture with nothing new since the
// latest version returns that version instead of minting a duplicate.
func (m *Manager) Capture(ctx context.Context, noteID string, committer identity.Identity, kind string) (store.Version, error) {
	if _, err := m.records.GetNote(ctx, noteID); err != nil {
		return store.Version{}, err
	}
	lastSeq, err := m.records.LastSeq(ctx, noteID)
	if err != nil {
		return store.Version{}, err
	}
	if kind == store.VersionKindSnapshot {
		if latest, err := m.records.LatestVersion(ctx, noteID); err == nil && latest.UpToSeq >= lastSeq {
			return latest, nil
		} else if err != nil && !errors.Is(err, store.ErrVersionNotFound) {
			return store.Version{}, err
		}
	}
	v := store.Version{
		ID:        uuid.NewString(),
		NoteID:    noteID,
		UserID:    committer.ID,
		UserName:  committer.Name,
		Kind:      kind,
		UpToSeq:   lastSeq,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.records.InsertVersion(ctx, v); err != nil {
		return store.Version{}, err
	}
	slog.Info("captured version", "note", noteID, "version", v.ID, "kind", kind, "up_to_seq", lastSeq)
	return v, nil
}

// List returns versions newest first, bounded by limit.
func (m *Manager) List(ctx context.Context, noteID string, limit int) ([]store.Version, error) {
	if _, err := m.records.GetNote(ctx, noteID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 20
	}
	return m.records.ListVersions(ctx, noteID, limit)
}

// Materialize replays the version's log prefix against an empty base and
// returns the resulting full state. Read only: the canonical state is never
// touched.
func (m *Manager) Materialize(ctx context.Context, versionID string) ([]byte, store.Version, error) {
	v, err := m.records.GetVersion(ctx, versionID)
	if err != nil {
		return nil, store.Version{}, err
	}
	updates, err := m.records.UpdatesThrough(ctx, v.NoteID, v.UpToSeq)
	if err != nil {
		return nil, store.Version{}, err
	}
	doc := automerge.New()
	for _, u := range updates {
		if err := doc.LoadIncremental(u.Fragment); err != nil {
			return nil, store.Version{}, fmt.Errorf("failed to replay update %d: %w", u.Seq, err)
		}
	}
	return doc.Save(), v, nil
}

// Restore brings the canonical state forward to match the target version's
// content. Simply re-merging the old fragments would be a no-op, since they
// are already in the log's history: instead a fresh fragment is synthesized
// that rewrites the current content to the target's, and that fragment is
// merged and logged like any other. History after the restore point is
// superseded, never deleted; the log only ever grows, and a new version
// attributed to the committer records the restore itself.
func (m *Manager) Restore(ctx context.Context, versionID string, committer identity.Identity) (store.Version, error) {
	target, v, err := m.Materialize(ctx, versionID)
	if err != nil {
		return store.Version{}, err
	}
	if _, err := m.records.GetNote(ctx, v.NoteID); err != nil {
		if errors.Is(err, store.ErrNoteNotFound) {
			return store.Version{}, fmt.Errorf("%w: %s", ErrRestoreConflict, err)
		}
		return store.Version{}, err
	}
	lastSeq, err := m.records.LastSeq(ctx, v.NoteID)
	if err != nil {
		return store.Version{}, err
	}
	current, err := m.records.UpdatesThrough(ctx, v.NoteID, lastSeq)
	if err != nil {
		return store.Version{}, err
	}
	fragment, err := restoreFragment(current, target)
	if err != nil {
		return store.Version{}, fmt.Errorf("%w: %s", ErrRestoreConflict, err)
	}
	if len(fragment) > 0 {
		if err := m.applier.ApplyServerFragment(ctx, v.NoteID, fragment); err != nil {
			return store.Version{}, fmt.Errorf("%w: %s", ErrRestoreConflict, err)
		}
	}
	newV, err := m.Capture(ctx, v.NoteID, committer, store.VersionKindRestore)
	if err != nil {
		return store.Version{}, err
	}
	slog.Info("restored version", "note", v.NoteID, "from", versionID, "new_version", newV.ID, "user", committer.ID)
	return newV, nil
}

// restoreFragment rebuilds the current state from the full log, then edits it
// in place to match the target content: keys missing from the target are
// deleted, every target key is rewritten. The returned fragment holds exactly
// those new operations; empty when the states already match.
func restoreFragment(current []store.Update, target []byte) ([]byte, error) {
	doc := automerge.New()
	for _, u := range current {
		if err := doc.LoadIncremental(u.Fragment); err != nil {
			return nil, fmt.Errorf("failed to replay update %d: %w", u.Seq, err)
		}
	}
	_ = doc.SaveIncremental() // reset the incremental cursor to just the edits below

	targetDoc, err := automerge.Load(target)
	if err != nil {
		return nil, fmt.Errorf("failed to load target state: %w", err)
	}
	targetKeys, err := targetDoc.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to read target keys: %w", err)
	}
	currentKeys, err := doc.RootMap().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to read current keys: %w", err)
	}

	wanted := make(map[string]bool, len(targetKeys))
	for _, k := range targetKeys {
		wanted[k] = true
	}
	for _, k := range currentKeys {
		if !wanted[k] {
			if err := doc.RootMap().Delete(k); err != nil {
				return nil, fmt.Errorf("failed to delete %q: %w", k, err)
			}
		}
	}
	for _, k := range targetKeys {
		value, err := targetDoc.RootMap().Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read target %q: %w", k, err)
		}
		if err := doc.RootMap().Set(k, value.Interface()); err != nil {
			return nil, fmt.Errorf("failed to set %q: %w", k, err)
		}
	}
	return doc.SaveIncremental(), nil
}

// CaptureDue sweeps the loaded notes and captures a version for each one that
// accumulated at least minUpdates new log entries since its latest version.
// Per-note failures are logged and do not stop the sweep.
func (m *Manager) CaptureDue(ctx context.Context) {
	for _, ns := range m.loaded.ActiveNotes() {
		latestSeq := int64(0)
		if latest, err := m.records.LatestVersion(ctx, ns.NoteID); err == nil {
			latestSeq = latest.UpToSeq
		} else if !errors.Is(err, store.ErrVersionNotFound) {
			slog.Error("failed to read latest version", "note", ns.NoteID, "err", err)
			continue
		}
		if ns.Seq-latestSeq < m.minUpdates {
			continue
		}
		if _, err := m.Capture(ctx, ns.NoteID, identity.System, store.VersionKindSnapshot); err != nil {
			slog.Error("failed to capture version", "note", ns.NoteID, "err", err)
		}
	}
}
