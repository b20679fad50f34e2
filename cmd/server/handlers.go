package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/astromechza/notesync/pkg/hub"
	"github.com/astromechza/notesync/pkg/identity"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/versions"
)

type server struct {
	store       *store.Store
	hub         *hub.Hub
	versions    *versions.Manager
	verifier    identity.Verifier
	idleTimeout time.Duration
}

func (s *server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]interface{}{"status": "ok", "timestamp": time.Now().UTC()})
}

func (s *server) handleReady(writer http.ResponseWriter, request *http.Request) {
	if err := s.store.Ping(request.Context()); err != nil {
		slog.Error("readiness check failed", "err", err)
		writeJSON(writer, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{"status": "ready", "database": "connected"})
}

type versionItem struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"note_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Kind      string    `json:"kind"`
	UpToSeq   int64     `json:"up_to_seq"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *server) handleListVersions(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	limit := 20
	if raw := request.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(writer, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	vs, err := s.versions.List(request.Context(), vars["note"], limit)
	if err != nil {
		writeLookupError(writer, err)
		return
	}
	out := make([]versionItem, 0, len(vs))
	for _, v := range vs {
		out = append(out, versionItem{
			ID: v.ID, NoteID: v.NoteID, UserID: v.UserID, UserName: v.UserName,
			Kind: v.Kind, UpToSeq: v.UpToSeq, Timestamp: v.CreatedAt,
		})
	}
	writeJSON(writer, http.StatusOK, out)
}

func (s *server) handleGetVersion(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	content, v, err := s.versions.Materialize(request.Context(), vars["version"])
	if err != nil {
		writeLookupError(writer, err)
		return
	}
	if v.NoteID != vars["note"] {
		writeError(writer, http.StatusNotFound, "version not found")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{
		"note_id":           v.NoteID,
		"version_id":        v.ID,
		"version_timestamp": v.CreatedAt,
		"content":           content,
	})
}

func (s *server) handleRestore(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	var inputs struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.UserID == "" {
		writeError(writer, http.StatusBadRequest, "user_id and user_name are required")
		return
	}
	if inputs.UserName == "" {
		inputs.UserName = inputs.UserID
	}

	target, err := s.store.GetVersion(request.Context(), vars["version"])
	if err != nil || target.NoteID != vars["note"] {
		writeLookupError(writer, store.ErrVersionNotFound)
		return
	}

	newV, err := s.versions.Restore(request.Context(), target.ID, identity.Identity{ID: inputs.UserID, Name: inputs.UserName})
	if err != nil {
		if errors.Is(err, versions.ErrRestoreConflict) {
			writeError(writer, http.StatusConflict, "restore conflict, retry")
			return
		}
		writeLookupError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{
		"note_id":                  newV.NoteID,
		"restored_from_version_id": target.ID,
		"version_id":               newV.ID,
		"restored_at":              newV.CreatedAt,
	})
}

func writeLookupError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNoteNotFound):
		writeError(writer, http.StatusNotFound, "note not found")
	case errors.Is(err, store.ErrVersionNotFound):
		writeError(writer, http.StatusNotFound, "version not found")
	default:
		slog.Error("request failed", "err", err)
		writeError(writer, http.StatusInternalServerError, "internal error")
	}
}

func writeError(writer http.ResponseWriter, status int, detail string) {
	writeJSON(writer, status, map[string]interface{}{"detail": detail, "status_code": status})
}

func writeJSON(writer http.ResponseWriter, status int, payload interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}
