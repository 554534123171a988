package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/results"
)

const maxListLimit = 1000

func queryInt(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var f results.Filter
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	if f.Nodes, err = queryInt(r, "nodes"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	if f.Rate, err = queryInt(r, "rate"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	f.SweepID = strings.TrimSpace(r.URL.Query().Get("sweep"))
	if f.Limit == 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	runs, err := s.history.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	if runs == nil {
		runs = []results.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	aggs, err := s.history.Aggregate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	if aggs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"aggregates": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregates": aggs})
}

func (s *Server) requireArchive(w http.ResponseWriter) bool {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "log archive is not configured", "ARCHIVE_DISABLED")
		return false
	}
	return true
}

func (s *Server) handleRunManifest(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}
	m, err := s.archive.Manifest(chi.URLParam(r, "id"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRunLogFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "file")
	body, err := s.archive.File(id, name)
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
		return
	}
	if err != nil {
		slog.Error("archived log unreadable", "run_id", id, "file", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "ARCHIVE_CORRUPT")
		return
	}
	if p := principalFromContext(r.Context()); p != nil {
		slog.Debug("archived log served", "run_id", id, "file", name, "subject", p.Subject)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
