package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamd/pkg/protocol"
	"streamd/pkg/store"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	opts := store.ListStreamsOpts{}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status, err := protocol.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts.Status = status
	}
	if v := q.Get("includeArchived"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, &protocol.ValidationError{Field: "includeArchived", Reason: "must be a boolean"})
			return
		}
		opts.IncludeArchived = include
	}

	streams, err := s.store.ListStreams(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if streams == nil {
		streams = []protocol.Stream{}
	}
	writeJSON(w, http.StatusOK, streams)
}

type createStreamRequest struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Category     string `json:"category"`
	Priority     int    `json:"priority"`
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
}

// handleCreateStream is the explicit registration path; reconciliation never
// creates streams on its own through the API.
func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st := &protocol.Stream{
		ID:           strings.TrimSpace(req.ID),
		Title:        req.Title,
		Category:     req.Category,
		Priority:     req.Priority,
		WorktreePath: strings.TrimSpace(req.WorktreePath),
		Branch:       strings.TrimSpace(req.Branch),
	}
	if req.Status != "" {
		status, err := protocol.ParseStatus(req.Status)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		st.Status = status
	}

	if err := s.store.CreateStream(r.Context(), st); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyStreams(map[string]any{"created": st.ID})
	s.notifyStats(r.Context())
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetStream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type patchStreamRequest struct {
	Status string `json:"status"`
}

// handlePatchStream is the operator action; it may move a stream out of
// archived.
func (s *Server) handlePatchStream(w http.ResponseWriter, r *http.Request) {
	var req patchStreamRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		s.writeError(w, r, &protocol.ValidationError{Field: "status", Reason: "required"})
		return
	}
	status, err := protocol.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	st, err := s.store.UpdateStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.notifyStreams(map[string]any{"updated": st.ID})
	s.notifyStats(r.Context())
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleArchiveStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := s.store.Archive(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if changed {
		s.notifyStreams(map[string]any{"archived": []string{id}})
		s.notifyStats(r.Context())
	}
	st, err := s.store.GetStream(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type bulkArchiveRequest struct {
	IDs []string `json:"ids"`
}

type bulkArchiveResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleArchiveBulk archives each id independently and reports per-item
// outcomes. One streams event covers the whole batch.
func (s *Server) handleArchiveBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkArchiveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, r, &protocol.ValidationError{Field: "ids", Reason: "must not be empty"})
		return
	}

	results := make([]bulkArchiveResult, 0, len(req.IDs))
	var archived []string
	for _, id := range req.IDs {
		changed, err := s.store.Archive(r.Context(), id)
		if err != nil {
			results = append(results, bulkArchiveResult{ID: id, Error: err.Error()})
			continue
		}
		results = append(results, bulkArchiveResult{ID: id, OK: true})
		if changed {
			archived = append(archived, id)
		}
	}
	if len(archived) > 0 {
		s.notifyStreams(map[string]any{"archived": archived})
		s.notifyStats(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleStreamCommits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := intParam(r, "limit", protocol.DefaultCommitLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetStream(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	commits, err := s.store.StreamCommits(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if commits == nil {
		commits = []protocol.Commit{}
	}
	writeJSON(w, http.StatusOK, commits)
}

type ingestCommit struct {
	CommitHash   string    `json:"commitHash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	FilesChanged int       `json:"filesChanged"`
	Timestamp    time.Time `json:"timestamp"`
}

type ingestRequest struct {
	Commits []ingestCommit `json:"commits"`
}

// handleIngestCommits records commits reported by a tool. Re-sending the
// same commits inserts nothing and broadcasts nothing.
func (s *Server) handleIngestCommits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// An empty batch still answers 404 for an unknown stream.
	if _, err := s.store.GetStream(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	commits := make([]protocol.Commit, 0, len(req.Commits))
	for _, c := range req.Commits {
		ts := c.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		commits = append(commits, protocol.Commit{
			StreamID:     id,
			CommitHash:   c.CommitHash,
			Message:      c.Message,
			Author:       c.Author,
			FilesChanged: c.FilesChanged,
			Timestamp:    ts,
		})
	}

	n, err := s.store.InsertCommits(r.Context(), id, commits)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n > 0 {
		if err := s.store.Touch(r.Context(), id, time.Now()); err != nil {
			s.logger.Warn("touch after ingest", "stream", id, "err", err)
		}
		s.broadcaster.Broadcast(protocol.EventCommits, map[string]any{"newCommits": n, "streams": map[string]int{id: n}})
		s.notifyStats(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": n})
}

func (s *Server) handleRecentCommits(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", protocol.DefaultCommitLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	commits, err := s.store.RecentCommits(r.Context(), limit, offset, r.URL.Query().Get("streamId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if commits == nil {
		commits = []protocol.Commit{}
	}
	writeJSON(w, http.StatusOK, commits)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &protocol.ValidationError{Field: name, Reason: "must be a non-negative integer"}
	}
	return n, nil
}
