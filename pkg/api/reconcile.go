package api

import (
	"net/http"
	"sort"

	"streamd/pkg/protocol"
)

func (s *Server) handleReconcileStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reconcile(r.Context(), protocol.ReconcileOptions{DryRun: true})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reconcileRunRequest struct {
	DryRun           *bool `json:"dryRun"`
	AutoArchiveStale bool  `json:"autoArchiveStale"`
}

// handleReconcileRun applies reconciliation. dryRun defaults to true and
// orphaned worktrees are never registered from here. The engine publishes
// the single streams event.
func (s *Server) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	var req reconcileRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := protocol.ReconcileOptions{
		DryRun:           req.DryRun == nil || *req.DryRun,
		AutoArchiveStale: req.AutoArchiveStale,
		AutoAddOrphaned:  false,
	}

	res, err := s.engine.Reconcile(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	worktrees, err := s.engine.Worktrees(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]protocol.WorktreeRecord, 0, len(worktrees))
	for _, wt := range worktrees {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMerged(w http.ResponseWriter, r *http.Request) {
	merged, err := s.engine.MergedBranches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]string, 0, len(merged))
	for b := range merged {
		out = append(out, b)
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, out)
}
