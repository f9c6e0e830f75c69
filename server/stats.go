package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/journal"
	"github.com/inpertio/config-server/refresh"
	"github.com/inpertio/config-server/telemetry"
)

type publishedEntry struct {
	Branch      string    `json:"branch"`
	CommitID    string    `json:"commit_id"`
	PublishedAt time.Time `json:"published_at"`
}

type statsResponse struct {
	Wanted    []string               `json:"wanted"`
	Published []publishedEntry       `json:"published"`
	Branches  []journal.BranchRecord `json:"branches"`
	LastCycle *journal.CycleRecord   `json:"last_cycle,omitempty"`
}

// handleStats reports wanted branches, published snapshots and the
// journaled refresh history.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "internal")

	resp := statsResponse{
		Wanted:    s.tracker.Snapshot(),
		Published: []publishedEntry{},
	}
	for _, e := range s.cache.Entries() {
		resp.Published = append(resp.Published, publishedEntry{
			Branch:      e.Branch,
			CommitID:    e.CommitID,
			PublishedAt: e.PublishedAt,
		})
	}

	branches, err := s.journal.Branches(r.Context())
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	resp.Branches = branches

	last, err := s.journal.LastCycle(r.Context())
	switch {
	case err == nil:
		resp.LastCycle = last
	case !errors.Is(err, journal.ErrNotFound):
		s.logger.Error("failed to read journal", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type branchResult struct {
	Branch   string `json:"branch"`
	Status   string `json:"status"`
	CommitID string `json:"commit_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type cycleResponse struct {
	Outcome  string         `json:"outcome"`
	Shared   bool           `json:"shared"`
	Reason   string         `json:"reason,omitempty"`
	Wanted   []string       `json:"wanted,omitempty"`
	Removed  []string       `json:"removed,omitempty"`
	Branches []branchResult `json:"branches,omitempty"`
}

// handleRefresh runs a refresh cycle, or joins the one in flight, and
// reports its outcome.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "admin")
	telemetry.SetEndpoint(r, "refresh")

	outcome, shared, err := s.gate.Refresh(telemetry.WithTrigger(r.Context(), "admin"))
	if err != nil {
		s.logger.Debug("refresh request abandoned", "error", err)
		http.Error(w, "request canceled", http.StatusServiceUnavailable)
		return
	}

	resp := describeCycle(outcome)
	resp.Shared = shared

	writeJSON(w, refreshStatus(outcome), resp)
}

// refreshStatus maps a cycle outcome to the admin response code. A remote
// that could not be reached is a gateway failure; any other listing failure
// is ours.
func refreshStatus(outcome refresh.CycleOutcome) int {
	lf, ok := outcome.(refresh.ListingFailed)
	switch {
	case !ok:
		return http.StatusOK
	case configserver.IsRemoteUnreachable(lf.Cause):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleBranchStats reports the journal record of one branch.
func (s *Server) handleBranchStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "internal")
	telemetry.SetEndpoint(r, "branch_stats")

	rec, err := s.journal.Branch(r.Context(), r.PathValue("branch"))
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "branch has no refresh history"})
	case err != nil:
		s.logger.Error("failed to read journal", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func describeCycle(outcome refresh.CycleOutcome) cycleResponse {
	switch o := outcome.(type) {
	case refresh.ListingFailed:
		return cycleResponse{Outcome: journal.OutcomeListingFailed, Reason: o.Reason}
	case refresh.Completed:
		resp := cycleResponse{
			Outcome:  journal.OutcomeCompleted,
			Wanted:   o.Wanted,
			Removed:  o.Removed,
			Branches: make([]branchResult, 0, len(o.Outcomes)),
		}
		for _, b := range o.Outcomes {
			switch b := b.(type) {
			case refresh.Updated:
				resp.Branches = append(resp.Branches, branchResult{
					Branch:   b.BranchName(),
					Status:   string(b.Status),
					CommitID: b.Ref.CommitID,
				})
			case refresh.Failed:
				resp.Branches = append(resp.Branches, branchResult{
					Branch: b.BranchName(),
					Status: "failed",
					Reason: b.Reason,
				})
			}
		}
		return resp
	default:
		return cycleResponse{Outcome: "unknown"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
