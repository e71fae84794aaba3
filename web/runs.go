// ABOUTME: Run handlers: start from a template or explicit config, list, inspect, control, and render reports.
// ABOUTME: Request bodies are JSON and capped at 1MB; control errors map through writeError.
package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/2389-research/repolens/pipeline"
	"github.com/2389-research/repolens/report"
	"github.com/2389-research/repolens/retrieval"
	"github.com/go-chi/chi/v5"
)

const maxJSONBody = 1 << 20

// startRequest selects a template. Any other fields in the body are read as
// AnalysisConfig overrides on top of the template or the defaults.
type startRequest struct {
	Template string `json:"template"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if !retrieval.ValidProjectID(projectID) {
		badRequest(w, "invalid project id")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		writeError(w, err)
		return
	}

	var req startRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
	}
	cfg, err := pipeline.ResolveConfig(s.templates, req.Template)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &cfg); err != nil {
			badRequest(w, "invalid analysis config")
			return
		}
	}

	run, err := s.ctrl.Start(r.Context(), projectID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Summary())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ctrl.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if project := r.URL.Query().Get("project"); project != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if run.ProjectID == project {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.ctrl.LatestRunID(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.ctrl.Summary(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ctrl.Summary(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.Status(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Pause(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"run": run.Summary(), "pause_requested": run.Status == pipeline.RunRunning}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Resume(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Summary())
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.ctrl.Ask(r.Context(), chi.URLParam(r, "runID"), req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instruction string `json:"instruction"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := s.ctrl.AddInstruction(r.Context(), chi.URLParam(r, "runID"), req.Instruction)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Summary())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "md") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, report.Markdown(run))
		return
	}
	page, err := report.HTML(run)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, page)
}

// decodeBody reads a capped JSON body into v, writing a 400 or 413 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, err)
			return false
		}
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}
