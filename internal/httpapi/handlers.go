package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"expensed/internal/expense"
	"expensed/internal/schedule"
	"expensed/internal/template"
	logx "expensed/pkg/logx"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.templates.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Slice(tpls, func(i, j int) bool { return tpls[i].CreatedAt.Before(tpls[j].CreatedAt) })
	writeJSON(w, http.StatusOK, tpls)
}

type createTemplateRequest struct {
	Name       string          `json:"name"`
	Expense    expense.Payload `json:"expense"`
	Scheduling *schedule.Rule  `json:"scheduling,omitempty"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Scheduling != nil {
		if err := req.Scheduling.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	tpl := &template.Template{Name: req.Name, Expense: req.Expense, Scheduling: req.Scheduling}
	if err := s.templates.Put(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Scheduling != nil {
		if _, _, err := s.coord.Schedule(r.Context(), tpl); err != nil {
			// Scheduling failures must be visible, not silent.
			writeError(w, http.StatusInternalServerError, "template saved but scheduling failed: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Cancel(r.Context(), id); err != nil {
		s.log.Warn("cancel on delete failed", logx.String("template", id), logx.Err(err))
	}
	if err := s.templates.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSchedule installs (or replaces) a template's recurrence rule and
// arms the wake-up.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var rule schedule.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tpl.Scheduling = &rule
	if err := s.templates.Put(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	next, armed, err := s.coord.Schedule(r.Context(), tpl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Armed: armed, Next: nullableTime(next, armed)})
}

func (s *Server) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.resolve(w, r)
	if !ok {
		return
	}
	tpl.Scheduling = nil
	if err := s.templates.Put(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.coord.Cancel(r.Context(), tpl.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	tpl, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if tpl.Scheduling == nil {
		writeError(w, http.StatusConflict, "template has no schedule")
		return
	}
	tpl.Scheduling.Paused = paused
	if err := s.templates.Put(r.Context(), tpl); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Schedule() cancels the wake-up when paused and re-arms on resume.
	next, armed, err := s.coord.Schedule(r.Context(), tpl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Armed: armed, Next: nullableTime(next, armed)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.templates.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Newest first for display; the store itself does not guarantee order.
	sort.Slice(recs, func(i, j int) bool { return recs[i].ExecutedAt.After(recs[j].ExecutedAt) })
	writeJSON(w, http.StatusOK, recs)
}

// handleRun triggers a firing now, outside the schedule.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	tpl, ok := s.resolve(w, r)
	if !ok {
		return
	}
	// The firing outlives this request: net/http cancels r.Context() as soon
	// as the handler returns, so the detached firing must not inherit it.
	ctx := context.WithoutCancel(r.Context())
	go s.pipe.Fire(ctx, tpl.ID, time.Now())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "firing"})
}

type previewRequest struct {
	Rule schedule.Rule `json:"rule"`
	Now  *time.Time    `json:"now,omitempty"`
}

type scheduleResponse struct {
	Armed bool       `json:"armed"`
	Next  *time.Time `json:"next,omitempty"`
}

// handlePreview delegates straight to the calculator; no side effects.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.Rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now()
	if req.Now != nil {
		now = *req.Now
	}
	next, ok := schedule.Next(req.Rule, now)
	writeJSON(w, http.StatusOK, scheduleResponse{Armed: ok, Next: nullableTime(next, ok)})
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*template.Template, bool) {
	id := chi.URLParam(r, "id")
	tpl, err := s.templates.Get(r.Context(), id)
	if errors.Is(err, template.ErrNotFound) {
		writeError(w, http.StatusNotFound, "template not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return tpl, true
}

func nullableTime(t time.Time, ok bool) *time.Time {
	if !ok || t.IsZero() {
		return nil
	}
	return &t
}
