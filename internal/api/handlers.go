package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"signal-engine/internal/alerts"
	"signal-engine/internal/definitions"
	"signal-engine/internal/signal"
	"signal-engine/internal/workflow"
)

type ingestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// decodeBatch accepts either a single JSON object or an array of them.
func decodeBatch[T any](s *Server, w http.ResponseWriter, r *http.Request) ([]T, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return nil, false
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return nil, false
	}
	if body[0] == '[' {
		var items []T
		if err := json.Unmarshal(body, &items); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return nil, false
		}
		return items, true
	}
	var item T
	if err := json.Unmarshal(body, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	return []T{item}, true
}

func (s *Server) postSamples(w http.ResponseWriter, r *http.Request) {
	samples, ok := decodeBatch[signal.MetricSample](s, w, r)
	if !ok {
		return
	}
	var res ingestResult
	for i, sample := range samples {
		accepted, err := s.engine.SubmitMetricSample(r.Context(), sample)
		if err != nil {
			s.fail(w, r, fmt.Errorf("sample %d: %w", i, err))
			return
		}
		if accepted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	events, ok := decodeBatch[signal.Event](s, w, r)
	if !ok {
		return
	}
	var res ingestResult
	for i, ev := range events {
		accepted, err := s.engine.SubmitEvent(r.Context(), ev)
		if err != nil {
			s.fail(w, r, fmt.Errorf("event %d: %w", i, err))
			return
		}
		if accepted {
			res.Accepted++
		} else {
			res.Duplicates++
		}
	}
	writeJSON(w, http.StatusAccepted, res)
}

type triggerView struct {
	definitions.TriggerSpec
	Disabled bool  `json:"disabled"`
	Versions []int `json:"versions,omitempty"`
}

func (s *Server) triggerView(def definitions.TriggerDef) triggerView {
	v := triggerView{TriggerSpec: def.Spec, Disabled: s.catalog.TriggerDisabled(def.Spec.ID)}
	for _, old := range s.catalog.TriggerVersions(def.Spec.ID) {
		v.Versions = append(v.Versions, old.Spec.Version)
	}
	return v
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	defs := s.catalog.ActiveTriggers()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Spec.ID < defs[j].Spec.ID })
	out := make([]triggerView, 0, len(defs))
	for _, def := range defs {
		out = append(out, s.triggerView(def))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	def, ok := s.catalog.Trigger(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, s.triggerView(def))
}

func (s *Server) putTrigger(w http.ResponseWriter, r *http.Request) {
	var spec definitions.TriggerSpec
	if !s.decode(w, r, &spec) {
		return
	}
	id := chi.URLParam(r, "id")
	if spec.ID == "" {
		spec.ID = id
	}
	if spec.ID != id {
		writeError(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	def, changed, err := s.catalog.PutTrigger(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, s.triggerView(def))
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DisableTrigger(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listScoreTypes(w http.ResponseWriter, r *http.Request) {
	types := s.catalog.ScoreTypes()
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	out := make([]definitions.ScoreTypeSpec, 0, len(types))
	for _, st := range types {
		out = append(out, definitions.SpecFromScoreType(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getScoreType(w http.ResponseWriter, r *http.Request) {
	st, ok := s.catalog.ScoreType(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "score type not found")
		return
	}
	writeJSON(w, http.StatusOK, definitions.SpecFromScoreType(st))
}

func (s *Server) putScoreType(w http.ResponseWriter, r *http.Request) {
	var spec definitions.ScoreTypeSpec
	if !s.decode(w, r, &spec) {
		return
	}
	id := chi.URLParam(r, "id")
	if spec.ID == "" {
		spec.ID = id
	}
	if spec.ID != id {
		writeError(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	st, changed, err := s.catalog.PutScoreType(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	writeJSON(w, status, definitions.SpecFromScoreType(st))
}

func alertFilter(r *http.Request) (alerts.Filter, error) {
	q := r.URL.Query()
	f := alerts.Filter{
		AccountID: q.Get("account"),
		Segment:   q.Get("segment"),
		TriggerID: q.Get("trigger"),
	}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			f.Statuses = append(f.Statuses, alerts.Status(raw))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := alertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeAlerts(w, r, f)
}

func (s *Server) accountAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := alertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.AccountID = chi.URLParam(r, "id")
	if len(f.Statuses) == 0 {
		f.Statuses = alerts.ActiveStatuses
	}
	s.writeAlerts(w, r, f)
}

func (s *Server) writeAlerts(w http.ResponseWriter, r *http.Request, f alerts.Filter) {
	list, err := s.engine.ListAlerts(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getAlertRun(w http.ResponseWriter, r *http.Request) {
	run, ok, err := s.engine.RunForAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "alert has no workflow run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type lifecycleRequest struct {
	Actor      string `json:"actor"`
	Resolution string `json:"resolution"`
	Reason     string `json:"reason"`
}

// optionalBody decodes a JSON body when one was sent.
func (s *Server) optionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) acknowledge(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !s.optionalBody(w, r, &req) {
		return
	}
	a, err := s.engine.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !s.optionalBody(w, r, &req) {
		return
	}
	if req.Resolution == "" {
		req.Resolution = "resolved"
	}
	a, err := s.engine.Resolve(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) suppress(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if !s.optionalBody(w, r, &req) {
		return
	}
	a, err := s.engine.Suppress(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type approvalRequest struct {
	Decision workflow.Decision `json:"decision"`
	Actor    string            `json:"actor"`
}

func (s *Server) approval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.engine.ResolveApproval(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "stepID"), req.Decision, req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) accountStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) scoreHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	scores, err := s.engine.ScoreHistory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "type"), from, to, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if scores == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, scores)
}
