package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/schedule"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// defaultShareTTL is how long a freshly minted share link stays valid
// when the request doesn't ask for a specific lifetime.
const defaultShareTTL = 72 * time.Hour

func (s *Server) registerReportRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/reports/generate", s.requireRole(model.RoleDeveloper, s.handleGenerateReport))
	mux.Handle("GET /api/reports/runs", s.requireRole(model.RoleViewer, s.handleListRuns))
	mux.Handle("GET /api/reports/runs/{id}", s.requireRole(model.RoleViewer, s.handleGetRun))
	mux.Handle("GET /api/reports/runs/{id}/download", s.requireRole(model.RoleViewer, s.handleDownloadRun))
	mux.Handle("POST /api/reports/runs/{id}/share", s.requireRole(model.RoleDeveloper, s.handleShareRun))
	mux.Handle("GET /api/reports/schedules", s.requireRole(model.RoleViewer, s.handleListSchedules))
	mux.Handle("POST /api/reports/schedules", s.requireRole(model.RoleDeveloper, s.handleCreateSchedule))
	mux.Handle("PATCH /api/reports/schedules/{id}", s.requireRole(model.RoleDeveloper, s.handlePatchSchedule))
	mux.Handle("DELETE /api/reports/schedules/{id}", s.requireRole(model.RoleAdmin, s.handleDeleteSchedule))
	mux.Handle("POST /api/reports/schedules/{id}/run", s.requireRole(model.RoleDeveloper, s.handleRunScheduleNow))

	// Share links are public by design: possession of an unexpired token
	// is the whole credential.
	mux.HandleFunc("GET /api/reports/share/{token}", s.handleSharedRun)
}

type generateReportRequest struct {
	Format     string   `json:"format"`
	Recipients []string `json:"recipients"`
}

// handleGenerateReport produces an on-demand report run outside any
// schedule, using the same renderer the scheduler drives.
func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	if s.renderer == nil {
		writeAPIError(w, apierr.Scheduling("report generation is not configured"), true)
		return
	}

	var req generateReportRequest
	if r.ContentLength != 0 {
		if e := decodeJSON(r, &req); e != nil {
			writeAPIError(w, e, true)
			return
		}
	}
	if req.Format == "" {
		req.Format = "csv"
	}

	now := time.Now().UTC()
	run := model.ReportRun{
		ID: uuid.New(), ProjectID: projectID, Status: model.RunPending, CreatedAt: now,
	}
	if err := s.store.InsertReportRun(r.Context(), run); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("record report run failed").Wrap(err), true)
		return
	}

	produced, err := s.renderer.Render(r.Context(), model.ReportSchedule{
		ProjectID: projectID, Format: req.Format, Recipients: req.Recipients,
	})
	if err != nil {
		produced = model.ReportRun{Status: model.RunFailed, Error: err.Error(), CompletedAt: time.Now().UTC()}
		s.log.Error("on-demand report render failed", "project", projectID, "error", err)
	}
	produced.ID = run.ID
	produced.ProjectID = projectID
	produced.CreatedAt = now
	if produced.CompletedAt.IsZero() {
		produced.CompletedAt = time.Now().UTC()
	}
	if produced.Status == "" {
		produced.Status = model.RunSuccess
	}
	if err := s.store.InsertReportRun(r.Context(), produced); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("record report run failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusCreated, produced)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	limit := intQueryParam(r, "limit", 50)

	runs, err := s.store.ListReportRuns(r.Context(), projectID, limit)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list report runs failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Runs []model.ReportRun `json:"runs"`
	}{Runs: runs})
}

// runForProject loads a run and hides runs belonging to other projects
// behind the same not-found error as missing ones.
func (s *Server) runForProject(r *http.Request, projectID uuid.UUID) (model.ReportRun, *apierr.Error) {
	id, e := pathUUID(r, "id")
	if e != nil {
		return model.ReportRun{}, e
	}
	run, err := s.store.GetReportRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ReportRun{}, apierr.NotFound("report run not found")
		}
		return model.ReportRun{}, apierr.PersistenceTransient("get report run failed").Wrap(err)
	}
	if run.ProjectID != projectID {
		return model.ReportRun{}, apierr.NotFound("report run not found")
	}
	return run, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, e := s.runForProject(r, projectIDOf(r))
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDownloadRun(w http.ResponseWriter, r *http.Request) {
	run, e := s.runForProject(r, projectIDOf(r))
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	s.serveRunArtifact(w, r, run)
}

// serveRunArtifact streams a run's produced file. The stored FileRef is
// server-controlled, but it is still resolved to a clean absolute path
// before being handed to ServeFile.
func (s *Server) serveRunArtifact(w http.ResponseWriter, r *http.Request, run model.ReportRun) {
	if run.Status != model.RunSuccess || run.FileRef == "" {
		writeAPIError(w, apierr.NotFound("report artifact not available"), true)
		return
	}
	path, err := filepath.Abs(filepath.Clean(run.FileRef))
	if err != nil {
		writeAPIError(w, apierr.PersistencePermanent("resolve report artifact failed").Wrap(err), true)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeAPIError(w, apierr.NotFound("report artifact not available"), true)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

type shareRunRequest struct {
	ExpiresInHours int `json:"expiresInHours"`
}

type shareRunResponse struct {
	ShareToken string    `json:"shareToken"`
	ShareURL   string    `json:"shareUrl,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Server) handleShareRun(w http.ResponseWriter, r *http.Request) {
	run, e := s.runForProject(r, projectIDOf(r))
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	var req shareRunRequest
	if r.ContentLength != 0 {
		if e := decodeJSON(r, &req); e != nil {
			writeAPIError(w, e, true)
			return
		}
	}
	ttl := defaultShareTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours) * time.Hour
	}

	token, err := newShareToken()
	if err != nil {
		writeAPIError(w, apierr.PersistencePermanent("mint share token failed").Wrap(err), true)
		return
	}
	expiry := time.Now().UTC().Add(ttl)
	if err := s.store.SetReportRunShare(r.Context(), run.ID, token, expiry); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store share token failed").Wrap(err), true)
		return
	}

	resp := shareRunResponse{ShareToken: token, ExpiresAt: expiry}
	if s.apiBaseURL != "" {
		resp.ShareURL = s.apiBaseURL + "/api/reports/share/" + token
	}
	writeJSON(w, http.StatusOK, resp)
}

func newShareToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// handleSharedRun serves a shared artifact to an unauthenticated caller
// holding an unexpired token. Expired and unknown tokens are
// indistinguishable.
func (s *Server) handleSharedRun(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeAPIError(w, apierr.NotFound("share link not found"), false)
		return
	}
	run, err := s.store.GetReportRunByShareToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("share link not found"), false)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("share lookup failed").Wrap(err), false)
		return
	}
	if run.ShareExpiry.IsZero() || time.Now().After(run.ShareExpiry) {
		writeAPIError(w, apierr.NotFound("share link not found"), false)
		return
	}
	s.serveRunArtifact(w, r, run)
}

// scheduleRequest is the mutable surface of a ReportSchedule.
type scheduleRequest struct {
	Status     *model.ScheduleStatus `json:"status"`
	Cadence    *model.ReportCadence  `json:"cadence"`
	Weekday    *int                  `json:"weekday"`
	DayOfMonth *int                  `json:"dayOfMonth"`
	HourUTC    *int                  `json:"hourUTC"`
	MinuteUTC  *int                  `json:"minuteUTC"`
	Format     *string               `json:"format"`
	Recipients *[]string             `json:"recipients"`
}

func (req *scheduleRequest) apply(sched *model.ReportSchedule) {
	if req.Status != nil {
		sched.Status = *req.Status
	}
	if req.Cadence != nil {
		sched.Cadence = *req.Cadence
	}
	if req.Weekday != nil {
		sched.Weekday = time.Weekday(*req.Weekday)
	}
	if req.DayOfMonth != nil {
		sched.DayOfMonth = *req.DayOfMonth
	}
	if req.HourUTC != nil {
		sched.HourUTC = *req.HourUTC
	}
	if req.MinuteUTC != nil {
		sched.MinuteUTC = *req.MinuteUTC
	}
	if req.Format != nil {
		sched.Format = *req.Format
	}
	if req.Recipients != nil {
		sched.Recipients = *req.Recipients
	}
}

func validateSchedule(sched model.ReportSchedule) *apierr.Error {
	var details []apierr.FieldError
	switch sched.Status {
	case model.ScheduleActive, model.SchedulePaused:
	default:
		details = append(details, apierr.FieldError{Field: "status", Reason: "must be active or paused"})
	}
	switch sched.Cadence {
	case model.CadenceReportWeekly:
		if sched.Weekday < time.Sunday || sched.Weekday > time.Saturday {
			details = append(details, apierr.FieldError{Field: "weekday", Reason: "must be 0 (Sunday) through 6 (Saturday)"})
		}
	case model.CadenceReportMonthly:
		if sched.DayOfMonth < 1 || sched.DayOfMonth > 31 {
			details = append(details, apierr.FieldError{Field: "dayOfMonth", Reason: "must be 1 through 31"})
		}
	default:
		details = append(details, apierr.FieldError{Field: "cadence", Reason: "must be weekly or monthly"})
	}
	if sched.HourUTC < 0 || sched.HourUTC > 23 {
		details = append(details, apierr.FieldError{Field: "hourUTC", Reason: "must be 0 through 23"})
	}
	if sched.MinuteUTC < 0 || sched.MinuteUTC > 59 {
		details = append(details, apierr.FieldError{Field: "minuteUTC", Reason: "must be 0 through 59"})
	}
	if len(sched.Recipients) == 0 {
		details = append(details, apierr.FieldError{Field: "recipients", Reason: "at least one recipient is required"})
	}
	if len(details) > 0 {
		return apierr.Validation("invalid report schedule", details...)
	}
	return nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	schedules, err := s.store.ListReportSchedules(r.Context(), projectID)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list report schedules failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Schedules []model.ReportSchedule `json:"schedules"`
	}{Schedules: schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)

	var req scheduleRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}

	sched := model.ReportSchedule{
		ID: uuid.New(), ProjectID: projectID,
		Status: model.ScheduleActive, Format: "csv",
	}
	req.apply(&sched)
	if e := validateSchedule(sched); e != nil {
		writeAPIError(w, e, true)
		return
	}
	sched.NextRunAt = schedule.NextRun(sched, time.Now().UTC())

	if err := s.store.PutReportSchedule(r.Context(), sched); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store report schedule failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

// scheduleForProject loads a schedule with the same tenancy masking as
// runForProject.
func (s *Server) scheduleForProject(r *http.Request, projectID uuid.UUID) (model.ReportSchedule, *apierr.Error) {
	id, e := pathUUID(r, "id")
	if e != nil {
		return model.ReportSchedule{}, e
	}
	sched, err := s.store.GetReportSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ReportSchedule{}, apierr.NotFound("report schedule not found")
		}
		return model.ReportSchedule{}, apierr.PersistenceTransient("get report schedule failed").Wrap(err)
	}
	if sched.ProjectID != projectID {
		return model.ReportSchedule{}, apierr.NotFound("report schedule not found")
	}
	return sched, nil
}

func (s *Server) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	sched, e := s.scheduleForProject(r, projectIDOf(r))
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	var req scheduleRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}
	req.apply(&sched)
	if e := validateSchedule(sched); e != nil {
		writeAPIError(w, e, true)
		return
	}
	// Cadence or clock edits move the next fire time; recompute rather
	// than firing on the stale one.
	if req.Cadence != nil || req.Weekday != nil || req.DayOfMonth != nil || req.HourUTC != nil || req.MinuteUTC != nil {
		sched.NextRunAt = schedule.NextRun(sched, time.Now().UTC())
	}

	if err := s.store.PutReportSchedule(r.Context(), sched); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store report schedule failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, e := s.scheduleForProject(r, projectIDOf(r))
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	if err := s.store.DeleteReportSchedule(r.Context(), sched.ID); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("delete report schedule failed").Wrap(err), true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunScheduleNow produces a run for a schedule immediately, without
// consuming or advancing its next scheduled fire time.
func (s *Server) handleRunScheduleNow(w http.ResponseWriter, r *http.Request) {
	sched, e := s.scheduleForProject(r, projectIDOf(r))
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	if s.renderer == nil {
		writeAPIError(w, apierr.Scheduling("report generation is not configured"), true)
		return
	}

	now := time.Now().UTC()
	run := model.ReportRun{
		ID: uuid.New(), ScheduleID: sched.ID, ProjectID: sched.ProjectID,
		Status: model.RunPending, CreatedAt: now,
	}
	if err := s.store.InsertReportRun(r.Context(), run); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("record report run failed").Wrap(err), true)
		return
	}

	produced, err := s.renderer.Render(r.Context(), sched)
	if err != nil {
		produced = model.ReportRun{Status: model.RunFailed, Error: err.Error(), CompletedAt: time.Now().UTC()}
		s.log.Error("manual report render failed", "schedule", sched.ID, "error", err)
	}
	produced.ID = run.ID
	produced.ScheduleID = sched.ID
	produced.ProjectID = sched.ProjectID
	produced.CreatedAt = now
	if produced.CompletedAt.IsZero() {
		produced.CompletedAt = time.Now().UTC()
	}
	if produced.Status == "" {
		produced.Status = model.RunSuccess
	}
	if err := s.store.InsertReportRun(r.Context(), produced); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("record report run failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusCreated, produced)
}
