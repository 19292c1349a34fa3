package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/store"
)

func (s *Server) registerTeamRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/team/members", s.requireRole(model.RoleViewer, s.handleListMembers))
	mux.Handle("POST /api/team/members", s.requireRole(model.RoleAdmin, s.handleCreateMember))
	mux.Handle("GET /api/team/members/{id}", s.requireRole(model.RoleViewer, s.handleGetMember))
	mux.Handle("PATCH /api/team/members/{id}", s.requireRole(model.RoleAdmin, s.handlePatchMember))
	mux.Handle("DELETE /api/team/members/{id}", s.requireRole(model.RoleAdmin, s.handleDeleteMember))
	mux.Handle("GET /api/team/performance", s.requireRole(model.RoleViewer, s.handleTeamPerformance))
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	members, err := s.store.ListTeamMembers(r.Context(), projectID, false)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list team members failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Members []model.TeamMember `json:"members"`
	}{Members: members})
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	m, err := s.store.GetTeamMember(r.Context(), projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("team member not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get team member failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// memberRequest is the mutable surface of a TeamMember.
type memberRequest struct {
	Name        *string                 `json:"name"`
	Email       *string                 `json:"email"`
	Role        *model.Role             `json:"role"`
	Active      *bool                   `json:"active"`
	AvatarColor *string                 `json:"avatarColor"`
	Preferences *model.AlertPreferences `json:"alertPreferences"`
}

func (req *memberRequest) apply(m *model.TeamMember) {
	if req.Name != nil {
		m.Name = *req.Name
	}
	if req.Email != nil {
		m.Email = *req.Email
	}
	if req.Role != nil {
		m.Role = *req.Role
	}
	if req.Active != nil {
		m.Active = *req.Active
	}
	if req.AvatarColor != nil {
		m.AvatarColor = *req.AvatarColor
	}
	if req.Preferences != nil {
		m.Preferences = *req.Preferences
	}
}

func validateMember(m model.TeamMember) *apierr.Error {
	var details []apierr.FieldError
	if m.Name == "" {
		details = append(details, apierr.FieldError{Field: "name", Reason: "required"})
	}
	if m.Email == "" {
		details = append(details, apierr.FieldError{Field: "email", Reason: "required"})
	}
	switch m.Preferences.Email.Mode {
	case "", model.ModeImmediate, model.ModeDigest:
	default:
		details = append(details, apierr.FieldError{Field: "alertPreferences.email.mode", Reason: "must be immediate or digest"})
	}
	switch m.Preferences.Email.Cadence {
	case "", model.CadenceDaily, model.CadenceWeekly:
	default:
		details = append(details, apierr.FieldError{Field: "alertPreferences.email.digestCadence", Reason: "must be daily or weekly"})
	}
	if len(details) > 0 {
		return apierr.Validation("invalid team member", details...)
	}
	return nil
}

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)

	var req memberRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}

	m := model.TeamMember{
		ID:        uuid.New(),
		ProjectID: projectID,
		Active:    true,
		Preferences: model.AlertPreferences{
			Email: model.EmailPreferences{Mode: model.ModeImmediate, Cadence: model.CadenceDaily},
		},
	}
	req.apply(&m)
	if e := validateMember(m); e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.PutTeamMember(r.Context(), m); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store team member failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handlePatchMember(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	m, err := s.store.GetTeamMember(r.Context(), projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("team member not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get team member failed").Wrap(err), true)
		return
	}

	var req memberRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}
	req.apply(&m)
	if e := validateMember(m); e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.PutTeamMember(r.Context(), m); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("store team member failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	if _, err := s.store.GetTeamMember(r.Context(), projectID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("team member not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get team member failed").Wrap(err), true)
		return
	}
	if err := s.store.DeleteTeamMember(r.Context(), projectID, id); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("delete team member failed").Wrap(err), true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// performanceRange maps the range query parameter to a lookback duration.
func performanceRange(raw string) time.Duration {
	switch raw {
	case "7d":
		return 7 * 24 * time.Hour
	case "90d":
		return 90 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

func (s *Server) handleTeamPerformance(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	lookback := performanceRange(r.URL.Query().Get("range"))
	since := time.Now().UTC().Add(-lookback)

	rows, err := s.store.TeamPerformance(r.Context(), projectID, since)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("team performance failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Performance []store.MemberPerformanceRow `json:"performance"`
	}{Performance: rows})
}
