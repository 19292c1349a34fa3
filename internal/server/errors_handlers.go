package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/store"
)

func (s *Server) registerErrorRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/errors", s.requireRole(model.RoleViewer, s.handleListErrors))
	mux.Handle("GET /api/errors/{id}", s.requireRole(model.RoleViewer, s.handleGetError))
	mux.Handle("PATCH /api/errors/{id}", s.requireRole(model.RoleDeveloper, s.handlePatchErrorStatus))
	mux.Handle("PATCH /api/errors/{id}/assignment", s.requireRole(model.RoleDeveloper, s.handlePatchErrorAssignment))
	mux.Handle("DELETE /api/errors/{id}", s.requireRole(model.RoleAdmin, s.handleDeleteError))
}

func pathUUID(r *http.Request, name string) (uuid.UUID, *apierr.Error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.UUID{}, apierr.Validation("invalid " + name)
	}
	return id, nil
}

func projectIDOf(r *http.Request) uuid.UUID {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		return uuid.UUID{}
	}
	// ProjectScope resolved the role against the X-Project-Id header;
	// parsing it again here is cheap and keeps each handler
	// self-contained rather than stashing the project id on Principal.
	id, _ := uuid.Parse(r.Header.Get("X-Project-Id"))
	return id
}

// timeQueryParam parses an RFC3339 timestamp or a bare YYYY-MM-DD date,
// returning the zero time when absent or unparsable.
func timeQueryParam(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t
	}
	return time.Time{}
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	q := r.URL.Query()
	f := store.ErrorGroupFilter{
		Status:      model.GroupStatus(q.Get("status")),
		Environment: q.Get("environment"),
		Since:       timeQueryParam(r, "startDate"),
		Until:       timeQueryParam(r, "endDate"),
		Search:      q.Get("search"),
		SourceFile:  q.Get("sourceFile"),
		SortBy:      q.Get("sortBy"),
		SortAsc:     strings.EqualFold(q.Get("sortOrder"), "asc"),
		Limit:       intQueryParam(r, "limit", 50),
	}
	page := intQueryParam(r, "page", 1)
	if page < 1 {
		page = 1
	}
	f.Offset = (page - 1) * f.Limit

	groups, err := s.store.ListErrorGroups(r.Context(), projectID, f)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list error groups failed").Wrap(err), true)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Errors []model.ErrorGroup `json:"errors"`
		Page   int                `json:"page"`
		Limit  int                `json:"limit"`
	}{Errors: groups, Page: page, Limit: f.Limit})
}

func (s *Server) handleGetError(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	group, err := s.store.GetErrorGroup(r.Context(), projectID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("error group not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("get error group failed").Wrap(err), true)
		return
	}

	const recentOccurrences = 50
	occurrences, err := s.store.ListOccurrences(r.Context(), id, recentOccurrences, 0)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list occurrences failed").Wrap(err), true)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		model.ErrorGroup
		Occurrences      []model.Occurrence `json:"occurrences"`
		OccurrencesTotal int64              `json:"occurrencesTotal"`
	}{ErrorGroup: group, Occurrences: occurrences, OccurrencesTotal: group.Count})
}

type patchStatusRequest struct {
	Status model.GroupStatus `json:"status"`
}

func (s *Server) handlePatchErrorStatus(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	var req patchStatusRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.UpdateErrorGroupStatus(r.Context(), projectID, id, req.Status); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeAPIError(w, apierr.NotFound("error group not found"), true)
		case errors.Is(err, store.ErrInvalidTransition):
			writeAPIError(w, apierr.Validation(err.Error()), true)
		default:
			writeAPIError(w, apierr.PersistenceTransient("update error group status failed").Wrap(err), true)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchAssignmentRequest struct {
	MemberID *uuid.UUID `json:"memberId"`
}

func (s *Server) handlePatchErrorAssignment(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	var req patchAssignmentRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.AssignErrorGroup(r.Context(), projectID, id, req.MemberID, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("error group not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("assign error group failed").Wrap(err), true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteError(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	id, e := pathUUID(r, "id")
	if e != nil {
		writeAPIError(w, e, true)
		return
	}

	if err := s.store.DeleteErrorGroup(r.Context(), projectID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.NotFound("error group not found"), true)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("delete error group failed").Wrap(err), true)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
