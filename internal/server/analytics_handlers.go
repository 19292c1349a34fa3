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

func (s *Server) registerAnalyticsRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/analytics/overview", s.requireRole(model.RoleViewer, s.handleAnalyticsOverview))
	mux.Handle("GET /api/analytics/trends", s.requireRole(model.RoleViewer, s.handleAnalyticsTrends))
	mux.Handle("GET /api/analytics/top-errors", s.requireRole(model.RoleViewer, s.handleAnalyticsTopErrors))
	mux.Handle("GET /api/analytics/patterns", s.requireRole(model.RoleViewer, s.handleAnalyticsPatterns))
	mux.Handle("GET /api/analytics/related-errors", s.requireRole(model.RoleViewer, s.handleAnalyticsRelatedErrors))
	mux.Handle("GET /api/analytics/user-impact", s.requireRole(model.RoleViewer, s.handleAnalyticsUserImpact))
	mux.Handle("GET /api/analytics/resolution", s.requireRole(model.RoleViewer, s.handleAnalyticsResolution))
}

func (s *Server) handleAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	overview, err := s.store.AnalyticsOverview(r.Context(), projectID, todayStart)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("analytics overview failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleAnalyticsTrends(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	days := intQueryParam(r, "days", 30)
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	points, err := s.store.Trends(r.Context(), projectID, from, to)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("analytics trends failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Trends []store.TrendPoint `json:"trends"`
	}{Trends: points})
}

func (s *Server) handleAnalyticsTopErrors(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	limit := intQueryParam(r, "limit", 10)

	rows, err := s.store.TopErrors(r.Context(), projectID, limit)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("analytics top errors failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TopErrors []store.TopErrorRow `json:"topErrors"`
	}{TopErrors: rows})
}

func (s *Server) handleAnalyticsPatterns(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)

	rows, err := s.store.Patterns(r.Context(), projectID)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("analytics patterns failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Patterns []store.PatternRow `json:"patterns"`
	}{Patterns: rows})
}

// handleAnalyticsRelatedErrors finds groups sharing the same environment as
// the group named by ?errorId, a coarse "what else might be related" view
// built from the existing group list rather than a dedicated query.
func (s *Server) handleAnalyticsRelatedErrors(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)

	errorID := r.URL.Query().Get("errorId")
	if errorID == "" {
		writeAPIError(w, apierr.Validation("errorId query parameter is required"), true)
		return
	}
	id, err := uuid.Parse(errorID)
	if err != nil {
		writeAPIError(w, apierr.Validation("invalid errorId"), true)
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

	related, err := s.store.ListErrorGroups(r.Context(), projectID, store.ErrorGroupFilter{
		Environment: group.Environment,
		Limit:       50,
	})
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("list related errors failed").Wrap(err), true)
		return
	}

	out := make([]model.ErrorGroup, 0, len(related))
	for _, g := range related {
		if g.ID != group.ID {
			out = append(out, g)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		RelatedErrors []model.ErrorGroup `json:"relatedErrors"`
	}{RelatedErrors: out})
}

func (s *Server) handleAnalyticsUserImpact(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)
	days := intQueryParam(r, "days", 30)
	since := time.Now().UTC().AddDate(0, 0, -days)
	limit := intQueryParam(r, "limit", 20)

	rows, err := s.store.UserImpact(r.Context(), projectID, since, limit)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("analytics user impact failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		UserImpact []store.UserImpactRow `json:"userImpact"`
	}{UserImpact: rows})
}

func (s *Server) handleAnalyticsResolution(w http.ResponseWriter, r *http.Request) {
	projectID := projectIDOf(r)

	stats, err := s.store.ResolutionStats(r.Context(), projectID)
	if err != nil {
		writeAPIError(w, apierr.PersistenceTransient("analytics resolution stats failed").Wrap(err), true)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
