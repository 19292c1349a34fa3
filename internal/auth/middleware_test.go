package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/store"
)

type fakeMemberships map[string]model.Role

func (f fakeMemberships) Membership(ctx context.Context, userID, projectID uuid.UUID) (model.Membership, error) {
	role, ok := f[userID.String()+":"+projectID.String()]
	if !ok {
		return model.Membership{}, store.ErrNotFound
	}
	return model.Membership{UserID: userID, ProjectID: projectID, Role: role}, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireUserRejectsMissingHeader(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)
	h := RequireUser(ts)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireUserAcceptsValidToken(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)
	userID := uuid.New()
	token, _, err := ts.Issue(userID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var seen *Principal
	h := RequireUser(ts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.UserID != userID {
		t.Fatalf("expected principal with user id %s, got %+v", userID, seen)
	}
}

func TestProjectScopeRequiresMinimumRole(t *testing.T) {
	userID := uuid.New()
	projectID := uuid.New()
	members := fakeMemberships{userID.String() + ":" + projectID.String(): model.RoleViewer}

	h := ProjectScope(members, model.RoleAdmin)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Project-Id", projectID.String())
	req = req.WithContext(withPrincipal(req.Context(), &Principal{UserID: userID}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for insufficient role, got %d", rec.Code)
	}
}

func TestProjectScopeAllowsSufficientRole(t *testing.T) {
	userID := uuid.New()
	projectID := uuid.New()
	members := fakeMemberships{userID.String() + ":" + projectID.String(): model.RoleAdmin}

	h := ProjectScope(members, model.RoleDeveloper)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Project-Id", projectID.String())
	req = req.WithContext(withPrincipal(req.Context(), &Principal{UserID: userID}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProjectScopeHidesForeignProjects(t *testing.T) {
	members := fakeMemberships{}
	h := ProjectScope(members, model.RoleViewer)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Project-Id", uuid.New().String())
	req = req.WithContext(withPrincipal(req.Context(), &Principal{UserID: uuid.New()}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// A project the caller isn't a member of must be indistinguishable
	// from one that doesn't exist.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-member, got %d", rec.Code)
	}
}

func TestProjectScopeRejectsMissingProjectHeader(t *testing.T) {
	members := fakeMemberships{}
	h := ProjectScope(members, model.RoleViewer)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(withPrincipal(req.Context(), &Principal{UserID: uuid.New()}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a missing project header, got %d", rec.Code)
	}
}
