package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// MembershipLookup resolves a user's role on a project. The dashboard API
// needs this on every authenticated request because role is project-scoped,
// not a property of the bearer token itself.
type MembershipLookup interface {
	Membership(ctx context.Context, userID, projectID uuid.UUID) (model.Membership, error)
}

// Principal is the authenticated identity attached to a request context by
// RequireUser: a user id plus, once ProjectScope resolves one, the caller's
// role on the project named by the X-Project-Id header.
type Principal struct {
	UserID uuid.UUID
	Role   model.Role // zero value until ProjectScope has run
}

type principalCtxKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext returns the authenticated principal, or nil if
// RequireUser hasn't run (or the request wasn't authenticated).
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*Principal)
	return p
}

// RequireUser parses a bearer JWT from the Authorization header, verifies
// it, and attaches a Principal to the request context. It does not resolve
// a project role; chain ProjectScope after it for endpoints scoped to one
// project.
func RequireUser(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, apierr.Auth(err.Error()))
				return
			}
			claims, err := tokens.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, apierr.Auth("invalid or expired token"))
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				writeError(w, http.StatusUnauthorized, apierr.Auth("invalid token subject"))
				return
			}
			ctx := withPrincipal(r.Context(), &Principal{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProjectScope resolves the caller's role on the project named by the
// X-Project-Id header and requires at least min.
// It must run after RequireUser.
func ProjectScope(memberships MembershipLookup, min model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			if principal == nil {
				writeError(w, http.StatusUnauthorized, apierr.Auth("authentication required"))
				return
			}
			projectID, err := uuid.Parse(r.Header.Get("X-Project-Id"))
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, apierr.Validation("missing or invalid X-Project-Id header"))
				return
			}
			m, err := memberships.Membership(r.Context(), principal.UserID, projectID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// A project outside the caller's memberships is reported
					// exactly like a project that doesn't exist, so probing
					// can't map the tenant space.
					writeError(w, http.StatusNotFound, apierr.NotFound("project not found"))
					return
				}
				writeError(w, http.StatusServiceUnavailable, apierr.PersistenceTransient("membership lookup failed").Wrap(err))
				return
			}
			if !m.Role.Atleast(min) {
				writeError(w, apierr.StatusForAuth(true), apierr.Auth("insufficient role for this operation"))
				return
			}
			scoped := &Principal{UserID: principal.UserID, Role: m.Role}
			ctx := withPrincipal(r.Context(), scoped)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func writeError(w http.ResponseWriter, status int, e *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierr.NewEnvelope(e))
}
