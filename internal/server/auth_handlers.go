package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/apierr"
	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// refreshTokenTTL is how long an issued refresh token remains redeemable.
const refreshTokenTTL = 30 * 24 * time.Hour

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken  string    `json:"accessToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshToken string    `json:"refreshToken"`
}

func (s *Server) registerAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, false)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeAPIError(w, apierr.Validation("email and password are required"), false)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.Auth("invalid email or password"), false)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("user lookup failed").Wrap(err), false)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeAPIError(w, apierr.Auth("invalid email or password"), false)
		return
	}

	resp, e := s.issueSession(r, user.ID)
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, false)
		return
	}
	if req.RefreshToken == "" {
		writeAPIError(w, apierr.Validation("refreshToken is required"), false)
		return
	}

	hash := auth.HashRefreshToken(req.RefreshToken)
	userID, err := s.store.RefreshTokenUserID(r.Context(), hash, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, apierr.Auth("invalid or expired refresh token"), false)
			return
		}
		writeAPIError(w, apierr.PersistenceTransient("refresh token lookup failed").Wrap(err), false)
		return
	}

	// Single-use rotation: the old token is consumed whether or not
	// issuing a new pair succeeds, so a stolen-then-replayed token can't
	// be reused after the legitimate client rotates it.
	if err := s.store.DeleteRefreshToken(r.Context(), hash); err != nil {
		writeAPIError(w, apierr.PersistenceTransient("refresh token revoke failed").Wrap(err), true)
		return
	}

	resp, e := s.issueSession(r, userID)
	if e != nil {
		writeAPIError(w, e, true)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if e := decodeJSON(r, &req); e != nil {
		writeAPIError(w, e, false)
		return
	}
	if req.RefreshToken != "" {
		hash := auth.HashRefreshToken(req.RefreshToken)
		if err := s.store.DeleteRefreshToken(r.Context(), hash); err != nil {
			writeAPIError(w, apierr.PersistenceTransient("refresh token revoke failed").Wrap(err), false)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// issueSession mints a fresh access/refresh token pair for userID,
// persisting the refresh token's hash so it can later be redeemed or
// revoked.
func (s *Server) issueSession(r *http.Request, userID uuid.UUID) (sessionResponse, *apierr.Error) {
	accessToken, expiresAt, err := s.tokens.Issue(userID)
	if err != nil {
		return sessionResponse{}, apierr.PersistencePermanent("issue access token failed").Wrap(err)
	}

	refreshToken, refreshHash, err := auth.GenerateRefreshToken()
	if err != nil {
		return sessionResponse{}, apierr.PersistencePermanent("generate refresh token failed").Wrap(err)
	}

	now := time.Now()
	if err := s.store.PutRefreshToken(r.Context(), refreshHash, userID, now.Add(refreshTokenTTL), now); err != nil {
		return sessionResponse{}, apierr.PersistenceTransient("store refresh token failed").Wrap(err)
	}

	return sessionResponse{AccessToken: accessToken, ExpiresAt: expiresAt, RefreshToken: refreshToken}, nil
}
