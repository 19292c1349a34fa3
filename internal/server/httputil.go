package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/kluzzebass/errormonitor/internal/apierr"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError renders e in the shared error envelope. authenticated
// disambiguates a KindAuth failure between 401 and 403.
func writeAPIError(w http.ResponseWriter, e *apierr.Error, authenticated bool) {
	status := e.HTTPStatus()
	if e.Kind == apierr.KindAuth {
		status = apierr.StatusForAuth(authenticated)
	}
	writeJSON(w, status, apierr.NewEnvelope(e))
}

// decodeJSON decodes the request body into v, returning a validation
// error on malformed JSON.
func decodeJSON(r *http.Request, v any) *apierr.Error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Validation("malformed request body").Wrap(err)
	}
	return nil
}

// intQueryParam parses a query parameter as an int, falling back to def
// when absent or unparsable.
func intQueryParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
