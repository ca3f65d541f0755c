package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pkisouverain/caengine/pki"
)

// maxBodyBytes bounds JSON request bodies. CSRs are a few KiB.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writePEM(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// decodeJSON reads a JSON body into v, writing a 400 and returning false on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps an engine error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pki.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, pki.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pki.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pki.ErrKeyUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), pki.PublicMessage(err))
}
