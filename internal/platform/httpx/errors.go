// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers wrap to pick a response status.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("unavailable")
)

type problemMapping struct {
	target error
	status int
	code   string
}

var problemMappings = []problemMapping{
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrValidation, http.StatusBadRequest, "invalid_request"},
	{ErrConflict, http.StatusConflict, "conflict"},
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// RespondError writes err as a problem response. Errors not wrapping one of
// the sentinels become a 500 whose detail is withheld.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range problemMappings {
		if errors.Is(err, m.target) {
			write(w, m.status, m.code, err.Error())
			return
		}
	}
	write(w, http.StatusInternalServerError, "internal", "")
}
