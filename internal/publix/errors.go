package publix

import (
	"context"
	"errors"
	"net/http"

	"github.com/AtlasGo/JATOS/internal/dispatcher"
	"github.com/AtlasGo/JATOS/internal/idcookie"
	"github.com/AtlasGo/JATOS/internal/storage"
)

var (
	// ErrBadRequest marks a request with missing or invalid parameters.
	ErrBadRequest = errors.New("bad request")

	// ErrForbidden marks a request the worker is not allowed to make.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound marks a request naming an unknown study, component or batch.
	ErrNotFound = errors.New("not found")

	// ErrNotGroupMember is returned for group operations of a run that is not
	// an active member of a group.
	ErrNotGroupMember = errors.New("study run is not a member of a group")
)

// HTTPStatus maps an error returned by this package (or one it wraps) to the
// status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest), errors.Is(err, idcookie.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotGroupMember),
		errors.Is(err, idcookie.ErrNotFound),
		errors.Is(err, dispatcher.ErrFull):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never seen.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
