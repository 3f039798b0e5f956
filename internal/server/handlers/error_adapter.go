package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/jobline/internal/server/middleware"
	"github.com/3leaps/jobline/pkg/jobstore"
)

// HTTPErrorResponder writes the response for a handler error.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the responder used by every handler.
// A nil fn restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

// defaultErrorResponder maps store errors onto status codes.
func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusBadGateway, "STORE_UNAVAILABLE"
	switch {
	case jobstore.IsNotFound(err):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		status, code = http.StatusServiceUnavailable, "CANCELLED"
	}
	env := middleware.NewEnvelope(r, code, err.Error(), nil).WithOriginal(err)
	middleware.WriteEnvelope(w, env, status)
}
