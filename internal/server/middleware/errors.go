// Package middleware holds the HTTP middleware of the ops server.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// ErrorBody is the error object of every JSON error response. It is the
// wire form of an errors.ErrorEnvelope; the correlation id is the request id.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewEnvelope builds an error envelope correlated with the request id of r.
// Scalar details become envelope context; structured values that context
// rejects are carried as envelope details.
func NewEnvelope(r *http.Request, code, message string, details map[string]any) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := GetRequestID(r.Context()); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	if len(details) == 0 {
		return env
	}
	env, err := env.WithContext(details)
	if err != nil {
		env = env.WithDetails(details)
	}
	return env
}

// WriteError writes a JSON error response for code and message.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeErrorResponse(w, NewEnvelope(r, code, message, details), status)
}

// WriteEnvelope writes env as a JSON error response.
func WriteEnvelope(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	writeErrorResponse(w, env, status)
}

func writeErrorResponse(w http.ResponseWriter, env *errors.ErrorEnvelope, status int) {
	body := ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
	}
	if n := len(env.Context) + len(env.Details); n > 0 {
		body.Details = make(map[string]any, n)
		for k, v := range env.Context {
			body.Details[k] = v
		}
		for k, v := range env.Details {
			body.Details[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: body})
}

// RequestID propagates or assigns a request id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func newRequestID() string {
	return uuid.NewString()
}

// Recovery converts panics into 500 responses. It logs through the no-op
// logger; use RecoveryWithLogger to capture the stack.
func Recovery(next http.Handler) http.Handler {
	return RecoveryWithLogger(zap.NewNop())(next)
}

// ErrorHandler is Recovery under the name the router wiring uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RecoveryWithLogger is Recovery with panic logging.
func RecoveryWithLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("Handler panic",
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestID(r.Context())),
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()))
					WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec), nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs one line per request at debug.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}
