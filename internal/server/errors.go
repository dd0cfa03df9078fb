package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error *sandboxerr.Record `json:"error"`
}

// statusFor maps an error to the HTTP status that describes it.
func statusFor(err error) int {
	if errors.Is(err, ErrSandboxNotFound) {
		return http.StatusNotFound
	}
	switch sandboxerr.KindOf(err) {
	case sandboxerr.KindInvalidArgument:
		return http.StatusBadRequest
	case sandboxerr.KindSandboxState:
		return http.StatusConflict
	case sandboxerr.KindFeatureNotSupported:
		return http.StatusNotImplemented
	case sandboxerr.KindTimeout, sandboxerr.KindReadyTimeout:
		return http.StatusGatewayTimeout
	case sandboxerr.KindConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorRecord renders err for a response body.
func errorRecord(err error) *sandboxerr.Record {
	if errors.Is(err, ErrSandboxNotFound) {
		return &sandboxerr.Record{Kind: "not_found", Message: err.Error()}
	}
	return sandboxerr.RecordOf(err)
}

// itemError renders the per-item error of a batch result.
func itemError(err error) *sandboxerr.Record {
	if err == nil {
		return nil
	}
	return sandboxerr.RecordOf(err)
}

func (s *Server) fail(c *okapi.Context, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(code, ErrorBody{Error: errorRecord(err)})
}
