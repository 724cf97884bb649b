package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/flowhub/pkg/schema"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string                     `json:"code"`
	Message  string                     `json:"message"`
	Details  map[string]any             `json:"details,omitempty"`
	Kind     schema.DefinitionErrorKind `json:"kind,omitempty"`
	Issues   []schema.ValidationIssue   `json:"issues,omitempty"`
	Warnings []schema.ValidationIssue   `json:"warnings,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeDefinition,
		schema.ErrCodeExpression, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeAlreadyResponded, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeAgentInvocation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// codeFor names the error code of a bare HTTP status.
func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return schema.ErrCodeValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return schema.ErrCodeNotFound
	case http.StatusConflict:
		return schema.ErrCodeConflict
	default:
		return "INTERNAL_ERROR"
	}
}

func toErrorBody(err error) (int, errorBody) {
	var (
		de *schema.DefinitionError
		fe *schema.FlowError
		ae *schema.AgentInvocationError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &de):
		return http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:     schema.ErrCodeDefinition,
			Message:  de.Message,
			Kind:     de.Kind,
			Issues:   de.Issues,
			Warnings: de.Warnings,
		}}
	case errors.As(err, &fe):
		return statusFor(fe.Code), errorBody{Error: errorDetail{
			Code:    fe.Code,
			Message: fe.Message,
			Details: fe.Details,
		}}
	case errors.As(err, &ae):
		return http.StatusBadGateway, errorBody{Error: errorDetail{
			Code:    schema.ErrCodeAgentInvocation,
			Message: ae.Error(),
			Details: map[string]any{"kind": string(ae.Kind), "agent": ae.Agent},
		}}
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, errorBody{Error: errorDetail{Code: codeFor(he.Code), Message: msg}}
	default:
		return http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    "INTERNAL_ERROR",
			Message: err.Error(),
		}}
	}
}

// handleError is the echo error handler. It renders every error in the
// {"error": {...}} shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := toErrorBody(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("http request failed",
			slog.String("path", c.Path()),
			slog.String("correlation_id", correlationID(c)),
			slog.String("error", err.Error()),
		)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.deps.Logger.Warn("error response not written", slog.String("error", err.Error()))
	}
}

func badRequest(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}
