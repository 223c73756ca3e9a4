package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/enginekit/substrate/pkg/models"
)

// errorEnvelope is the uniform JSON error body. Every failure the API
// returns, from a malformed header to a lost CAS race, uses this shape.
type errorEnvelope struct {
	ErrorCode       string                 `json:"error_code"`
	Message         string                 `json:"message"`
	ResourceKind    models.ResourceKind    `json:"resource_kind,omitempty"`
	Mismatches      []models.FieldMismatch `json:"mismatches,omitempty"`
	Gate            string                 `json:"gate,omitempty"`
	ExpectedVersion int64                  `json:"expected_version,omitempty"`
	CurrentVersion  int64                  `json:"current_version,omitempty"`
}

func domainEnvelope(derr *models.DomainError) errorEnvelope {
	return errorEnvelope{
		ErrorCode:       derr.Code,
		Message:         derr.Message,
		ResourceKind:    derr.ResourceKind,
		Mismatches:      derr.Mismatches,
		Gate:            derr.Gate,
		ExpectedVersion: derr.ExpectedVersion,
		CurrentVersion:  derr.CurrentVersion,
	}
}

// httpErrorHandler converts any handler error into the uniform envelope.
// Registered as the echo HTTPErrorHandler.
func httpErrorHandler(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}

	status := http.StatusInternalServerError
	envelope := errorEnvelope{
		ErrorCode: "internal.error",
		Message:   "internal server error",
	}

	// Deadline expiry wins over whatever envelope a layer wrapped it in: a
	// backend_unavailable caused by the request deadline is still a timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		derr := models.ErrRequestTimeout(err)
		status = derr.Status
		envelope = domainEnvelope(derr)
	} else if derr, ok := models.AsDomainError(err); ok {
		status = derr.Status
		envelope = domainEnvelope(derr)
	} else {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
			envelope.ErrorCode = "request.invalid"
			if msg := httpErr.Message; msg != "" {
				envelope.Message = msg
			}
		} else {
			slog.Error("unhandled API error", "error", err, "path", c.Request().URL.Path)
		}
	}

	if jsonErr := c.JSON(status, envelope); jsonErr != nil {
		slog.Error("failed to write error response", "error", jsonErr)
	}
}
