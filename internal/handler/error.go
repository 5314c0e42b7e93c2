// Package handler exposes the HTTP API: sale intake, document lookup,
// corrections and operator actions.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cajacentral/facturador/internal/domain"
)

// ErrorCodeToHTTPStatus maps domain error codes onto HTTP statuses.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EVALIDATION:
		return http.StatusBadRequest
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.ESIGNING:
		return http.StatusServiceUnavailable
	case domain.ENETWORK:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError writes the domain error as JSON.
func respondError(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	return c.JSON(ErrorCodeToHTTPStatus(code), errorResponse{
		Code:    code,
		Message: domain.ErrorMessage(err),
	})
}
