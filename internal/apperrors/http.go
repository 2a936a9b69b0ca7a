package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed), errors.Is(err, ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransport), errors.Is(err, ErrServerReported), errors.Is(err, ErrReconnectExhausted):
		return http.StatusBadGateway
	case errors.Is(err, ErrAuthMissing):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
