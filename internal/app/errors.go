package app

import (
	"errors"
	"fmt"
	"net/http"

	"murmur/internal/bridge"
	"murmur/internal/identity"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrCommandTimeout is the distinct outcome for a command that never
// answered within the submission deadline. Unlike an explicit failure the
// command may still complete, so retrying risks a duplicate.
var ErrCommandTimeout = errors.New("command timed out")

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, ErrCommandTimeout):
		return http.StatusGatewayTimeout, "COMMAND_TIMEOUT", "Command timed out", nil
	case errors.Is(err, bridge.ErrInvalidInput), errors.Is(err, identity.ErrTenantCharset),
		errors.Is(err, identity.ErrTenantUnderscore), errors.Is(err, identity.ErrTenantTooLong):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil
	case errors.Is(err, bridge.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "Not yours to modify", nil
	case errors.Is(err, bridge.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, bridge.ErrRemoteConflict):
		return http.StatusConflict, "REMOTE_CONFLICT", "Remote network conflict", nil
	case errors.Is(err, bridge.ErrRemoteTransient):
		return http.StatusBadGateway, "REMOTE_UNAVAILABLE", "Remote network unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
