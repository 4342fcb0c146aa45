package app

import (
	"errors"
	"fmt"
	"net/http"

	"roadmap/api/internal/access"
	"roadmap/api/internal/auth"
	"roadmap/api/internal/dashboard"
	"roadmap/api/internal/retry"
	"roadmap/api/internal/roadmap"
	"roadmap/api/internal/store"
	"roadmap/api/internal/transition"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var fetchErr *roadmap.FetchError
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED", access.ErrAccessDenied.Error(), nil
	case errors.Is(err, transition.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", transition.ErrPermissionDenied.Error(), nil
	case errors.Is(err, transition.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, dashboard.ErrUnknownNode):
		return http.StatusNotFound, "NODE_NOT_FOUND", "Node not found", nil
	case errors.Is(err, dashboard.ErrInvalidViewMode):
		return http.StatusBadRequest, "INVALID_VIEW_MODE", "View mode must be roadmap, kanban or list", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway, "FETCH_FAILED", "Could not load the roadmap", map[string]any{"retryable": true}
	case errors.Is(err, retry.ErrExhausted):
		return http.StatusBadGateway, "FETCH_FAILED", "Could not check project access", map[string]any{"retryable": true}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
