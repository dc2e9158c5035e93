package app

import (
	"fmt"
	"net/http"
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

// Is matches on Code, so errors.Is(err, ErrForbidden) holds for any forbidden
// error regardless of its message or details.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrAuthenticationRequired = domainError(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Sign in required", nil)
	ErrNotFound               = domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	ErrForbidden              = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	ErrPersistence            = domainError(http.StatusServiceUnavailable, "PERSISTENCE_ERROR", "Storage unavailable, try again", nil)
	ErrValidation             = domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", nil)
	ErrLiveUnavailable        = domainError(http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live editing is unavailable", nil)
)

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, ErrForbidden.Code, message, nil)
}

func validation(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, ErrValidation.Code, message, details)
}
