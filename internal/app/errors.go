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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

var (
	errUnauthorized    = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden       = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errPostNotFound    = domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	errCompanyNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "Company not found", nil)
	errRateLimited     = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
	errInvalidBody     = domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil)
	errConflict        = domainError(http.StatusConflict, "CONFLICT", "Resource already exists", nil)
	errInternal        = domainError(http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
)
