package app

import (
	"fmt"
	"net/http"
	"strings"
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

func validationError(fields ...string) *DomainError {
	return domainError(
		http.StatusBadRequest,
		"VALIDATION_ERROR",
		fmt.Sprintf("%s can't be blank", strings.Join(fields, ", ")),
		map[string]any{"fields": fields},
	)
}

// blockedContentError carries the computed hash so the rejection can be
// audited against the blocklist.
func blockedContentError(hash string) *DomainError {
	return domainError(
		http.StatusServiceUnavailable,
		"BLOCKED_CONTENT",
		fmt.Sprintf("Blocked content with body hash %s", hash),
		map[string]any{"hash": hash},
	)
}

func notFoundError(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}
