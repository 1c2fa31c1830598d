package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"notebook/api/internal/aitask"
	"notebook/api/internal/collab"
	"notebook/api/internal/execution"
	"notebook/api/internal/notebook"
	"notebook/api/internal/snapshot"
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

func badRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *execution.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", validation.Message, map[string]any{"reason": validation.Code}
	}
	switch {
	case errors.Is(err, notebook.ErrBlockNotFound):
		return http.StatusNotFound, "BLOCK_NOT_FOUND", "Block not found", nil
	case errors.Is(err, execution.ErrItemNotFound):
		return http.StatusNotFound, "ITEM_NOT_FOUND", "Execution item not found", nil
	case errors.Is(err, aitask.ErrTaskNotFound):
		return http.StatusNotFound, "TASK_NOT_FOUND", "AI task not found", nil
	case errors.Is(err, snapshot.ErrNotPublished):
		return http.StatusNotFound, "NOT_PUBLISHED", "Document has not been published", nil
	case errors.Is(err, execution.ErrRunAllInProgress):
		return http.StatusConflict, "RUN_ALL_IN_PROGRESS", "Run all already in progress", nil
	case errors.Is(err, collab.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
