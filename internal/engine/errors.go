package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"devops-backend/internal/store"
)

// AppError is an error with an HTTP status and a machine-readable code.
// ErrorHandler renders it as {"error": {...}}.
type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail pins a validation failure to a field and the rule it broke.
type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func (e *AppError) Error() string { return e.Message }

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(resource, id string) *AppError {
	return NewAppError("NOT_FOUND", fiber.StatusNotFound, fmt.Sprintf("%s with id %s not found", resource, id))
}

func ValidationError(details []ErrorDetail) *AppError {
	err := NewAppError("VALIDATION_FAILED", fiber.StatusUnprocessableEntity, "Validation failed")
	err.Details = details
	return err
}

func UnauthorizedError(msg string) *AppError {
	return NewAppError("UNAUTHORIZED", fiber.StatusUnauthorized, msg)
}

func ForbiddenError(msg string) *AppError {
	return NewAppError("FORBIDDEN", fiber.StatusForbidden, msg)
}

func ConflictError(msg string) *AppError {
	return NewAppError("CONFLICT", fiber.StatusConflict, msg)
}

// ProtectedError refuses a delete while other rows still reference the
// record.
func ProtectedError(msg string) *AppError {
	if msg == "" {
		msg = "related data exists"
	}
	return NewAppError("PROTECTED", fiber.StatusConflict, msg)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrUniqueViolation):
		return ConflictError("record with the same unique value already exists")
	case errors.Is(err, store.ErrForeignKeyViolation):
		return ProtectedError("")
	}
	return err
}

// ErrorHandler is the fiber.Config ErrorHandler. Errors that are neither
// AppError nor *fiber.Error are logged and reported as a bare 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
		})
	}

	slog.Error("unhandled request error", "method", c.Method(), "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
	})
}
