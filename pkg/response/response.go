package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"podcomm/internal/store"
)

// ErrorResponse represents an error response. Code is a stable string clients
// can branch on; Retryable flags transient failures worth backing off and
// retrying.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Status    int                    `json:"status"`
	Retryable bool                   `json:"retryable,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// ValidationErrorResponse represents validation error response
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Status int               `json:"status"`
	Fields map[string]string `json:"fields"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// JSONWithStatus sends a JSON response with custom status code
func JSONWithStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Error sends an error response
func Error(w http.ResponseWriter, message string, status int) {
	ErrorWithCode(w, message, codeForStatus(status), status, false)
}

// ErrorWithCode sends an error response with an explicit client code
func ErrorWithCode(w http.ResponseWriter, message, code string, status int, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		Code:      code,
		Status:    status,
		Retryable: retryable,
	})
}

// StoreError translates a store or membership error into the matching HTTP
// response. Unknown errors become an opaque 500; the caller logs them.
func StoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		ErrorWithCode(w, err.Error(), "validation_error", http.StatusBadRequest, false)
	case errors.Is(err, store.ErrNotFound):
		ErrorWithCode(w, err.Error(), "not_found", http.StatusNotFound, false)
	case errors.Is(err, store.ErrAlreadyMember):
		ErrorWithCode(w, err.Error(), "already_member", http.StatusConflict, false)
	case errors.Is(err, store.ErrCapacityExceeded):
		ErrorWithCode(w, err.Error(), "capacity_exceeded", http.StatusConflict, true)
	case errors.Is(err, store.ErrForbidden):
		ErrorWithCode(w, err.Error(), "forbidden", http.StatusForbidden, false)
	case errors.Is(err, store.ErrInviteRequired):
		ErrorWithCode(w, err.Error(), "invite_required", http.StatusForbidden, false)
	case errors.Is(err, store.ErrTimeout):
		ErrorWithCode(w, err.Error(), "timeout", http.StatusGatewayTimeout, true)
	case errors.Is(err, store.ErrConflict):
		ErrorWithCode(w, err.Error(), "conflict", http.StatusConflict, true)
	default:
		ErrorWithCode(w, "Internal server error", "internal_error", http.StatusInternalServerError, false)
	}
}

// Success sends a success response
func Success(w http.ResponseWriter, message string) {
	JSON(w, SuccessResponse{Success: true, Message: message})
}

// SuccessWithData sends a success response with data
func SuccessWithData(w http.ResponseWriter, message string, data map[string]interface{}) {
	JSON(w, SuccessResponse{Success: true, Message: message, Data: data})
}

// ValidationError sends a validation error response
func ValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	fields := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, ve := range validationErrors {
			field := strings.ToLower(ve.Field())
			switch ve.Tag() {
			case "required":
				fields[field] = "This field is required"
			case "uuid":
				fields[field] = "Must be a valid UUID"
			case "min":
				fields[field] = "Minimum is " + ve.Param()
			case "max":
				fields[field] = "Maximum is " + ve.Param()
			case "oneof":
				fields[field] = "Must be one of: " + ve.Param()
			default:
				fields[field] = "Invalid value"
			}
		}
	}

	json.NewEncoder(w).Encode(ValidationErrorResponse{
		Error:  "Validation failed",
		Status: http.StatusBadRequest,
		Fields: fields,
	})
}

// NotFound sends a 404 error response
func NotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Resource not found"
	}
	Error(w, message, http.StatusNotFound)
}

// Unauthorized sends a 401 error response
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Unauthorized"
	}
	Error(w, message, http.StatusUnauthorized)
}

// Forbidden sends a 403 error response
func Forbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Forbidden"
	}
	Error(w, message, http.StatusForbidden)
}

// BadRequest sends a 400 error response
func BadRequest(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Bad request"
	}
	Error(w, message, http.StatusBadRequest)
}

// InternalServerError sends a 500 error response
func InternalServerError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Internal server error"
	}
	Error(w, message, http.StatusInternalServerError)
}

// Created sends a 201 response with data
func Created(w http.ResponseWriter, data interface{}) {
	JSONWithStatus(w, http.StatusCreated, data)
}

// NoContent sends a 204 response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}
