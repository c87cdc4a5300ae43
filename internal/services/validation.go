package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidDelta        = "INVALID_DELTA"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeUnknownFeature      = "UNKNOWN_FEATURE"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeReferenceConflict   = "REFERENCE_CONFLICT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Code    string            `json:"code"`              // Machine-readable error code
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message, code string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message, Code: code}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendLedgerError maps a ledger error onto its HTTP status and error code.
func SendLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, "Insufficient credits", CodeInsufficientCredits, http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrUnknownFeature):
		SendErrorResponse(w, err.Error(), CodeUnknownFeature, http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvalidDelta):
		SendErrorResponse(w, err.Error(), CodeInvalidDelta, http.StatusBadRequest, nil)
	case errors.Is(err, ErrReferenceConflict):
		SendErrorResponse(w, "Reference token already used", CodeReferenceConflict, http.StatusConflict, nil)
	case errors.Is(err, ErrStorageUnavailable):
		w.Header().Set("Retry-After", "1")
		SendErrorResponse(w, "Ledger temporarily unavailable", CodeStorageUnavailable, http.StatusServiceUnavailable, nil)
	default:
		SendErrorResponse(w, "Internal server error", CodeInternal, http.StatusInternalServerError, nil)
	}
}
