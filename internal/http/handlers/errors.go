// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are stable, lowercase snake_case strings returned in the `code` field
// of every ErrorResponse. Clients branch on them; the message is for humans.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "rate_limited",
//	  "message": "too many payment requests",
//	  "reset_at": "2025-01-01T12:01:00Z"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Payments:
	ErrCodeValidation   = "validation_error"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeCreateFailed = "create_failed"
	ErrCodeListFailed   = "list_failed"

	// Queue:
	ErrCodeProcessorBusy = "processor_busy"
	ErrCodeBatchFailed   = "batch_failed"
)
