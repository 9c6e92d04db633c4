package handlers

// Error codes of ErrorResponse. Clients branch on these, not on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	ErrCodeInvalidCursor = "invalid_cursor"
	ErrCodeInvalidKey    = "invalid_conversation"
	ErrCodeValidation    = "validation_failed"
	ErrCodeCreateFailed  = "create_failed"
	ErrCodeListFailed    = "list_failed"
	ErrCodeUpdateFailed  = "update_failed"
	ErrCodeDeleteFailed  = "delete_failed"
	ErrCodeStreamFailed  = "stream_failed"
)
