package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned before any network call when a request names
// neither a conversation nor a group (or both). It signals a caller bug.
var ErrInvalidRequest = errors.New("exactly one of conversation id or group id is required")

// ErrNoActiveConversation is returned when a window operation runs before any
// conversation was selected.
var ErrNoActiveConversation = errors.New("no active conversation")

// NetworkError reports a failed history fetch (transport failure, timeout or
// server error). It is retryable and safe to show to users.
type NetworkError struct {
	Op     string
	Status int // HTTP status when known, 0 otherwise
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable is always true for network failures.
func (e *NetworkError) Retryable() bool { return true }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsPermanent reports whether err (or an error it wraps) declares itself not
// retryable, such as a 4xx answer of the history API.
func IsPermanent(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}

// UserMessage converts err into the string surfaced on the window's error
// field. Network failures get a retry hint.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsNetwork(err) {
		return "could not load messages, please retry: " + err.Error()
	}
	return err.Error()
}
