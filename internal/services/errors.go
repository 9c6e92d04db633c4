// Package services defines the business logic of the dev history server.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrEmptyContent is returned when a message to create has no content
	// after normalization.
	ErrEmptyContent = errors.New("content is empty")

	// ErrMissingSender is returned when a message has no sender.
	ErrMissingSender = errors.New("sender id is required")

	// ErrTooLong is returned when a message exceeds the configured maximum
	// length.
	ErrTooLong = errors.New("content too long")

	// ErrInvalidType is returned for unknown message types, and for attempts
	// to create a message that is already deleted.
	ErrInvalidType = errors.New("invalid message type")

	// ErrMessageNotFound indicates that the requested message does not exist
	// in the given conversation.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyPatch is returned when a patch would change nothing.
	ErrEmptyPatch = errors.New("patch is empty")
)
