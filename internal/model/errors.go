package model

import "errors"

var (
	// ErrInvalidMessage marks a permanent validation failure. It is never retried.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidConversation marks a conversation that breaks a structural invariant.
	ErrInvalidConversation = errors.New("invalid conversation")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrViewClosed is returned when a conversation view has been torn down.
	ErrViewClosed = errors.New("conversation view closed")
	// ErrNotRetryable is returned by manual retry for messages outside the retryable states.
	ErrNotRetryable = errors.New("message not retryable")
	// ErrInFlight is returned when a message is already being sent.
	ErrInFlight = errors.New("message send in flight")
)
