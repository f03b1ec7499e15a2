package model

import (
	"fmt"
	"slices"
)

// Status is the delivery lifecycle state of a message.
type Status string

const (
	Staged    Status = "staged"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions lists the moves this device may make on its own.
// Sent→Delivered→Read is driven by read receipts and arrives through the remote copy.
var validTransitions = map[Status][]Status{
	Staged:    {Sending, Failed},
	Sending:   {Sent, Failed, Staged},
	Failed:    {Sending, Staged},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// CanTransition reports whether moving from s to to is allowed.
// Staying in the same state is always allowed.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	return slices.Contains(validTransitions[s], to)
}

// LocallyOwned reports whether this device, not the remote stream, is
// authoritative for a message in this state.
func (s Status) LocallyOwned() bool {
	switch s {
	case Staged, Sending, Failed:
		return true
	case Sent, Delivered, Read:
		return false
	}
	return false
}

// Rank orders statuses for monotonic escalation. Locally owned states rank below Sent.
func (s Status) Rank() int {
	switch s {
	case Staged, Failed:
		return 0
	case Sending:
		return 1
	case Sent:
		return 2
	case Delivered:
		return 3
	case Read:
		return 4
	}
	return -1
}

// StatusChange is published as bus.MessageStatus whenever a message moves between statuses.
type StatusChange struct {
	ConversationID string
	MessageID      string
	From           Status
	To             Status
}
