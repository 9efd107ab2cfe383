package envelope

import (
	"fmt"
	"strings"
)

// Priority governs how urgently an envelope is persisted.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority accepts the canonical names plus MEDIUM, which older
// producers emit for NORMAL. An empty string yields NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "MEDIUM":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "URGENT":
		return PriorityUrgent, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// IsCritical reports whether envelopes of this priority bypass the write buffer.
func (p Priority) IsCritical() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// Status is the processing outcome of an envelope.
type Status string

const (
	StatusUnset   Status = ""
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// EventType is an informational category; it plays no part in routing.
type EventType string

const (
	TypeRequest      EventType = "REQUEST"
	TypeResponse     EventType = "RESPONSE"
	TypeNotification EventType = "NOTIFICATION"
	TypeBroadcast    EventType = "BROADCAST"
)
