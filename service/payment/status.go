package payment

import "fmt"

// Status is the settlement lifecycle state.
//
//	pending -> converted -> settled
//	pending -> failed -> converted (operator replay)
type Status string

const (
	StatusPending   Status = "pending"
	StatusConverted Status = "converted"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusConverted, StatusFailed},
	StatusConverted: {StatusSettled},
	StatusFailed:    {StatusConverted, StatusFailed},
	StatusSettled:   nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSettled
}

// CanTransition reports whether moving from s to next is permitted.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown settlement status %q", v)
	}
	return s, nil
}
