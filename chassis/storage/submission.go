package storage

import (
	"time"
)

// Status - submission link's possible states
type Status string

const (
	NOT_SUBMITTED Status = "NOT_SUBMITTED"
	SUBMITTED     Status = "SUBMITTED"
	CORRECTING    Status = "CORRECTING"
	CORRECTED     Status = "CORRECTED"
	REJECTED      Status = "REJECTED"
)

// transitions - allowed source states per target state.
// CORRECTING -> CORRECTING happens on redelivery and on retries.
var transitions = map[Status][]Status{
	CORRECTING: {NOT_SUBMITTED, SUBMITTED, CORRECTING},
	CORRECTED:  {CORRECTING},
	REJECTED:   {CORRECTING},
}

// CanTransition reports whether the worker may move a link from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// sources returns the allowed source states of to as strings for SQL.
func sources(to Status) []string {
	out := make([]string, 0, len(transitions[to]))
	for _, s := range transitions[to] {
		out = append(out, string(s))
	}
	return out
}

// Key - composite key of a submission link
type Key struct {
	StudentID    string
	AssignmentID string
}

// Assignment - the practice a submission belongs to
type Assignment struct {
	ID       string
	Name     string
	Language string
}

// SubmissionLink - one student's submission state for one assignment
type SubmissionLink struct {
	StudentID          string
	AssignmentID       string
	Status             Status
	SubmissionDate     *time.Time
	SubmissionFileName *string
	Correction         []byte
	StatusUpdatedAt    *time.Time
}

// Key ...
func (s *SubmissionLink) Key() Key {
	return Key{StudentID: s.StudentID, AssignmentID: s.AssignmentID}
}
