package models

// JobStatus is the lifecycle state of a job (and, scoped down, of a page)
type JobStatus string

const (
	StatusPending       JobStatus = "pending"
	StatusPreprocessing JobStatus = "preprocessing"
	StatusProcessing    JobStatus = "processing"
	StatusCompleted     JobStatus = "completed"
	StatusPartial       JobStatus = "partial"
	StatusFailed        JobStatus = "failed"
	StatusCancelled     JobStatus = "cancelled"
)

// forward edges of the job state machine
var transitions = map[JobStatus][]JobStatus{
	StatusPending:       {StatusPreprocessing, StatusProcessing, StatusFailed, StatusCancelled},
	StatusPreprocessing: {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:    {StatusCompleted, StatusPartial, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPreprocessing, StatusProcessing,
		StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal forward move
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedPredecessors lists the states from which to can be entered
func AllowedPredecessors(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{StatusPending, StatusPreprocessing, StatusProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// FinalStatus derives the terminal status from page outcomes
func FinalStatus(succeeded, failed int) JobStatus {
	switch {
	case succeeded > 0 && failed == 0:
		return StatusCompleted
	case succeeded > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
