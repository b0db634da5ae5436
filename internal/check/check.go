// Package check holds the observation model for a conformance run: individual
// checks, per-phase recorders, phase results, and the final report.
package check

import "time"

// Status is the verdict attached to a single check.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusWarning Status = "WARNING"
	StatusSkipped Status = "SKIPPED"
	StatusInfo    Status = "INFO"
)

// Check is one recorded observation. Checks are immutable once handed to a
// Recorder; callers must not modify the Details map afterwards.
type Check struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	SpecRefs     []string       `json:"specRefs,omitempty"`
}

// Summary counts checks by status. The five counts always sum to the number
// of checks they summarize.
type Summary struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Warning int `json:"warning"`
	Skipped int `json:"skipped"`
	Info    int `json:"info"`
}

// Total returns the number of checks the summary covers.
func (s Summary) Total() int {
	return s.Success + s.Failure + s.Warning + s.Skipped + s.Info
}

// Add merges another summary into this one.
func (s *Summary) Add(other Summary) {
	s.Success += other.Success
	s.Failure += other.Failure
	s.Warning += other.Warning
	s.Skipped += other.Skipped
	s.Info += other.Info
}

// Summarize counts the given checks by status.
func Summarize(checks []Check) Summary {
	var s Summary
	for _, c := range checks {
		switch c.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailure:
			s.Failure++
		case StatusWarning:
			s.Warning++
		case StatusSkipped:
			s.Skipped++
		default:
			s.Info++
		}
	}
	return s
}
