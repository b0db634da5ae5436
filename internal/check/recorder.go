package check

import "time"

// Observer receives each check as soon as it is recorded. Used by front ends
// to show progress while a phase is still running.
type Observer func(Check)

// Recorder accumulates checks for one phase. A recorder has a single writer
// (the phase that owns it) and is never shared across phases, so it does not
// lock.
type Recorder struct {
	checks   []Check
	observer Observer
	now      func() time.Time
}

// NewRecorder creates a recorder. observer may be nil.
func NewRecorder(observer Observer) *Recorder {
	return &Recorder{observer: observer, now: time.Now}
}

// Add records a check, stamping the timestamp if the caller left it zero, and
// forwards it to the observer immediately.
func (r *Recorder) Add(c Check) {
	if c.Timestamp.IsZero() {
		c.Timestamp = r.now()
	}
	r.checks = append(r.checks, c)
	if r.observer != nil {
		r.observer(c)
	}
}

// Success records a SUCCESS check.
func (r *Recorder) Success(id, name, description string, details map[string]any) {
	r.Add(Check{ID: id, Name: name, Description: description, Status: StatusSuccess, Details: details})
}

// Failure records a FAILURE check with an error message.
func (r *Recorder) Failure(id, name, description, errMsg string, details map[string]any) {
	r.Add(Check{ID: id, Name: name, Description: description, Status: StatusFailure, ErrorMessage: errMsg, Details: details})
}

// Warning records a WARNING check.
func (r *Recorder) Warning(id, name, description, errMsg string, details map[string]any) {
	r.Add(Check{ID: id, Name: name, Description: description, Status: StatusWarning, ErrorMessage: errMsg, Details: details})
}

// Info records an INFO check.
func (r *Recorder) Info(id, name, description string, details map[string]any) {
	r.Add(Check{ID: id, Name: name, Description: description, Status: StatusInfo, Details: details})
}

// Skip records a SKIPPED check.
func (r *Recorder) Skip(id, name, description string) {
	r.Add(Check{ID: id, Name: name, Description: description, Status: StatusSkipped})
}

// Checks returns a copy of the recorded checks in recording order.
func (r *Recorder) Checks() []Check {
	out := make([]Check, len(r.checks))
	copy(out, r.checks)
	return out
}

// Summarize counts the recorded checks by status.
func (r *Recorder) Summarize() Summary {
	return Summarize(r.checks)
}

// HasFailure reports whether any recorded check failed.
func (r *Recorder) HasFailure() bool {
	for _, c := range r.checks {
		if c.Status == StatusFailure {
			return true
		}
	}
	return false
}
