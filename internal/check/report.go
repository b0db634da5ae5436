package check

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// Phase identifies one stage of the conformance pipeline.
type Phase string

const (
	PhaseAuthDiscovery Phase = "auth-discovery"
	PhaseHandshake     Phase = "protocol-handshake"
	PhaseToolAnalysis  Phase = "tool-analysis"
	PhaseInteraction   Phase = "interaction"
)

// OverallStatus is the aggregate verdict of a run.
type OverallStatus string

const (
	OverallPass OverallStatus = "PASS"
	OverallFail OverallStatus = "FAIL"
	OverallWarn OverallStatus = "WARN"
)

// PhaseResult is the outcome of one pipeline phase.
type PhaseResult struct {
	Phase       Phase     `json:"phase"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	DurationMs  int64     `json:"durationMs"`
	Checks      []Check   `json:"checks"`
	Summary     Summary   `json:"summary"`
}

// Report is the top-level aggregate for one conformance run.
type Report struct {
	ServerName    string        `json:"serverName"`
	ServerURL     string        `json:"serverUrl"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	DurationMs    int64         `json:"durationMs"`
	Phases        []PhaseResult `json:"phases"`
	Summary       Summary       `json:"summary"`
	OverallStatus OverallStatus `json:"overallStatus"`
}

// AddPhase appends a phase result and folds its summary into the report's
// aggregate summary.
func (r *Report) AddPhase(p PhaseResult) {
	r.Phases = append(r.Phases, p)
	r.Summary.Add(p.Summary)
}

// Finalize stamps the end time and derives the overall status: FAIL if any
// check failed, WARN if any check warned, PASS otherwise.
func (r *Report) Finalize(end time.Time) {
	r.EndTime = end
	r.DurationMs = end.Sub(r.StartTime).Milliseconds()
	switch {
	case r.Summary.Failure > 0:
		r.OverallStatus = OverallFail
	case r.Summary.Warning > 0:
		r.OverallStatus = OverallWarn
	default:
		r.OverallStatus = OverallPass
	}
}

// WriteFile serializes the report as indented JSON at path, creating parent
// directories as needed.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrap(err, "create report directory")
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "write report")
	}
	return nil
}
