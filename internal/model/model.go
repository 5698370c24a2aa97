// Package model defines the records and results shared by the bot's
// session, runner, status and journal packages.
package model

import "time"

// Outcome values stored on a Record.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Fields holds operator-supplied context gathered by the guided flow,
// keyed by step name ("requester", "ticket", "team", "reason").
type Fields map[string]string

// Clone returns an independent copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Request is a fully-prepared runbook invocation.
type Request struct {
	Command string `json:"command"` // "check" | "rollout"
	Service string `json:"service"`
	Version string `json:"version"`
	Env     string `json:"env"`
	Batches int    `json:"batches"`
	Fields  Fields `json:"fields,omitempty"`
	Status  Status `json:"status,omitempty"`
}

// Status is the normalized health of a service as reported by one of
// the ranked status providers. Either Error is set or the rest is;
// never both.
type Status struct {
	Provider string `json:"provider,omitempty"`
	State    string `json:"state,omitempty"` // "up" | "degraded" | "down"
	Version  string `json:"version,omitempty"`
	Region   string `json:"region,omitempty"`
	Healthy  bool   `json:"healthy,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Failed reports whether s is an error marker.
func (s Status) Failed() bool { return s.Error != "" }

// StepResult captures the outcome of one runner call.
type StepResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // "ok" | "error" | "canceled"
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Result is what the runner returns for a Request. It never carries
// a Go error; failures are described by OK and Message.
type Result struct {
	OK      bool         `json:"ok"`
	Message string       `json:"message"`
	Steps   []StepResult `json:"steps,omitempty"`
}

// Record is one immutable journal entry.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Service   string    `json:"service"`
	Version   string    `json:"version,omitempty"`
	Env       string    `json:"env"`
	Fields    Fields    `json:"fields,omitempty"`
	Status    *Status   `json:"status,omitempty"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
}
