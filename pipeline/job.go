package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/wudi/pdfbudget/ir/raw"
)

// JobState is the lifecycle state of one input document.
type JobState string

const (
	StatePending JobState = "pending"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateFailed  JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool { return s == StateDone || s == StateFailed }

// DiagnosticKind classifies a diagnostic.
type DiagnosticKind string

const (
	// ResourceSkipped: one resource could not be recompressed and was kept.
	ResourceSkipped DiagnosticKind = "resource_skipped"
	// PageExceedsBudget: a page alone does not fit the budget and was
	// written as an oversized part.
	PageExceedsBudget DiagnosticKind = "page_exceeds_budget"
	// MalformedDocument: the input could not be read.
	MalformedDocument DiagnosticKind = "malformed_document"
	// SerializationError: an output could not be produced.
	SerializationError DiagnosticKind = "serialization_error"
)

// Diagnostic is a condition reported with a job. Only MalformedDocument and
// SerializationError accompany a failed job.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Message string         `json:"message"`
	Ref     *raw.ObjectRef `json:"ref,omitempty"`
	// Page is the one-based page number, 0 when not page related.
	Page int `json:"page,omitempty"`
	// Group is the one-based output part, 0 when not part related.
	Group int   `json:"group,omitempty"`
	Bytes int64 `json:"bytes,omitempty"`
}

func (d Diagnostic) String() string {
	s := string(d.Kind) + ": " + d.Message
	if d.Ref != nil {
		s += " (" + d.Ref.String() + ")"
	}
	return s
}

// Output is one written file.
type Output struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	// FirstPage and LastPage are one-based positions in the input.
	FirstPage int `json:"first_page"`
	LastPage  int `json:"last_page"`
	// Original is set when the input bytes were copied unchanged.
	Original bool `json:"original,omitempty"`
}

// Job tracks one input document through the pipeline.
type Job struct {
	mu sync.Mutex

	ID    string
	Input string

	state       JobState
	outputs     []Output
	diagnostics []Diagnostic
	inputBytes  int64
	pages       int
	scanned     bool
	estimate    int64
	errMsg      string
	started     time.Time
	finished    time.Time
}

func NewJob(id, input string) *Job {
	return &Job{ID: id, Input: input, state: StatePending}
}

// transitions lists the allowed state changes.
var transitions = map[JobState][]JobState{
	StatePending: {StateRunning, StateFailed},
	StateRunning: {StateDone, StateFailed},
}

// SetState moves the job to next. Invalid transitions are rejected.
func (j *Job) SetState(next JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, allowed := range transitions[j.state] {
		if allowed == next {
			j.state = next
			now := time.Now()
			if next == StateRunning {
				j.started = now
			}
			if next.Terminal() {
				j.finished = now
			}
			return nil
		}
	}
	return fmt.Errorf("job %s: invalid transition %s -> %s", j.ID, j.state, next)
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) AddDiagnostic(d Diagnostic) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.diagnostics = append(j.diagnostics, d)
}

func (j *Job) AddOutput(o Output) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outputs = append(j.outputs, o)
}

func (j *Job) setInfo(inputBytes int64, pages int, scanned bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inputBytes, j.pages, j.scanned = inputBytes, pages, scanned
}

func (j *Job) setEstimate(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.estimate = n
}

func (j *Job) setError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.errMsg = err.Error()
	}
}

// JobSnapshot is a read-only copy of a job, the per-document report.
type JobSnapshot struct {
	ID          string        `json:"id"`
	Input       string        `json:"input"`
	State       JobState      `json:"state"`
	Outputs     []Output      `json:"outputs"`
	Diagnostics []Diagnostic  `json:"diagnostics"`
	InputBytes  int64         `json:"input_bytes"`
	Pages       int           `json:"pages"`
	Scanned     bool          `json:"scanned"`
	Estimate    int64         `json:"estimate,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// OutputBytes is the total size of all outputs.
func (s JobSnapshot) OutputBytes() int64 {
	var n int64
	for _, o := range s.Outputs {
		n += o.Bytes
	}
	return n
}

func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		ID:          j.ID,
		Input:       j.Input,
		State:       j.state,
		Outputs:     append([]Output{}, j.outputs...),
		Diagnostics: append([]Diagnostic{}, j.diagnostics...),
		InputBytes:  j.inputBytes,
		Pages:       j.pages,
		Scanned:     j.scanned,
		Estimate:    j.estimate,
		Error:       j.errMsg,
	}
	if !j.started.IsZero() && !j.finished.IsZero() {
		s.Duration = j.finished.Sub(j.started)
	}
	return s
}
