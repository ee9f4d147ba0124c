// Package events defines the UI-facing event stream: the typed messages
// the engine emits while building, testing, and serving a project, and
// the Sink interface everything emits through. Events marshal to flat
// JSON objects keyed by "type".
package events

import "sync"

// Step names.
const (
	StepRefine  = "refine"
	StepBuild   = "build"
	StepInstall = "install"
	StepServe   = "serve"
	StepTest    = "test"
)

// Step statuses.
const (
	StatusActive = "active"
	StatusDone   = "done"
	StatusError  = "error"
)

// Verification check statuses carried by TestResult.
const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckSkip = "skip"
	CheckRun  = "run"
)

// Event is one stream message. Fields unrelated to the event's type are
// zero and omitted on the wire.
type Event struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
	Run  string `json:"run_id,omitempty"`

	Level       string   `json:"level,omitempty"`
	Text        string   `json:"text,omitempty"`
	Step        string   `json:"step,omitempty"`
	Status      string   `json:"status,omitempty"`
	Name        string   `json:"name,omitempty"`
	Size        string   `json:"size,omitempty"`
	Content     string   `json:"content,omitempty"`
	SiteType    string   `json:"site_type,omitempty"`
	Strategy    string   `json:"strategy,omitempty"`
	Pct         int      `json:"pct,omitempty"`
	URL         string   `json:"url,omitempty"`
	Project     string   `json:"project,omitempty"`
	File        string   `json:"file,omitempty"`
	Token       string   `json:"token,omitempty"`
	Attempt     int      `json:"attempt,omitempty"`
	Msg         string   `json:"msg,omitempty"`
	Detail      string   `json:"detail,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	Stage       string   `json:"stage,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Session     string   `json:"session,omitempty"`
	ResumeToken string   `json:"resume_token,omitempty"`
}

// Log is a free-form log line shown in the UI console.
func Log(level, text string) Event { return Event{Type: "log", Level: level, Text: text} }

// Step reports a pipeline stage transition.
func Step(step, status string) Event { return Event{Type: "step", Step: step, Status: status} }

// File announces a written project file with its content.
func File(name, size, content string) Event {
	return Event{Type: "file", Name: name, Size: size, Content: content}
}

// Detected reports the classified site type and render strategy.
func Detected(siteType, strategy string) Event {
	return Event{Type: "detected", SiteType: siteType, Strategy: strategy}
}

// Progress updates the overall progress bar.
func Progress(label string, pct int) Event {
	return Event{Type: "progress", Step: label, Pct: pct}
}

// Done reports a finished run with the serving URL.
func Done(url, project string) Event { return Event{Type: "done", URL: url, Project: project} }

// Error reports a terminal failure.
func Error(text string) Event { return Event{Type: "error", Text: text} }

// StreamStart opens a token stream for a generated file.
func StreamStart(file string) Event { return Event{Type: "stream_start", File: file} }

// StreamToken forwards one model token for a file being generated.
func StreamToken(file, token string) Event {
	return Event{Type: "stream", File: file, Token: token}
}

// StreamEnd closes a token stream with the final content.
func StreamEnd(file, content string) Event {
	return Event{Type: "stream_end", File: file, Content: content}
}

// TestStart announces the browser test phase.
func TestStart() Event { return Event{Type: "test_start"} }

// TestRun announces one test attempt.
func TestRun(attempt int) Event { return Event{Type: "test_run", Attempt: attempt} }

// TestFixing announces a repair attempt with the findings driving it.
func TestFixing(attempt int, errors []string) Event {
	if len(errors) > 5 {
		errors = errors[:5]
	}
	return Event{Type: "test_fixing", Attempt: attempt, Errors: errors}
}

// TestResult reports one verification check's outcome. Status is one of
// the Check* constants; detail is optional supporting text.
func TestResult(status, msg, detail string) Event {
	return Event{Type: "test_result", Status: status, Msg: msg, Detail: detail}
}

// State describes a run's current position, used for reconnect replies.
func State(runID, project, stage, url, reason string) Event {
	return Event{Type: "state", Run: runID, Project: project, Stage: stage, URL: url, Reason: reason}
}

// Session hands a client its session ID and resume token.
func Session(id, resumeToken string) Event {
	return Event{Type: "session", Session: id, ResumeToken: resumeToken}
}

// Export announces a completed archive transfer.
func Export(project, name, size string) Event {
	return Event{Type: "export", Project: project, Name: name, Size: size}
}

// Sink receives events. Implementations must not block the caller for
// long; slow consumers are the sink's problem.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

type runSink struct {
	runID string
	next  Sink
}

func (r runSink) Emit(e Event) {
	e.Run = r.runID
	r.next.Emit(e)
}

// WithRun returns a Sink that stamps every event with runID before
// forwarding it.
func WithRun(runID string, next Sink) Sink {
	return runSink{runID: runID, next: next}
}

// Recorder is a Sink that stores events in order, for tests and for
// replaying recent history to late subscribers.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Last returns the most recent event of the given type, if any.
func (r *Recorder) Last(eventType string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return Event{}, false
}
