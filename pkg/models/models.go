// Package models holds the wire-level data types shared between the
// worker's internal components and the control plane: the job the worker
// is asked to run, the terminal result it reports back, and the
// non-terminal messages (stream fragments, progress updates) that may
// precede it.
package models

import "encoding/json"

// Job is a single unit of work acquired from the control plane. Two Jobs
// are equal iff their IDs match; Input is a free-form structured value,
// typically a JSON object, and is left undecoded until a handler asks for
// it.
type Job struct {
	ID         string          `json:"id"`
	Input      json.RawMessage `json:"input"`
	WebhookURL string          `json:"webhook,omitempty"`
}

// ResultKind discriminates the terminal outcome a JobResult carries.
type ResultKind string

const (
	KindSuccess ResultKind = "success"
	KindUser    ResultKind = "user_error"
	KindRuntime ResultKind = "runtime_error"
)

// JobResult is the single terminal outcome posted once per Job. Exactly
// one of Output / Message / RuntimeErr is meaningful, selected by Kind.
type JobResult struct {
	Kind       ResultKind
	Output     json.RawMessage
	Message    string
	RuntimeErr *RuntimeError

	RefreshWorker bool
}

// Success builds a terminal Success result.
func Success(output json.RawMessage) JobResult {
	return JobResult{Kind: KindSuccess, Output: output}
}

// UserErr builds a terminal UserError result.
func UserErr(message string) JobResult {
	return JobResult{Kind: KindUser, Message: message}
}

// Runtime builds a terminal RuntimeError result.
func Runtime(e *RuntimeError) JobResult {
	return JobResult{Kind: KindRuntime, RuntimeErr: e}
}

// RuntimeError is the envelope attached to an uncaught handler failure.
// Retryable is a supplement beyond spec: the invoker sets it for every
// recovered handler panic and leaves it false for an error the handler
// returned. It is not serialized into the posted envelope.
type RuntimeError struct {
	ErrorType      string `json:"error_type"`
	ErrorMessage   string `json:"error_message"`
	ErrorTraceback string `json:"error_traceback"`
	Hostname       string `json:"hostname"`
	WorkerID       string `json:"worker_id"`
	RunpodVersion  string `json:"runpod_version"`
	Retryable      bool   `json:"-"`
}

// ResultEnvelope is the exact shape POSTed to the control plane's
// post-output endpoint: either an "output" or an "error" key, never both
// (error wins when a handler's blocking return carries both, per
// spec.md's stated preference — see DESIGN.md Open Question #3).
type ResultEnvelope struct {
	Output        json.RawMessage `json:"output,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	RefreshWorker bool            `json:"refresh_worker,omitempty"`
}

// StreamFragment is a single non-terminal partial emitted by a streaming
// handler. It does not remove the job from the in-progress registry.
type StreamFragment struct {
	Output json.RawMessage `json:"output"`
}

// ProgressUpdate is a best-effort, out-of-band message a handler can emit
// mid-run; unrelated to the terminal result path.
type ProgressUpdate struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// AcquireResponse decodes the acquisition GET response, which the
// control plane may send as a single object or as an array.
type AcquireResponse struct {
	Jobs []Job
}

// UnmarshalJSON accepts either a bare job object or an array of jobs.
func (a *AcquireResponse) UnmarshalJSON(data []byte) error {
	var one Job
	if err := json.Unmarshal(data, &one); err == nil && one.ID != "" {
		a.Jobs = []Job{one}
		return nil
	}
	var many []Job
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	a.Jobs = many
	return nil
}
