package pipeline

import "fmt"

// Reason classifies why a job failed.
type Reason string

const (
	ReasonMissingInput           Reason = "missing_input"
	ReasonMisconfigured          Reason = "misconfigured"
	ReasonRemoteProcessingFailed Reason = "remote_processing_failed"
	ReasonFetchFailed            Reason = "fetch_failed"
	ReasonTranscodeFailed        Reason = "transcode_failed"
	ReasonStreamFailed           Reason = "stream_failed"
	// ReasonCleanupFailed is diagnostic only; the janitor logs it and it
	// never fails a job.
	ReasonCleanupFailed Reason = "cleanup_failed"
)

// Error is a stage-aware job failure.
type Error struct {
	Reason Reason
	Stage  Stage
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
