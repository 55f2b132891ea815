package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/detectrelay/detectrelay/internal/media"
	"github.com/detectrelay/detectrelay/internal/progress"
)

// Stage is a job's position in the processing state machine.
type Stage string

const (
	StageStarted         Stage = "started"
	StageUploading       Stage = "uploading"
	StageRemoteProcessed Stage = "remote_processed"
	StageFetching        Stage = "fetching"
	StageTranscoding     Stage = "transcoding"
	StageStreaming       Stage = "streaming"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Job is one execution of the pipeline for one uploaded file.
type Job struct {
	ID         string
	UserID     string
	Kind       media.Kind
	SourcePath string
	Filename   string
	StartedAt  time.Time

	reporter *progress.Reporter

	mu    sync.RWMutex
	stage Stage
}

func newJob(req Request, reporter *progress.Reporter) *Job {
	return &Job{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Kind:       req.Kind,
		SourcePath: req.SourcePath,
		Filename:   req.Filename,
		StartedAt:  time.Now(),
		reporter:   reporter,
		stage:      StageStarted,
	}
}

// Stage returns the current stage.
func (j *Job) Stage() Stage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stage
}

// advance validates and applies a state transition.
func (j *Job) advance(to Stage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !isValidTransition(j.kindTranscoded(), j.stage, to) {
		return fmt.Errorf("invalid transition: %s -> %s", j.stage, to)
	}
	j.stage = to
	return nil
}

func (j *Job) kindTranscoded() bool {
	return j.Kind.Transcoded()
}

// Snapshot is a point-in-time view of a running job.
type Snapshot struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Kind      media.Kind `json:"kind"`
	Stage     Stage      `json:"stage"`
	Progress  int        `json:"progress"`
	StartedAt time.Time  `json:"started_at"`
}

func (j *Job) snapshot() Snapshot {
	last := j.reporter.Last()
	if last < 0 {
		last = 0
	}
	return Snapshot{
		ID:        j.ID,
		UserID:    j.UserID,
		Kind:      j.Kind,
		Stage:     j.Stage(),
		Progress:  last,
		StartedAt: j.StartedAt,
	}
}

// isValidTransition enforces the allowed stage edges. Failed is reachable
// from every non-terminal stage; Transcoding only exists for transcoded kinds.
func isValidTransition(transcoded bool, from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	switch from {
	case StageStarted:
		return to == StageUploading
	case StageUploading:
		return to == StageRemoteProcessed
	case StageRemoteProcessed:
		return to == StageFetching
	case StageFetching:
		if transcoded {
			return to == StageTranscoding
		}
		return to == StageStreaming
	case StageTranscoding:
		return to == StageStreaming
	case StageStreaming:
		return to == StageDone
	default:
		return false
	}
}
