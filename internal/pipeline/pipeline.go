// Package pipeline runs one uploaded file through remote detection, result
// fetch, optional transcode and delivery, reporting progress to the
// uploading user and removing every temp file when the job ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/detectrelay/detectrelay/internal/config"
	"github.com/detectrelay/detectrelay/internal/detector"
	"github.com/detectrelay/detectrelay/internal/janitor"
	"github.com/detectrelay/detectrelay/internal/logging"
	"github.com/detectrelay/detectrelay/internal/media"
	"github.com/detectrelay/detectrelay/internal/progress"
)

// Detector uploads media for detection and fetches the results.
type Detector interface {
	Detect(ctx context.Context, kind media.Kind, path, filename string) (*detector.Result, error)
	Fetch(ctx context.Context, key string) (*detector.Artifact, error)
}

// Transcoder re-encodes in to out, reporting progress as a fraction.
type Transcoder interface {
	Transcode(ctx context.Context, in, out string, onProgress func(float64)) error
}

// Output delivers the final result to the requester.
type Output interface {
	Inline(contentType, filename string, body io.Reader) error
	Attachment(path, filename string) error
}

// Request describes one job.
type Request struct {
	UserID     string
	Kind       media.Kind
	SourcePath string // uploaded file; owned by the job from here on
	Filename   string // client-supplied name, forwarded to the detector
}

// Config holds the pipeline's collaborators and settings.
type Config struct {
	Detector   Detector
	Transcoder Transcoder
	Progress   progress.Publisher
	Ledger     janitor.Recorder // optional
	TempDir    string
	Image      config.ProgressPolicy
	Video      config.ProgressPolicy
	Logger     *slog.Logger
}

// Pipeline processes jobs. It is safe for concurrent use; each Run owns its
// job and temp files.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*Job
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "pipeline"),
		active: make(map[string]*Job),
	}
}

// Run executes one job to completion. Every tracked temp file, including
// req.SourcePath, is removed exactly once before Run returns. Failures are
// returned as *Error.
func (p *Pipeline) Run(ctx context.Context, req Request, out Output) error {
	rep := progress.NewReporter(p.cfg.Progress, req.UserID)
	job := newJob(req, rep)
	logger := logging.WithUserID(logging.WithJobID(p.logger, job.ID), req.UserID)

	jan := janitor.New(job.ID, p.cfg.Ledger, logger)
	jan.Track(req.SourcePath)
	defer jan.Release()

	p.register(job)
	defer p.unregister(job)

	logger.Info("job started", "kind", req.Kind, "filename", req.Filename)

	policy, reason, err := p.validate(req)
	if err != nil {
		return p.fail(logger, job, reason, err)
	}

	run := &execution{
		p:      p,
		job:    job,
		rep:    rep,
		jan:    jan,
		policy: policy,
		logger: logger,
	}
	if err := run.do(ctx, out); err != nil {
		return err
	}

	p.advance(logger, job, StageDone)
	logger.Info("job done", "duration_ms", time.Since(job.StartedAt).Milliseconds())
	return nil
}

// validate picks the progress policy for req. Bad requests fail with
// ReasonMissingInput; kinds this pipeline cannot run fail with
// ReasonMisconfigured.
func (p *Pipeline) validate(req Request) (config.ProgressPolicy, Reason, error) {
	if req.UserID == "" {
		return config.ProgressPolicy{}, ReasonMissingInput, errors.New("user id is required")
	}
	if req.SourcePath == "" {
		return config.ProgressPolicy{}, ReasonMissingInput, errors.New("no file uploaded")
	}
	switch req.Kind {
	case media.Image:
		return p.cfg.Image, "", nil
	case media.Video:
		if p.cfg.Transcoder == nil {
			return config.ProgressPolicy{}, ReasonMisconfigured, errors.New("no transcoder configured")
		}
		return p.cfg.Video, "", nil
	default:
		return config.ProgressPolicy{}, ReasonMisconfigured, fmt.Errorf("unknown media kind %q", req.Kind)
	}
}

// execution carries the state of one Run through its stage functions.
type execution struct {
	p      *Pipeline
	job    *Job
	rep    *progress.Reporter
	jan    *janitor.Janitor
	policy config.ProgressPolicy
	logger *slog.Logger
}

func (e *execution) do(ctx context.Context, out Output) error {
	key, err := e.upload(ctx)
	if err != nil {
		return err
	}

	if !e.job.Kind.Transcoded() {
		art, err := e.fetchStream(ctx, key)
		if err != nil {
			return err
		}
		defer art.Body.Close()
		return e.streamInline(out, art, key)
	}

	input, err := e.fetchToFile(ctx, key)
	if err != nil {
		return err
	}
	output, err := e.transcode(ctx, input)
	if err != nil {
		return err
	}
	return e.streamAttachment(out, output, key)
}

func (e *execution) upload(ctx context.Context) (string, error) {
	e.rep.Emit(0)
	e.p.advance(e.logger, e.job, StageUploading)

	span := e.policy.Upload
	sim := progress.Simulate(e.emit, span.From, span.To, span.Period)
	defer sim.Stop()

	res, err := e.p.cfg.Detector.Detect(ctx, e.job.Kind, e.job.SourcePath, e.job.Filename)
	sim.Stop()
	if err != nil {
		return "", e.p.fail(e.logger, e.job, ReasonRemoteProcessingFailed, err)
	}
	if res.Status != http.StatusOK {
		return "", e.p.fail(e.logger, e.job, ReasonRemoteProcessingFailed, fmt.Errorf("detector answered HTTP %d", res.Status))
	}
	if res.ResultPath == "" {
		return "", e.p.fail(e.logger, e.job, ReasonRemoteProcessingFailed, errors.New("result path not found"))
	}

	e.rep.Emit(span.Done)
	e.p.advance(e.logger, e.job, StageRemoteProcessed)
	e.logger.Info("remote detection complete", "result_path", res.ResultPath)
	return res.Key(), nil
}

// fetchStream opens the result and hands the open stream to streaming.
func (e *execution) fetchStream(ctx context.Context, key string) (*detector.Artifact, error) {
	e.p.advance(e.logger, e.job, StageFetching)

	span := e.policy.Fetch
	sim := progress.Simulate(e.emit, span.From, span.To, span.Period)
	defer sim.Stop()

	art, err := e.p.cfg.Detector.Fetch(ctx, key)
	sim.Stop()
	if err != nil {
		return nil, e.p.fail(e.logger, e.job, ReasonFetchFailed, err)
	}
	e.rep.Emit(span.Done)
	return art, nil
}

// fetchToFile downloads the result into a tracked temp file.
func (e *execution) fetchToFile(ctx context.Context, key string) (string, error) {
	e.p.advance(e.logger, e.job, StageFetching)

	span := e.policy.Fetch
	sim := progress.Simulate(e.emit, span.From, span.To, span.Period)
	defer sim.Stop()

	art, err := e.p.cfg.Detector.Fetch(ctx, key)
	if err != nil {
		return "", e.p.fail(e.logger, e.job, ReasonFetchFailed, err)
	}
	defer art.Body.Close()

	dst, err := e.p.tempPath(e.job, ".src.mp4")
	if err != nil {
		return "", e.p.fail(e.logger, e.job, ReasonFetchFailed, err)
	}
	e.jan.Track(dst)

	n, err := writeFile(dst, art.Body)
	sim.Stop()
	if err != nil {
		return "", e.p.fail(e.logger, e.job, ReasonFetchFailed, err)
	}

	e.rep.Emit(span.Done)
	e.logger.Info("result fetched", "key", key, "size", humanize.Bytes(uint64(n)))
	return dst, nil
}

func (e *execution) transcode(ctx context.Context, input string) (string, error) {
	e.p.advance(e.logger, e.job, StageTranscoding)

	output, err := e.p.tempPath(e.job, ".mp4")
	if err != nil {
		return "", e.p.fail(e.logger, e.job, ReasonTranscodeFailed, err)
	}
	e.jan.Track(output)

	span := e.policy.Transcode
	onProgress := func(fraction float64) {
		if v, ok := progress.Scale(fraction, span.From, span.To); ok {
			e.rep.Emit(v)
		}
	}
	if err := e.p.cfg.Transcoder.Transcode(ctx, input, output, onProgress); err != nil {
		return "", e.p.fail(e.logger, e.job, ReasonTranscodeFailed, err)
	}
	return output, nil
}

func (e *execution) streamInline(out Output, art *detector.Artifact, key string) error {
	e.p.advance(e.logger, e.job, StageStreaming)
	e.rep.Emit(100)

	if err := out.Inline(art.ContentType, key, art.Body); err != nil {
		return e.p.fail(e.logger, e.job, ReasonStreamFailed, err)
	}
	return nil
}

func (e *execution) streamAttachment(out Output, file, key string) error {
	e.p.advance(e.logger, e.job, StageStreaming)
	e.rep.Emit(100)

	if err := out.Attachment(file, AttachmentName(key)); err != nil {
		return e.p.fail(e.logger, e.job, ReasonStreamFailed, err)
	}
	return nil
}

func (e *execution) emit(v int) {
	e.rep.Emit(v)
}

// AttachmentName is the download name for a transcoded result key.
func AttachmentName(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base)) + ".mp4"
}

func (p *Pipeline) fail(logger *slog.Logger, job *Job, reason Reason, err error) error {
	stage := job.Stage()
	p.advance(logger, job, StageFailed)
	logger.Error("job failed", "stage", stage, "reason", reason, "error", err)
	return &Error{Reason: reason, Stage: stage, Err: err}
}

func (p *Pipeline) advance(logger *slog.Logger, job *Job, to Stage) {
	if err := job.advance(to); err != nil {
		logger.Warn("unexpected stage change", "error", err)
		return
	}
	logger.Debug("stage changed", "stage", to)
}

// tempPath returns a fresh name <kind>_<jobid>_<unixnano><ext> in the temp dir.
func (p *Pipeline) tempPath(job *Job, ext string) (string, error) {
	if err := os.MkdirAll(p.cfg.TempDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create temp dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d%s", job.Kind, job.ID, time.Now().UnixNano(), ext)
	return filepath.Join(p.cfg.TempDir, name), nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write temp file: %w", err)
	}
	return n, nil
}

func (p *Pipeline) register(job *Job) {
	p.mu.Lock()
	p.active[job.ID] = job
	p.mu.Unlock()
}

func (p *Pipeline) unregister(job *Job) {
	p.mu.Lock()
	delete(p.active, job.ID)
	p.mu.Unlock()
}

// Active returns snapshots of running jobs, oldest first.
func (p *Pipeline) Active() []Snapshot {
	p.mu.RLock()
	out := make([]Snapshot, 0, len(p.active))
	for _, j := range p.active {
		out = append(out, j.snapshot())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(out[k].StartedAt) })
	return out
}

// ActiveCount returns the number of running jobs.
func (p *Pipeline) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}
