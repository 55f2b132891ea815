package transcode

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeInterval is how often Watch re-checks the toolchain.
const DefaultProbeInterval = 5 * time.Minute

// Prober reports toolchain capabilities.
type Prober interface {
	Probe(ctx context.Context) (*Capabilities, error)
}

// CachedProbe keeps the latest toolchain capabilities for readers that must
// not spawn subprocesses, such as the status endpoint. Watch keeps it
// current; Peek never blocks on a probe in progress.
type CachedProbe struct {
	prober Prober
	logger *slog.Logger

	probing sync.Mutex // serialises probes

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedProbe(prober Prober, logger *slog.Logger) *CachedProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProbe{prober: prober, logger: logger}
}

// Peek returns the last stored capabilities, or nil before the first probe.
func (p *CachedProbe) Peek() *Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached
}

// Refresh probes now and stores the result. When a probe fails after an
// earlier one found ffmpeg, the earlier result is kept and returned.
func (p *CachedProbe) Refresh(ctx context.Context) (*Capabilities, error) {
	p.probing.Lock()
	defer p.probing.Unlock()

	caps, err := p.prober.Probe(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.cached

	if err != nil {
		if prev != nil && prev.HasFFmpeg {
			p.logger.Warn("ffmpeg probe failed, keeping previous capabilities", "error", err)
			return prev, nil
		}
		p.logger.Warn("ffmpeg probe failed, video processing will fail until ffmpeg is installed", "error", err)
		if caps != nil {
			p.cached = caps
		}
		return caps, err
	}

	p.cached = caps
	if changed(prev, caps) {
		p.logger.Info("transcoder detected",
			"ffmpeg", caps.FFmpegVersion,
			"libx264", caps.HasLibx264,
			"ffprobe", caps.HasFFprobe,
		)
	}
	return caps, nil
}

// Watch probes immediately and then every interval until ctx is done.
func (p *CachedProbe) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func changed(prev, next *Capabilities) bool {
	if prev == nil {
		return true
	}
	return prev.FFmpegVersion != next.FFmpegVersion ||
		prev.HasFFmpeg != next.HasFFmpeg ||
		prev.HasLibx264 != next.HasLibx264 ||
		prev.HasFFprobe != next.HasFFprobe
}
