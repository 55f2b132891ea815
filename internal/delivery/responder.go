// Package delivery writes processed results back to the HTTP client, either
// inline (images) or as a downloadable attachment (videos).
package delivery

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Responder streams one job's result to one HTTP response.
type Responder struct {
	w      http.ResponseWriter
	r      *http.Request
	logger *slog.Logger

	committed bool
}

func NewResponder(w http.ResponseWriter, r *http.Request, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{w: w, r: r, logger: logger}
}

// Committed reports whether a status line has been written. Once committed,
// an error response can no longer be sent.
func (d *Responder) Committed() bool {
	return d.committed
}

// Inline copies body to the client with the given content type and an
// inline Content-Disposition naming filename.
func (d *Responder) Inline(contentType, filename string, body io.Reader) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := d.w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", disposition("inline", filename))

	d.committed = true
	d.w.WriteHeader(http.StatusOK)

	n, err := io.Copy(d.w, body)
	if err != nil {
		return fmt.Errorf("inline copy after %s: %w", humanize.Bytes(uint64(n)), err)
	}
	if err := d.r.Context().Err(); err != nil {
		return fmt.Errorf("client went away: %w", err)
	}
	d.logger.Debug("inline result sent", "filename", filename, "size", humanize.Bytes(uint64(n)))
	return nil
}

// Attachment sends the file at path as a download named filename. A single
// byte range is honoured when the client asks for one.
func (d *Responder) Attachment(path, filename string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	size := stat.Size()

	h := d.w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "video/mp4")
	h.Set("Content-Disposition", disposition("attachment", filename))

	rng, partial, err := parseRange(d.r.Header.Get("Range"), size)
	if errors.Is(err, ErrUnsatisfiable) {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		d.committed = true
		http.Error(d.w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	// Malformed ranges are ignored and the whole file is sent.

	if !partial {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		d.committed = true
		d.w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(d.w, file); err != nil {
			return fmt.Errorf("attachment copy: %w", err)
		}
	} else {
		if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
		h.Set("Content-Length", strconv.FormatInt(rng.length(), 10))
		h.Set("Content-Range", rng.header(size))
		d.committed = true
		d.w.WriteHeader(http.StatusPartialContent)
		if _, err := io.CopyN(d.w, file, rng.length()); err != nil {
			return fmt.Errorf("attachment range copy: %w", err)
		}
	}

	if err := d.r.Context().Err(); err != nil {
		return fmt.Errorf("client went away: %w", err)
	}
	d.logger.Debug("attachment sent", "filename", filename, "size", humanize.Bytes(uint64(size)), "partial", partial)
	return nil
}

var dispositionEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"", "\r", "", "\n", "")

func disposition(kind, filename string) string {
	return fmt.Sprintf(`%s; filename="%s"`, kind, dispositionEscaper.Replace(filename))
}
