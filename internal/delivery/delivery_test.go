package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		size      int64
		wantStart int64
		wantEnd   int64
		wantOK    bool
		wantErr   error
	}{
		{"empty header", "", 1000, 0, 0, false, nil},
		{"full range", "bytes=0-999", 1000, 0, 999, true, nil},
		{"partial start", "bytes=500-", 1000, 500, 999, true, nil},
		{"suffix range", "bytes=-500", 1000, 500, 999, true, nil},
		{"single byte", "bytes=0-0", 1000, 0, 0, true, nil},
		{"beyond size clamped", "bytes=0-2000", 1000, 0, 999, true, nil},
		{"suffix larger than file", "bytes=-2000", 500, 0, 499, true, nil},
		{"multi range takes first", "bytes=0-99, 200-299", 1000, 0, 99, true, nil},

		{"unsatisfiable start", "bytes=1000-", 1000, 0, 0, false, ErrUnsatisfiable},
		{"reversed", "bytes=500-100", 1000, 0, 0, false, ErrUnsatisfiable},
		{"wrong unit", "chars=0-100", 1000, 0, 0, false, ErrInvalidRange},
		{"no dash", "bytes=100", 1000, 0, 0, false, ErrInvalidRange},
		{"invalid start", "bytes=abc-100", 1000, 0, 0, false, ErrInvalidRange},
		{"zero suffix", "bytes=-0", 1000, 0, 0, false, ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseRange(tt.header, tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("parseRange() error = %v, want %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("parseRange() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && (got.Start != tt.wantStart || got.End != tt.wantEnd) {
				t.Errorf("parseRange() = {%d, %d}, want {%d, %d}", got.Start, got.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestByteRange_Header(t *testing.T) {
	r := byteRange{Start: 500, End: 999}
	if r.length() != 500 {
		t.Errorf("length() = %d, want 500", r.length())
	}
	if got := r.header(1000); got != "bytes 500-999/1000" {
		t.Errorf("header() = %s", got)
	}
}

func TestResponder_Inline(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/process-image", nil)
	rec := httptest.NewRecorder()
	d := NewResponder(rec, req, testLogger())

	if err := d.Inline("image/png", "out.png", strings.NewReader("annotated")); err != nil {
		t.Fatalf("Inline() error = %v", err)
	}

	if !d.Committed() {
		t.Error("Committed() = false after Inline")
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `inline; filename="out.png"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if rec.Body.String() != "annotated" {
		t.Errorf("body = %q, want annotated", rec.Body.String())
	}
}

func TestResponder_InlineCancelledClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/process-image", nil).WithContext(ctx)
	d := NewResponder(httptest.NewRecorder(), req, testLogger())

	if err := d.Inline("image/png", "out.png", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for a cancelled client")
	}
}

type failingWriter struct {
	*httptest.ResponseRecorder
}

var errBrokenPipe = errors.New("broken pipe")

func (f failingWriter) Write([]byte) (int, error) {
	return 0, errBrokenPipe
}

// io.Copy from a strings.Reader goes through WriteString.
func (f failingWriter) WriteString(string) (int, error) {
	return 0, errBrokenPipe
}

func TestResponder_InlineWriteError(t *testing.T) {
	tests := []struct {
		name string
		body io.Reader
	}{
		{"string reader", strings.NewReader("x")},
		{"plain reader", io.MultiReader(strings.NewReader("x"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/process-image", nil)
			d := NewResponder(failingWriter{rec}, req, testLogger())

			err := d.Inline("image/png", "out.png", tt.body)
			if !errors.Is(err, errBrokenPipe) {
				t.Fatalf("Inline error = %v, want broken pipe", err)
			}
			if !d.Committed() {
				t.Error("responder should be committed after the status line")
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want nothing written", rec.Body.String())
			}
		})
	}
}

func writeVideo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video_job_1.mp4")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResponder_Attachment(t *testing.T) {
	path := writeVideo(t, "0123456789")
	req := httptest.NewRequest(http.MethodPost, "/api/process-video", nil)
	rec := httptest.NewRecorder()
	d := NewResponder(rec, req, testLogger())

	if err := d.Attachment(path, "clip_out.mp4"); err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="clip_out.mp4"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "10" {
		t.Errorf("Content-Length = %q, want 10", got)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestResponder_AttachmentRange(t *testing.T) {
	path := writeVideo(t, "0123456789")
	req := httptest.NewRequest(http.MethodPost, "/api/process-video", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()

	if err := NewResponder(rec, req, testLogger()).Attachment(path, "clip.mp4"); err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}

	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if rec.Body.String() != "2345" {
		t.Errorf("body = %q, want 2345", rec.Body.String())
	}
}

func TestResponder_AttachmentUnsatisfiable(t *testing.T) {
	path := writeVideo(t, "0123456789")
	req := httptest.NewRequest(http.MethodPost, "/api/process-video", nil)
	req.Header.Set("Range", "bytes=50-")
	rec := httptest.NewRecorder()

	if err := NewResponder(rec, req, testLogger()).Attachment(path, "clip.mp4"); err != nil {
		t.Fatalf("Attachment() error = %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", rec.Code)
	}
}

func TestResponder_AttachmentMissingFile(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/process-video", nil)
	rec := httptest.NewRecorder()
	d := NewResponder(rec, req, testLogger())

	if err := d.Attachment(filepath.Join(t.TempDir(), "gone.mp4"), "gone.mp4"); err == nil {
		t.Fatal("expected error for missing file")
	}
	if d.Committed() {
		t.Error("nothing should be committed when the file cannot be opened")
	}
}

func TestDisposition_Escapes(t *testing.T) {
	got := disposition("inline", "a\"b\r\n.png")
	if got != `inline; filename="a\"b.png"` {
		t.Errorf("disposition = %q", got)
	}
}
