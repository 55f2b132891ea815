package detector

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
	"time"

	"github.com/detectrelay/detectrelay/internal/logging"
	"github.com/detectrelay/detectrelay/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeUpload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload-1")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return path
}

func TestClient_Detect_Success(t *testing.T) {
	var gotField, gotFilename, gotContent, gotPartType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/detect/image" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart reader: %v", err)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			t.Errorf("next part: %v", err)
			return
		}
		gotField = part.FormName()
		gotFilename = part.FileName()
		gotPartType = part.Header.Get("Content-Type")
		b, _ := io.ReadAll(part)
		gotContent = string(b)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result_path":"results/photo_out.png"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/api/v1/", time.Minute, testLogger())
	res, err := client.Detect(context.Background(), media.Image, writeUpload(t, "pixels"), "photo.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotField != "file" {
		t.Errorf("field = %q, want file", gotField)
	}
	if gotFilename != "photo.png" {
		t.Errorf("filename = %q, want photo.png", gotFilename)
	}
	if gotPartType != "image/png" {
		t.Errorf("part content type = %q, want image/png", gotPartType)
	}
	if gotContent != "pixels" {
		t.Errorf("content = %q, want pixels", gotContent)
	}
	if res.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", res.Status)
	}
	if res.Key() != "photo_out.png" {
		t.Errorf("key = %q, want photo_out.png", res.Key())
	}
}

func TestClient_Detect_EmptyResultPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Minute, testLogger())
	res, err := client.Detect(context.Background(), media.Image, writeUpload(t, "px"), "a.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResultPath != "" {
		t.Errorf("result path = %q, want empty", res.ResultPath)
	}
}

func TestClient_Detect_ReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"model offline"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Minute, testLogger())
	_, err := client.Detect(context.Background(), media.Image, writeUpload(t, "px"), "a.png")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", statusErr.StatusCode)
	}
	if !strings.Contains(statusErr.Body, "model offline") {
		t.Errorf("body = %q", statusErr.Body)
	}
}

func TestClient_Detect_MissingFile(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Minute, testLogger())
	_, err := client.Detect(context.Background(), media.Image, filepath.Join(t.TempDir(), "nope"), "a.png")
	if err == nil {
		t.Fatal("expected error for missing upload")
	}
}

func TestClient_Fetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/results/out image.png" {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("annotated"))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Minute, testLogger())
	art, err := client.Fetch(context.Background(), "out image.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer art.Body.Close()

	if art.ContentType != "image/png" {
		t.Errorf("content type = %q, want image/png", art.ContentType)
	}
	b, _ := io.ReadAll(art.Body)
	if string(b) != "annotated" {
		t.Errorf("body = %q, want annotated", b)
	}
}

func TestClient_Fetch_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Minute, testLogger())
	_, err := client.Fetch(context.Background(), "gone.mp4")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func TestResult_Key(t *testing.T) {
	tests := map[string]string{
		"results/a.png":   "a.png",
		"a.png":           "a.png",
		"results/x/y.mp4": "x/y.mp4",
	}
	for in, want := range tests {
		if got := (&Result{ResultPath: in}).Key(); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestClient_ForwardsRequestID(t *testing.T) {
	var detectID, fetchID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/detect/"):
			detectID = r.Header.Get("X-Request-Id")
			io.Copy(io.Discard, r.Body)
			w.Write([]byte(`{"result_path":"results/out.png"}`))
		default:
			fetchID = r.Header.Get("X-Request-Id")
			w.Write([]byte("png"))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, testLogger())
	ctx := logging.ContextWithRequestID(context.Background(), "ab12cd34")

	if _, err := client.Detect(ctx, media.Image, writeUpload(t, "img"), "cat.png"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	art, err := client.Fetch(ctx, "out.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	art.Body.Close()

	if detectID != "ab12cd34" || fetchID != "ab12cd34" {
		t.Errorf("request ids = %q, %q, want ab12cd34", detectID, fetchID)
	}

	if _, err := client.Detect(context.Background(), media.Image, writeUpload(t, "img"), "cat.png"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if detectID == "" || detectID == "ab12cd34" {
		t.Errorf("request id without inbound id = %q, want a fresh one", detectID)
	}
}
