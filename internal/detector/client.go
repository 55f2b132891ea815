// Package detector talks to the remote object-detection service: it uploads
// media for detection and fetches the annotated result.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/detectrelay/detectrelay/internal/logging"
	"github.com/detectrelay/detectrelay/internal/media"
)

// ResultPrefix is stripped from result locators to form the fetch key.
const ResultPrefix = "results/"

// StatusError represents a non-2xx response from the detector.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detector request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Result is the detector's answer to an upload.
type Result struct {
	Status     int    `json:"-"`
	ResultPath string `json:"result_path"`
}

// Key returns the result locator with the results/ prefix removed.
func (r *Result) Key() string {
	return strings.TrimPrefix(r.ResultPath, ResultPrefix)
}

// Artifact is an open result stream. The caller must close Body.
type Artifact struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Client is an HTTP client for the detector API rooted at baseURL
// (for example http://host:8000/api/v1).
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Detect streams the file at path to the detect endpoint for kind as the
// multipart field "file". The file is never buffered in memory.
func (c *Client) Detect(ctx context.Context, kind media.Kind, path, filename string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	if filename == "" {
		filename = filepath.Base(path)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreatePart(filePartHeader(filename))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	endpoint := fmt.Sprintf("%s/detect/%s", c.baseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Request-Id", outboundRequestID(ctx))

	c.logger.Info("uploading to detector",
		"url", endpoint,
		"kind", kind,
		"filename", filename,
		"size", humanize.Bytes(uint64(size)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	result := &Result{Status: resp.StatusCode}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, fmt.Errorf("decode detector response: %w", err)
		}
	}

	c.logger.Info("detector accepted upload", "kind", kind, "status", result.Status, "result_path", result.ResultPath)
	return result, nil
}

// Fetch opens the result identified by key.
func (c *Client) Fetch(ctx context.Context, key string) (*Artifact, error) {
	endpoint := fmt.Sprintf("%s/results/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Request-Id", outboundRequestID(ctx))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.logger.Debug("fetching detector result", "key", key, "content_type", contentType, "size", resp.ContentLength)
	return &Artifact{
		Body:        resp.Body,
		ContentType: contentType,
		Size:        resp.ContentLength,
	}, nil
}

// outboundRequestID forwards the inbound request id so both sides log the
// same identifier; calls made outside a request get a fresh one.
func outboundRequestID(ctx context.Context) string {
	if id, ok := logging.RequestIDFromContext(ctx); ok {
		return id
	}
	return uuid.NewString()
}

func filePartHeader(filename string) textproto.MIMEHeader {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// truncate shortens s to max bytes, adding an ellipsis when cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
