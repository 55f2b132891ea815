package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var (
	ErrMissingFile     = errors.New("no file uploaded")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported media type")

	errUploadStorage = errors.New("cannot store upload")
)

// multipartSlack covers boundaries and part headers around the file.
const multipartSlack = 1 << 20

// UploadLimits controls what receiveUpload accepts.
type UploadLimits struct {
	Dir          string
	MaxBytes     int64
	AllowedTypes []string
}

func (l UploadLimits) allows(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, t := range l.AllowedTypes {
		if strings.EqualFold(t, mediaType) {
			return true
		}
	}
	return false
}

// Upload is a file received from the client and written to disk.
type Upload struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// receiveUpload streams the multipart file part named field to a uniquely
// named file in limits.Dir. Other parts are skipped. On error nothing is
// left on disk.
func receiveUpload(w http.ResponseWriter, r *http.Request, field string, limits UploadLimits) (*Upload, error) {
	if limits.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBytes+multipartSlack)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingFile, err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, ErrMissingFile
		}
		if err != nil {
			return nil, bodyError(err)
		}
		if part.FormName() != field || part.FileName() == "" {
			part.Close()
			continue
		}

		up, err := saveUpload(part, limits)
		part.Close()
		return up, err
	}
}

func saveUpload(part *multipart.Part, limits UploadLimits) (*Upload, error) {
	contentType := part.Header.Get("Content-Type")
	if !limits.allows(contentType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}

	if err := os.MkdirAll(limits.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", errUploadStorage, err)
	}
	path := filepath.Join(limits.Dir, uploadName(part.FileName()))

	n, err := writeUpload(path, part, limits.MaxBytes)
	if err != nil {
		return nil, err
	}
	return &Upload{
		Path:        path,
		Filename:    filepath.Base(part.FileName()),
		ContentType: contentType,
		Size:        n,
	}, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return ErrFileTooLarge
	}
	return fmt.Errorf("read upload: %w", err)
}

func tooLargeMessage(limit int64) string {
	return fmt.Sprintf("File exceeds the %s upload limit", humanize.IBytes(uint64(limit)))
}

// uploadName returns a collision-free name keeping a short, safe extension
// from the client filename.
func uploadName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 10 || strings.ContainsFunc(strings.TrimPrefix(ext, "."), notAlnum) {
		ext = ""
	}
	return uuid.NewString() + ext
}

func notAlnum(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
}

func writeUpload(path string, r io.Reader, maxBytes int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errUploadStorage, err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrFileTooLarge
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrFileTooLarge) {
			return n, err
		}
		return n, bodyError(err)
	}
	return n, nil
}
