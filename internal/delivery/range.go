package delivery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// byteRange is an inclusive byte span of a file.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) length() int64 {
	return r.End - r.Start + 1
}

func (r byteRange) header(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// parseRange parses a single-range Range header against a file of size
// bytes. ok is false when the header is absent. Only the first range of a
// multi-range request is honoured.
func parseRange(header string, size int64) (r byteRange, ok bool, err error) {
	if header == "" {
		return byteRange{}, false, nil
	}

	rangeSpec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return byteRange{}, false, ErrInvalidRange
	}
	if first, _, multi := strings.Cut(rangeSpec, ","); multi {
		rangeSpec = strings.TrimSpace(first)
	}

	startStr, endStr, found := strings.Cut(rangeSpec, "-")
	if !found {
		return byteRange{}, false, ErrInvalidRange
	}

	switch {
	case startStr == "":
		// Suffix form: the last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false, ErrInvalidRange
		}
		r.Start = max(size-n, 0)
		r.End = size - 1
	default:
		r.Start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil || r.Start < 0 {
			return byteRange{}, false, ErrInvalidRange
		}
		r.End = size - 1
		if endStr != "" {
			r.End, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return byteRange{}, false, ErrInvalidRange
			}
		}
	}

	if r.Start > r.End || r.Start >= size {
		return byteRange{}, false, ErrUnsatisfiable
	}
	r.End = min(r.End, size-1)
	return r, true, nil
}
