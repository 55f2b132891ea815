// Package media defines the kinds of media the relay processes.
package media

import "fmt"

// Kind selects the processing stages for a job.
type Kind string

const (
	Image Kind = "image"
	Video Kind = "video"
)

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Image, Video:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Transcoded reports whether results of this kind go through the transcoder.
func (k Kind) Transcoded() bool {
	return k == Video
}
