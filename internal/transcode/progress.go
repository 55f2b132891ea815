package transcode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// readProgress parses ffmpeg's -progress key=value stream and reports
// out_time as a fraction of duration. With an unknown duration only the
// final progress=end is reported (as 1).
func readProgress(r io.Reader, duration float64, onProgress func(float64)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || onProgress == nil {
			continue
		}
		switch key {
		// out_time_ms is in microseconds as well; ffmpeg never fixed the name.
		case "out_time_us", "out_time_ms":
			if duration <= 0 {
				continue
			}
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			onProgress(float64(us) / 1e6 / duration)
		case "progress":
			if value == "end" {
				onProgress(1)
			}
		}
	}
	// Drain so ffmpeg never blocks on a full pipe if the scanner stopped early.
	io.Copy(io.Discard, r)
}
