package progress

import (
	"math"
	"sync"
)

// Reporter forwards one job's progress to its user. Values are clamped to
// [0,100] and only values greater than the last emitted one go out, so the
// sequence a client sees never decreases.
type Reporter struct {
	mu     sync.Mutex
	pub    Publisher
	userID string
	last   int
}

// NewReporter creates a reporter that publishes to userID.
func NewReporter(pub Publisher, userID string) *Reporter {
	return &Reporter{pub: pub, userID: userID, last: -1}
}

// Emit clamps value and publishes it if it advances the sequence.
// It reports whether the value was published.
func (r *Reporter) Emit(value int) bool {
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if value <= r.last {
		return false
	}
	r.last = value
	if r.pub != nil {
		r.pub.Send(r.userID, value)
	}
	return true
}

// Last returns the last published value, or -1 if nothing was published.
func (r *Reporter) Last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Scale maps fraction in [0,1] linearly onto [from,to], flooring the result.
// NaN and out-of-range fractions yield ok == false.
func Scale(fraction float64, from, to int) (value int, ok bool) {
	if math.IsNaN(fraction) || fraction < 0 || fraction > 1 {
		return 0, false
	}
	return from + int(math.Floor(fraction*float64(to-from))), true
}
