package progress

import (
	"sync"
	"time"
)

// Emitter receives one progress value.
type Emitter func(value int)

// Simulation is a running synthetic progress sequence.
type Simulation struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Simulate emits from+1, from+2, ..., to, one value per period, then stops
// on its own. If from >= to or period <= 0 nothing is emitted.
func Simulate(emit Emitter, from, to int, period time.Duration) *Simulation {
	s := &Simulation{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if from >= to || period <= 0 || emit == nil {
		close(s.done)
		return s
	}
	go s.run(emit, from, to, period)
	return s
}

func (s *Simulation) run(emit Emitter, from, to int, period time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for v := from + 1; v <= to; v++ {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		// A tick and a stop can be ready together; stop wins.
		select {
		case <-s.stop:
			return
		default:
		}
		emit(v)
	}
}

// Stop cancels the simulation and waits for the ticking goroutine to exit.
// No value is emitted after Stop returns. Safe to call more than once.
func (s *Simulation) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed once the simulation has finished or been stopped.
func (s *Simulation) Done() <-chan struct{} {
	return s.done
}
