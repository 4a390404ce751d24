package cache

import "sync"

const (
	statsWindow     = 256
	statsMinSamples = 16
)

// hitWindow is a ring buffer of the latest lookup outcomes.
type hitWindow struct {
	mu     sync.Mutex
	events []bool
	next   int
	filled bool
	hits   int
}

func newHitWindow(size int) *hitWindow {
	return &hitWindow{events: make([]bool, size)}
}

func (w *hitWindow) record(hit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled && w.events[w.next] {
		w.hits--
	}
	w.events[w.next] = hit
	if hit {
		w.hits++
	}
	w.next++
	if w.next == len(w.events) {
		w.next = 0
		w.filled = true
	}
}

func (w *hitWindow) rate() (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = len(w.events)
	}
	if n < statsMinSamples {
		return 0, false
	}
	return float64(w.hits) / float64(n), true
}
