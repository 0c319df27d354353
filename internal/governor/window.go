package governor

import "time"

// window tracks request timestamps inside a sliding interval.
type window struct {
	span   time.Duration
	stamps []time.Time
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

// observe records a request at now and returns the number of requests still
// inside the window, including the new one.
func (w *window) observe(now time.Time) int {
	w.prune(now)
	w.stamps = append(w.stamps, now)
	return len(w.stamps)
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

func (w *window) size(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}
