package pipeline

import "time"

// Backoff computes exponential retry delays: Base, 2*Base, 4*Base, ...
// capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 60 * time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := b.Base << shift
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}
