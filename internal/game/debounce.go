package game

import "time"

// Accept decides whether a candidate clap at now becomes an accepted clap.
// It is true only when the game is not disabled and more than cooldown has
// passed since last. A zero last means nothing was accepted yet.
func Accept(last, now time.Time, cooldown time.Duration, disabled bool) bool {
	if disabled {
		return false
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > cooldown
}

// Debouncer keeps the timestamp of the last accepted clap
type Debouncer struct {
	cooldown time.Duration
	last     time.Time
}

// NewDebouncer creates a debouncer with the given cooldown window
func NewDebouncer(cooldown time.Duration) *Debouncer {
	return &Debouncer{cooldown: cooldown}
}

// Accept applies Accept and records now when the candidate passes
func (d *Debouncer) Accept(now time.Time, disabled bool) bool {
	if !Accept(d.last, now, d.cooldown, disabled) {
		return false
	}
	d.last = now
	return true
}

// LastAccepted returns when the last clap was accepted
func (d *Debouncer) LastAccepted() time.Time {
	return d.last
}

// Reset forgets the last accepted clap
func (d *Debouncer) Reset() {
	d.last = time.Time{}
}
