package logic

import "time"

// SwitchDebouncer filters contact bounce on the mode switch. A new position
// is only reported once it has been read continuously for the debounce
// duration. The first stable reading establishes the baseline and is
// reported too, so the machine learns the switch position at startup.
type SwitchDebouncer struct {
	debounce     time.Duration
	stable       Mode
	pending      Mode
	pendingSince time.Time
	hasPending   bool
	baselined    bool
}

// NewSwitchDebouncer creates a debouncer with the given debounce duration.
func NewSwitchDebouncer(debounce time.Duration) *SwitchDebouncer {
	return &SwitchDebouncer{
		debounce: debounce,
		stable:   ModeInitialized,
	}
}

// Process takes a raw switch reading and returns the new stable mode when a
// debounced change (or the baseline) has been established, nil otherwise.
func (d *SwitchDebouncer) Process(raw Mode, now time.Time) *Mode {
	if d.baselined && raw == d.stable {
		// Back to stable, drop any pending change
		d.hasPending = false
		return nil
	}

	if !d.hasPending || d.pending != raw {
		d.pending = raw
		d.pendingSince = now
		d.hasPending = true
		if d.debounce > 0 {
			return nil
		}
	}

	if now.Sub(d.pendingSince) < d.debounce {
		return nil
	}

	d.stable = raw
	d.baselined = true
	d.hasPending = false
	mode := raw
	return &mode
}

// Stable returns the last debounced mode (ModeInitialized before baseline).
func (d *SwitchDebouncer) Stable() Mode {
	return d.stable
}

// IsBaselined reports whether a stable reading has been established.
func (d *SwitchDebouncer) IsBaselined() bool {
	return d.baselined
}
