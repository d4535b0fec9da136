// Package player abstracts the single shared audio output. Only the scheduler loop talks
// to a Device, so implementations need not be safe for concurrent use.
package player

import "context"

// Device is an audio output that plays one item at a time.
type Device interface {
	// Play replaces whatever is loaded with location (a path or URL) and starts it.
	Play(ctx context.Context, location string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Stop unloads the current item; the device becomes empty.
	Stop(ctx context.Context) error
	// Skip ends the current item early; the device becomes empty.
	Skip(ctx context.Context) error
	SetVolume(ctx context.Context, volume float64) error
	SetSpeed(ctx context.Context, speed float64) error
	// SetFilter installs an opaque audio filter chain; "" clears it.
	SetFilter(ctx context.Context, filter string) error
	// IsEmpty reports whether nothing is loaded, which is the case once an item finishes.
	IsEmpty(ctx context.Context) (bool, error)
}

// ReverbFilter is the filter chain toggled by the reverb control.
const ReverbFilter = "lavfi=[aecho=0.8:0.88:60:0.4]"
