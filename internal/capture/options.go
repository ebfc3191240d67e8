package capture

import (
	"strconv"
	"time"
)

// DefaultBinary is the capture executable launched when Options.BinaryPath
// is empty. rpicam-vid is the stock Raspberry Pi capture program; older
// images ship it as libcamera-vid with the same flag surface.
const DefaultBinary = "rpicam-vid"

// Fraction is a rational framerate. The zero value means "camera default"
// and renders as -1 on the command line so the binary picks its own rate.
type Fraction struct {
	// Num is the numerator (frames)
	Num int
	// Den is the denominator (seconds)
	Den int
}

// IsDefault reports whether the fraction is the camera-default placeholder.
func (f Fraction) IsDefault() bool {
	return f.Num == 0 && f.Den == 0
}

// Float returns the fraction as frames per second. The camera-default
// placeholder resolves to -1.
func (f Fraction) Float() float64 {
	if f.IsDefault() {
		return -1
	}
	return float64(f.Num) / float64(f.Den)
}

// String renders the fraction the way it is interpolated into the launch
// command: a floating value with no trailing zeros ("-1", "30", "7.5").
func (f Fraction) String() string {
	return strconv.FormatFloat(f.Float(), 'f', -1, 64)
}

// Options is the immutable value object describing one capture session.
// Zero values are the "camera default" placeholders: the builder resolves
// every placeholder to its fixed sentinel before interpolation (framerate
// -1, dimensions/bitrate 0, audio 0/1), so the camera binary always receives
// a fully-resolved command line.
type Options struct {
	// BinaryPath overrides the capture executable. Empty uses DefaultBinary.
	BinaryPath string

	// Timeout bounds the capture duration. Zero means unbounded capture;
	// the process itself honors the bound and exits 0 when it elapses.
	Timeout time.Duration

	// Framerate is the requested rate. Zero value means camera default.
	Framerate Fraction

	// Width in pixels. Zero means camera default.
	Width int

	// Height in pixels. Zero means camera default.
	Height int

	// Bitrate in bits per second. Zero means camera default.
	Bitrate int

	// AudioEnabled toggles the audio flag (rendered as 0/1).
	AudioEnabled bool

	// StartupDelay is a one-time blocking pause before the first spawn,
	// giving camera hardware time to settle after boot. It is never
	// repeated before retry spawns.
	StartupDelay time.Duration
}
