package camera

import (
	"context"
	"errors"
	"image"
)

// Constraints describe the stream requested from a Source.
type Constraints struct {
	// FacingMode is "environment" for the rear camera, "user" for the front.
	FacingMode string
	Width      int
	Height     int
}

// DefaultConstraints prefer the rear camera at 720p.
var DefaultConstraints = Constraints{
	FacingMode: "environment",
	Width:      1280,
	Height:     720,
}

// Fallback frame size for streams that don't report their dimensions.
const (
	fallbackWidth  = 640
	fallbackHeight = 480
)

var (
	// ErrPermissionDenied is returned by a Source when the user or the OS
	// refused camera access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrDeviceUnavailable is returned by a Source when there is no camera
	// or it is busy.
	ErrDeviceUnavailable = errors.New("camera unavailable")
	// ErrGestureRequired is returned by a PreviewSink when playback may only
	// start from a direct user gesture.
	ErrGestureRequired = errors.New("playback requires a user gesture")
	// ErrTrackStopped is returned when reading a frame from a stopped stream.
	ErrTrackStopped = errors.New("track has been stopped")

	ErrInvalidTransition = errors.New("invalid camera state transition")
	ErrClosed            = errors.New("camera was closed")
)

// Track is one media track of a live stream.
type Track interface {
	Kind() string
	Stop()
}

// Stream is a live capture stream.
type Stream interface {
	Tracks() []Track
	// Dimensions reports the native frame size, or zeros when unknown.
	Dimensions() (width, height int)
	// Frame grabs the current frame.
	Frame(ctx context.Context) (image.Image, error)
}

// Source acquires capture streams.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// PreviewSink displays a live stream. Play with gesture=false is an
// automatic attempt; gesture=true runs from a user tap.
type PreviewSink interface {
	Attach(s Stream) error
	Play(ctx context.Context, gesture bool) error
	Clear()
}
