package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/raine/city-vision-capture/internal/device"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// State is the controller lifecycle state.
type State int

const (
	StateClosed State = iota
	StateRequesting
	StateStreaming
	StateFrozen
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateFrozen:
		return "frozen"
	default:
		return "closed"
	}
}

// Controller owns one live capture stream and its preview.
//
// The stream is never shared: every path out of Streaming or Frozen stops
// its tracks exactly once, including a Close that lands while Open is still
// acquiring.
type Controller struct {
	source      Source
	sink        PreviewSink
	class       device.Class
	constraints Constraints

	mu              sync.Mutex
	state           State
	gen             uint64
	stream          Stream
	frozen          *media.CapturedImage
	needsActivation bool
	lastErr         *failure.Error
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithConstraints overrides DefaultConstraints.
func WithConstraints(c Constraints) ControllerOption {
	return func(ctrl *Controller) {
		ctrl.constraints = c
	}
}

// NewController creates a closed controller.
func NewController(source Source, sink PreviewSink, class device.Class, opts ...ControllerOption) *Controller {
	c := &Controller{
		source:      source,
		sink:        sink,
		class:       class,
		constraints: DefaultConstraints,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NeedsActivation reports whether playback is waiting for a user tap.
func (c *Controller) NeedsActivation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsActivation
}

// LastError returns the failure that closed the last Open attempt.
func (c *Controller) LastError() *failure.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Open acquires a stream and starts the preview. It is a no-op while
// requesting or streaming, and discards a frozen frame first.
//
// On iOS-class devices a failed automatic playback leaves the controller in
// Requesting with NeedsActivation set and Open returns nil; call Tap from
// the user's gesture to continue.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateRequesting, StateStreaming:
		c.mu.Unlock()
		return nil
	case StateFrozen:
		c.discardFrozen()
	}
	c.gen++
	gen := c.gen
	c.state = StateRequesting
	c.needsActivation = false
	c.lastErr = nil
	c.mu.Unlock()

	log.Info().Str("facing", c.constraints.FacingMode).Str("class", c.class.String()).Msg("requesting camera stream")

	// Acquire runs unlocked so Close can interrupt a slow permission prompt
	stream, err := c.source.Acquire(ctx, c.constraints)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		if stream != nil {
			stopTracks(stream)
		}
		log.Info().Msg("camera closed while acquiring, stream released")
		return ErrClosed
	}

	if err != nil {
		c.state = StateClosed
		c.lastErr = c.classify(err)
		log.Warn().Err(err).Str("kind", c.lastErr.Kind.String()).Msg("camera acquisition failed")
		return c.lastErr
	}

	if err := c.sink.Attach(stream); err != nil {
		stopTracks(stream)
		c.state = StateClosed
		c.lastErr = failure.Wrap(failure.KindUnknown, err, "Unable to access the camera: "+err.Error())
		return c.lastErr
	}
	c.stream = stream

	if err := c.sink.Play(ctx, false); err != nil {
		if c.class.IOS {
			c.needsActivation = true
			log.Info().Err(err).Msg("automatic playback blocked, waiting for tap")
			return nil
		}
		c.releaseStream()
		c.state = StateClosed
		c.lastErr = failure.Wrap(failure.KindUnknown, err, "Unable to start the camera preview: "+err.Error())
		log.Error().Err(err).Msg("camera playback failed")
		return c.lastErr
	}

	c.state = StateStreaming
	log.Info().Msg("camera streaming")
	return nil
}

// Tap retries playback from a user gesture. Each failed attempt keeps the
// activation affordance so the next tap retries once more.
func (c *Controller) Tap(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRequesting || !c.needsActivation {
		return fmt.Errorf("%w: tap in state %s", ErrInvalidTransition, c.state)
	}

	if err := c.sink.Play(ctx, true); err != nil {
		log.Warn().Err(err).Msg("playback still blocked after tap")
		return failure.Wrap(failure.KindUnknown, err, "Still can't start the camera, tap again")
	}

	c.needsActivation = false
	c.state = StateStreaming
	log.Info().Msg("camera streaming after tap")
	return nil
}

// Capture freezes the current frame and stops the stream. The returned
// image belongs to the caller.
func (c *Controller) Capture(ctx context.Context) (*media.CapturedImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return nil, fmt.Errorf("%w: capture in state %s", ErrInvalidTransition, c.state)
	}

	frame, err := c.stream.Frame(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.KindUnknown, err, "Failed to capture photo: "+err.Error())
	}

	width, height := c.stream.Dimensions()
	img := media.NewCapturedImage(fitFrame(frame, width, height), "")

	c.releaseStream()
	c.frozen = img
	c.state = StateFrozen

	w, h := img.Size()
	log.Info().Int("width", w).Int("height", h).Msg("photo captured")
	return img, nil
}

// Retake discards the frozen frame and opens the camera again.
func (c *Controller) Retake(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateFrozen {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: retake in state %s", ErrInvalidTransition, state)
	}
	c.discardFrozen()
	c.state = StateClosed
	c.mu.Unlock()

	return c.Open(ctx)
}

// Close stops any live tracks and clears the preview. It is valid in every
// state and safe to call repeatedly. A frozen frame already handed to the
// caller is left alone.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed && c.stream == nil {
		return
	}

	// Invalidates an in-flight Open
	c.gen++
	c.releaseStream()
	c.frozen = nil
	c.needsActivation = false
	c.state = StateClosed
	log.Info().Msg("camera closed")
}

// releaseStream stops the held stream and detaches it from the preview.
// Must hold mu.
func (c *Controller) releaseStream() {
	if c.stream != nil {
		stopTracks(c.stream)
		c.stream = nil
	}
	c.sink.Clear()
}

// Must hold mu.
func (c *Controller) discardFrozen() {
	if c.frozen != nil {
		c.frozen.Release()
		c.frozen = nil
	}
}

func (c *Controller) classify(err error) *failure.Error {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		fe := failure.Wrap(failure.KindPermissionDenied, err, PermissionDeniedMessage(c.class))
		fe.Hint = PermissionHint(c.class)
		return fe
	case errors.Is(err, ErrDeviceUnavailable):
		return failure.Wrap(failure.KindDeviceUnavailable, err, "No camera is available or it is in use by another app.")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.KindUnknown, err, "Camera request was cancelled.")
	default:
		return failure.Wrap(failure.KindUnknown, err, "Unable to access the camera: "+err.Error())
	}
}

func stopTracks(s Stream) {
	for _, t := range s.Tracks() {
		t.Stop()
		log.Debug().Str("kind", t.Kind()).Msg("track stopped")
	}
}

// fitFrame returns frame at width x height, scaling when the grabbed frame
// doesn't match the stream's reported size.
func fitFrame(frame image.Image, width, height int) image.Image {
	b := frame.Bounds()
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}
	if width <= 0 || height <= 0 {
		width, height = fallbackWidth, fallbackHeight
	}
	if b.Dx() == width && b.Dy() == height {
		return frame
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
	return dst
}
