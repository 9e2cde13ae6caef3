package camera

import (
	"context"
	"errors"
	"sync"

	"github.com/raine/city-vision-capture/internal/device"
)

// Preview is a headless PreviewSink that applies a device class's autoplay
// policy: iOS-class devices refuse automatic playback unless Autoplay is
// set, and only start from a gesture.
type Preview struct {
	class    device.Class
	autoplay bool

	mu      sync.Mutex
	stream  Stream
	playing bool
}

// NewPreview creates a preview for class. autoplay lifts the gesture
// requirement, e.g. for a muted inline preview the platform allows.
func NewPreview(class device.Class, autoplay bool) *Preview {
	return &Preview{class: class, autoplay: autoplay}
}

func (p *Preview) Attach(s Stream) error {
	if s == nil {
		return errors.New("no stream to attach")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = s
	p.playing = false
	return nil
}

func (p *Preview) Play(ctx context.Context, gesture bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return errors.New("no stream attached")
	}
	if p.class.IOS && !gesture && !p.autoplay {
		return ErrGestureRequired
	}
	p.playing = true
	return nil
}

func (p *Preview) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stream = nil
	p.playing = false
}

// Playing reports whether a stream is attached and playing.
func (p *Preview) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
