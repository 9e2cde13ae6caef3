package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/raine/city-vision-capture/internal/analysis"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/raine/city-vision-capture/internal/identity"
	"github.com/raine/city-vision-capture/internal/location"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/raine/city-vision-capture/internal/upload"
	"github.com/rs/zerolog/log"
)

// DefaultCompleteDelay is how long Complete is shown before resetting.
const DefaultCompleteDelay = 1500 * time.Millisecond

var (
	ErrInvalidTransition = errors.New("invalid pipeline state transition")
	// ErrBusy is returned while a submission is in flight.
	ErrBusy = fmt.Errorf("%w: submission in progress", ErrInvalidTransition)
)

// State is the progress of a submission attempt.
type State int

const (
	StateIdle State = iota
	StateUploading
	StateAnalyzing
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateUploading:
		return "uploading"
	case StateAnalyzing:
		return "analyzing"
	case StateComplete:
		return "complete"
	default:
		return "idle"
	}
}

// transitions lists the legal moves. Failed attempts stay in Uploading or
// Analyzing and may only be retried or discarded back to Idle.
var transitions = map[State][]State{
	StateIdle:      {StateUploading},
	StateUploading: {StateAnalyzing, StateIdle},
	StateAnalyzing: {StateComplete, StateIdle},
	StateComplete:  {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IdentitySource provides the resolved visitor id.
type IdentitySource interface {
	Current() (identity.VisitorID, bool)
}

// LocationSource provides the resolved location.
type LocationSource interface {
	Current() (location.Location, bool)
}

// Uploader stores a captured image.
type Uploader interface {
	Upload(ctx context.Context, img *media.CapturedImage) upload.Result
}

// Event is emitted on every state change and whenever the error slot is set.
type Event struct {
	From State
	To   State
	Err  *failure.Error
}

// Observer receives events in order, from the goroutine that caused them or
// from the reset timer. It may read Snapshot but must not call the mutating
// methods.
type Observer func(Event)

// Snapshot is the externally observable state.
type Snapshot struct {
	State    State
	Err      *failure.Error
	Busy     bool
	HasImage bool
	Upload   *upload.Result
	Result   analysis.Result
}

// Orchestrator drives one capture attempt at a time through upload and
// analysis.
type Orchestrator struct {
	identity IdentitySource
	location LocationSource
	uploader Uploader
	analyzer analysis.Analyzer

	completeDelay time.Duration
	onReset       func()
	observers     []Observer

	// Serializes observer delivery so events arrive in order
	emitMu sync.Mutex

	mu       sync.Mutex
	state    State
	err      *failure.Error
	busy     bool
	image    *media.CapturedImage
	uploaded *upload.Result
	request  *analysis.Request
	result   analysis.Result
	attempt  uint64
	timer    *time.Timer
	pending  []Event
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCompleteDelay sets how long Complete lasts before the reset.
func WithCompleteDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.completeDelay = d
	}
}

// WithResetHook runs fn after the automatic reset, e.g. to close the
// capture UI.
func WithResetHook(fn func()) Option {
	return func(o *Orchestrator) {
		o.onReset = fn
	}
}

// WithObserver registers an event observer.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, fn)
	}
}

// New creates an idle orchestrator.
func New(id IdentitySource, loc LocationSource, up Uploader, an analysis.Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		identity:      id,
		location:      loc,
		uploader:      up,
		analyzer:      an,
		completeDelay: DefaultCompleteDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		State:    o.state,
		Err:      o.err,
		Busy:     o.busy,
		HasImage: o.image != nil,
		Result:   o.result,
	}
	if o.uploaded != nil {
		u := *o.uploaded
		s.Upload = &u
	}
	return s
}

// Select makes img the image of a new attempt, discarding any previous
// image and resetting to Idle.
func (o *Orchestrator) Select(img *media.CapturedImage) error {
	if img == nil {
		return failure.Validation("no image selected")
	}

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrBusy
	}
	o.resetLocked()
	o.image = img
	o.mu.Unlock()
	o.flush()

	w, h := img.Size()
	log.Info().Str("name", img.Name()).Int("width", w).Int("height", h).Msg("image selected")
	return nil
}

// Discard abandons the current attempt before or after a submission. It is
// rejected while a submission is in flight.
func (o *Orchestrator) Discard() error {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return ErrBusy
	}
	o.resetLocked()
	o.mu.Unlock()
	o.flush()

	log.Info().Msg("attempt discarded")
	return nil
}

// Submit uploads the selected image and submits it for analysis.
//
// After an upload failure Submit starts over from Idle. After an analysis
// failure it re-runs only the analysis with the stored upload. Failures are
// returned and also kept in the error slot.
func (o *Orchestrator) Submit(ctx context.Context) (analysis.Result, error) {
	defer o.flush()

	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}

	if o.state == StateAnalyzing && o.request != nil {
		o.err = nil
		o.busy = true
		req := *o.request
		attempt := o.attempt
		o.mu.Unlock()

		log.Info().Msg("retrying analysis")
		return o.analyze(ctx, attempt, req)
	}

	if o.state == StateUploading || o.state == StateAnalyzing {
		if err := o.moveLocked(StateIdle); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}

	if fe := o.validateLocked(); fe != nil {
		o.failLocked(fe)
		o.mu.Unlock()
		log.Warn().Str("reason", fe.Message).Msg("submission rejected")
		return nil, fe
	}

	if err := o.moveLocked(StateUploading); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	id, _ := o.identity.Current()
	loc, _ := o.location.Current()
	img := o.image
	o.err = nil
	o.busy = true
	o.attempt++
	attempt := o.attempt
	o.mu.Unlock()
	o.flush()

	res := o.uploader.Upload(ctx, img)

	o.mu.Lock()
	if !res.Success {
		fe := failure.New(uploadFailureKind(res.Cause), "Failed to upload image: "+res.Error)
		fe.Detail = res.Error
		fe.Err = res.Cause
		o.busy = false
		o.failLocked(fe)
		o.mu.Unlock()
		log.Error().Str("error", res.Error).Msg("upload failed")
		return nil, fe
	}

	o.uploaded = &res
	req := analysis.Request{
		ImageURL: res.URL,
		UserID:   string(id),
		Location: analysis.Location{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			City:      loc.City,
			Country:   loc.Country,
		},
	}
	o.request = &req
	if err := o.moveLocked(StateAnalyzing); err != nil {
		o.busy = false
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()
	o.flush()

	return o.analyze(ctx, attempt, req)
}

// analyze runs the analysis step. Must be called with busy set.
func (o *Orchestrator) analyze(ctx context.Context, attempt uint64, req analysis.Request) (analysis.Result, error) {
	result, err := o.analyzer.Analyze(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.busy = false
	if err != nil {
		fe := failure.As(err)
		o.failLocked(fe)
		log.Error().Err(err).Str("kind", fe.Kind.String()).Msg("analysis failed")
		return nil, fe
	}

	if err := o.moveLocked(StateComplete); err != nil {
		return nil, err
	}
	o.result = result
	o.scheduleResetLocked(attempt)
	return result, nil
}

// uploadFailureKind names the suspected cause of a failed upload. Transport
// failures and timeouts are network errors; cancellations and storage
// rejections stay unknown.
func uploadFailureKind(err error) failure.Kind {
	if err == nil || errors.Is(err, context.Canceled) {
		return failure.KindUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return failure.KindNetwork
	}
	return failure.KindUnknown
}

// Close cancels a pending automatic reset.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

func (o *Orchestrator) validateLocked() *failure.Error {
	if o.image == nil || o.image.Released() {
		return failure.Validation("no image selected")
	}
	if _, ok := o.identity.Current(); !ok {
		return failure.Validation("visitor identity is not resolved")
	}
	if _, ok := o.location.Current(); !ok {
		return failure.Validation("location is not resolved")
	}
	return nil
}

func (o *Orchestrator) scheduleResetLocked(attempt uint64) {
	o.timer = time.AfterFunc(o.completeDelay, func() {
		o.mu.Lock()
		if o.attempt != attempt || o.state != StateComplete {
			o.mu.Unlock()
			return
		}
		o.timer = nil
		o.resetLocked()
		o.mu.Unlock()
		o.flush()

		log.Info().Msg("submission complete, reset to idle")
		if o.onReset != nil {
			o.onReset()
		}
	})
}

// resetLocked releases the attempt's image and returns to Idle.
func (o *Orchestrator) resetLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.image != nil {
		o.image.Release()
		o.image = nil
	}
	o.err = nil
	o.uploaded = nil
	o.request = nil
	o.result = nil
	o.attempt++
	if o.state != StateIdle {
		// Every state may return to Idle
		_ = o.moveLocked(StateIdle)
	}
}

// moveLocked changes state if the transition table allows it.
func (o *Orchestrator) moveLocked(next State) error {
	if !canTransition(o.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.state, next)
	}
	prev := o.state
	o.state = next
	o.pending = append(o.pending, Event{From: prev, To: next})
	log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("pipeline state changed")
	return nil
}

// failLocked fills the error slot without changing state.
func (o *Orchestrator) failLocked(fe *failure.Error) {
	o.err = fe
	o.pending = append(o.pending, Event{From: o.state, To: o.state, Err: fe})
}

// flush delivers queued events outside mu.
func (o *Orchestrator) flush() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.Lock()
	events := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, ev := range events {
		for _, fn := range o.observers {
			fn(ev)
		}
	}
}
