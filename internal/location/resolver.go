package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds the on-device positioning attempt.
const DefaultTimeout = 5 * time.Second

// Method records how a location was determined.
type Method string

const (
	MethodGeolocation Method = "geolocation"
	MethodIP          Method = "ip"
)

var (
	// ErrUnavailable is returned by a PositionSource that can't position.
	ErrUnavailable = errors.New("positioning is unavailable")
	// ErrUnresolved is returned when neither positioning path produced a location.
	ErrUnresolved = errors.New("location could not be resolved")
)

// Location is a resolved position and its provenance.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Method    Method  `json:"method"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// Position is a raw fix from an on-device source.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// PositionOptions mirror the knobs of device positioning APIs.
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// PositionSource is on-device positioning. CurrentPosition must honour ctx.
type PositionSource interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (Position, error)
}

// IPLookup is the coarse network-based fallback.
type IPLookup interface {
	Lookup(ctx context.Context) (Location, error)
}

// Place names attached to on-device fixes, which carry no address.
type Place struct {
	City    string
	Country string
}

// Resolver determines the user's location, preferring on-device positioning
// and falling back to an IP lookup.
type Resolver struct {
	source   PositionSource
	ip       IPLookup
	timeout  time.Duration
	defaults Place

	resolveMu sync.Mutex // serializes resolution attempts

	mu      sync.Mutex
	current *Location
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout overrides the on-device positioning bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithDefaultPlace sets the city/country reported for on-device fixes.
func WithDefaultPlace(p Place) Option {
	return func(r *Resolver) {
		r.defaults = p
	}
}

// NewResolver creates a resolver. source or ip may be nil when the
// capability is not available.
func NewResolver(source PositionSource, ip IPLookup, opts ...Option) *Resolver {
	r := &Resolver{
		source:  source,
		ip:      ip,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the resolved location, if any.
func (r *Resolver) Current() (Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Location{}, false
	}
	return *r.current, true
}

// Resolve returns the resolved location, running the resolution algorithm
// if nothing has been resolved yet.
func (r *Resolver) Resolve(ctx context.Context) (Location, error) {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	if loc, ok := r.Current(); ok {
		return loc, nil
	}
	return r.run(ctx)
}

// Rerequest re-runs the full algorithm, e.g. after the user granted
// positioning permission. A failed re-request keeps the previous location.
func (r *Resolver) Rerequest(ctx context.Context) (Location, error) {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()
	return r.run(ctx)
}

func (r *Resolver) run(ctx context.Context) (Location, error) {
	loc, err := r.resolveOnce(ctx)
	if err != nil {
		return Location{}, err
	}

	r.mu.Lock()
	r.current = &loc
	r.mu.Unlock()

	log.Info().
		Str("method", string(loc.Method)).
		Float64("lat", loc.Latitude).
		Float64("lon", loc.Longitude).
		Msg("location resolved")
	return loc, nil
}

type positionResult struct {
	pos Position
	err error
}

// resolveOnce runs exactly one of the two paths. The on-device attempt races
// its timeout; once the fallback has started a late fix is dropped.
func (r *Resolver) resolveOnce(ctx context.Context) (Location, error) {
	if r.source != nil {
		posCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		// Buffered so a late result never blocks the goroutine
		results := make(chan positionResult, 1)
		go func() {
			pos, err := r.source.CurrentPosition(posCtx, PositionOptions{
				HighAccuracy: true,
				Timeout:      r.timeout,
				MaximumAge:   0,
			})
			results <- positionResult{pos: pos, err: err}
		}()

		select {
		case res := <-results:
			if res.err == nil {
				return Location{
					Latitude:  res.pos.Latitude,
					Longitude: res.pos.Longitude,
					Method:    MethodGeolocation,
					City:      r.defaults.City,
					Country:   r.defaults.Country,
				}, nil
			}
			log.Warn().Err(res.err).Msg("geolocation failed, falling back to ip lookup")
		case <-posCtx.Done():
			log.Warn().Dur("timeout", r.timeout).Msg("geolocation timed out, falling back to ip lookup")
		}

		if err := ctx.Err(); err != nil {
			return Location{}, err
		}
	}

	if r.ip == nil {
		return Location{}, ErrUnresolved
	}

	loc, err := r.ip.Lookup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ip geolocation failed")
		return Location{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	loc.Method = MethodIP
	if loc.City == "" {
		loc.City = r.defaults.City
	}
	if loc.Country == "" {
		loc.Country = r.defaults.Country
	}
	return loc, nil
}
