package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/raine/city-vision-capture/internal/analysis"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/raine/city-vision-capture/internal/identity"
	"github.com/raine/city-vision-capture/internal/location"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/raine/city-vision-capture/internal/pipeline"
	"github.com/raine/city-vision-capture/internal/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// captureSession wires one command-line capture: the local visitor id, the
// location resolver and the submission pipeline.
type captureSession struct {
	store        *storage.SQLiteStore
	identity     *identity.Service
	location     *location.Resolver
	orchestrator *pipeline.Orchestrator

	resetOnce sync.Once
	reset     chan struct{}
}

type locationFlags struct {
	lat, lon float64
	fixed    bool
	noIP     bool
}

func (f locationFlags) resolver() *location.Resolver {
	var source location.PositionSource
	if f.fixed {
		source = location.StaticSource{Latitude: f.lat, Longitude: f.lon}
	}
	var ip location.IPLookup
	if !f.noIP {
		ip = location.NewIPLocator(cfg.IPLookupURL)
	}
	return location.NewResolver(source, ip, location.WithDefaultPlace(defaultPlace(cfg)))
}

func newCaptureSession(ctx context.Context, loc locationFlags) (*captureSession, error) {
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	salt, err := installSalt(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	analyzer, err := newAnalyzer(ctx, cfg, clientClass(cfg))
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &captureSession{
		store:    store,
		identity: identity.NewService(store, identity.HostFingerprinter{Salt: salt}),
		location: loc.resolver(),
		reset:    make(chan struct{}),
	}
	s.orchestrator = pipeline.New(s.identity, s.location, uploader, analyzer,
		pipeline.WithCompleteDelay(cfg.CompleteDelay),
		pipeline.WithResetHook(func() {
			s.resetOnce.Do(func() { close(s.reset) })
		}),
		pipeline.WithObserver(func(e pipeline.Event) {
			ev := log.Debug().Str("from", e.From.String()).Str("to", e.To.String())
			if e.Err != nil {
				ev = ev.Str("error", e.Err.Message)
			}
			ev.Msg("pipeline event")
		}),
	)
	return s, nil
}

// prepare resolves the visitor id and the location concurrently. Failures
// are logged only: Submit rejects an attempt that lacks either.
func (s *captureSession) prepare(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		id, err := s.identity.VisitorID(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to resolve visitor id")
			return nil
		}
		log.Info().Str("visitorId", string(id)).Msg("visitor id resolved")
		return nil
	})
	g.Go(func() error {
		if _, err := s.location.Resolve(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to resolve location")
		}
		return nil
	})
	_ = g.Wait()
}

// submit hands img to the pipeline and runs one submission.
func (s *captureSession) submit(ctx context.Context, img *media.CapturedImage) (analysis.Result, error) {
	if err := s.orchestrator.Select(img); err != nil {
		img.Release()
		return nil, err
	}
	return s.orchestrator.Submit(ctx)
}

// waitReset blocks until the pipeline has reset after a completed
// submission.
func (s *captureSession) waitReset(ctx context.Context) {
	select {
	case <-s.reset:
	case <-ctx.Done():
	}
}

func (s *captureSession) close() {
	s.orchestrator.Close()
	s.store.Close()
}

func printResult(w io.Writer, result analysis.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func printFailure(w io.Writer, err error) {
	fe := failure.As(err)
	msg := fe.Message
	if msg == "" {
		msg = err.Error()
	}
	fmt.Fprintf(w, "Error: %s\n", msg)
	if fe.Hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", fe.Hint)
	}
}
