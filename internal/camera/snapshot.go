package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// SnapshotSource acquires streams from an IP camera that serves still
// frames over HTTP, e.g. /snapshot.jpg on most network cameras.
type SnapshotSource struct {
	httpClient *resty.Client
	url        string
}

// NewSnapshotSource creates a source for the snapshot endpoint url.
func NewSnapshotSource(url string) *SnapshotSource {
	return &SnapshotSource{
		httpClient: resty.New().
			SetDebug(false).
			SetTimeout(10 * time.Second),
		url: url,
	}
}

// WithBasicAuth sets camera credentials.
func (s *SnapshotSource) WithBasicAuth(user, password string) *SnapshotSource {
	s.httpClient.SetBasicAuth(user, password)
	return s
}

// Acquire probes the endpoint once and returns a stream backed by it.
func (s *SnapshotSource) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot is not an image: %v", ErrDeviceUnavailable, err)
	}

	log.Info().
		Str("url", s.url).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Int("wantWidth", c.Width).
		Int("wantHeight", c.Height).
		Msg("snapshot camera acquired")

	return &snapshotStream{
		source: s,
		width:  cfg.Width,
		height: cfg.Height,
		track:  &snapshotTrack{},
	}, nil
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	res, err := s.httpClient.R().
		SetContext(ctx).
		Get(s.url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	switch res.StatusCode() {
	case http.StatusOK:
		return res.Body(), nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: camera returned %d", ErrPermissionDenied, res.StatusCode())
	case http.StatusNotFound, http.StatusServiceUnavailable, http.StatusLocked:
		return nil, fmt.Errorf("%w: camera returned %d", ErrDeviceUnavailable, res.StatusCode())
	default:
		return nil, fmt.Errorf("camera returned unexpected status %d", res.StatusCode())
	}
}

type snapshotStream struct {
	source *SnapshotSource
	width  int
	height int
	track  *snapshotTrack
}

func (s *snapshotStream) Tracks() []Track {
	return []Track{s.track}
}

func (s *snapshotStream) Dimensions() (int, int) {
	return s.width, s.height
}

func (s *snapshotStream) Frame(ctx context.Context) (image.Image, error) {
	if s.track.stopped.Load() {
		return nil, ErrTrackStopped
	}
	data, err := s.source.fetch(ctx)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

type snapshotTrack struct {
	stopped atomic.Bool
}

func (t *snapshotTrack) Kind() string {
	return "video"
}

func (t *snapshotTrack) Stop() {
	t.stopped.Store(true)
}
