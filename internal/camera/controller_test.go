package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/raine/city-vision-capture/internal/device"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTrack struct {
	kind  string
	stops atomic.Int32
}

func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Stop()        { t.stops.Add(1) }

type fakeStream struct {
	tracks []*fakeTrack
	width  int
	height int
	frame  image.Image
}

func newFakeStream(width, height int) *fakeStream {
	return &fakeStream{
		tracks: []*fakeTrack{{kind: "video"}, {kind: "audio"}},
		width:  width,
		height: height,
		frame:  solid(width, height),
	}
}

func (s *fakeStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) Dimensions() (int, int) { return s.width, s.height }

func (s *fakeStream) Frame(ctx context.Context) (image.Image, error) {
	return s.frame, nil
}

func (s *fakeStream) assertStoppedOnce(t *testing.T) {
	t.Helper()
	for _, tr := range s.tracks {
		assert.Equal(t, int32(1), tr.stops.Load(), "track %s", tr.kind)
	}
}

type fakeSource struct {
	mu       sync.Mutex
	streams  []*fakeStream
	err      error
	started  chan struct{}
	release  chan struct{}
	acquired int
}

func (s *fakeSource) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	stream := newFakeStream(c.Width, c.Height)
	s.streams = append(s.streams, stream)
	s.acquired++
	return stream, nil
}

func (s *fakeSource) last() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

type scriptedSink struct {
	playErrs []error
	plays    []bool
	clears   int
	attached Stream
}

func (s *scriptedSink) Attach(st Stream) error {
	s.attached = st
	return nil
}

func (s *scriptedSink) Play(ctx context.Context, gesture bool) error {
	s.plays = append(s.plays, gesture)
	if len(s.playErrs) == 0 {
		return nil
	}
	err := s.playErrs[0]
	s.playErrs = s.playErrs[1:]
	return err
}

func (s *scriptedSink) Clear() {
	s.attached = nil
	s.clears++
}

func solid(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func TestOpenCaptureClose(t *testing.T) {
	source := &fakeSource{}
	preview := NewPreview(device.Standard, false)
	ctrl := NewController(source, preview, device.Standard, WithConstraints(Constraints{FacingMode: "environment", Width: 64, Height: 36}))

	require.NoError(t, ctrl.Open(context.Background()))
	assert.Equal(t, StateStreaming, ctrl.State())
	assert.True(t, preview.Playing())
	assert.False(t, ctrl.NeedsActivation())

	img, err := ctrl.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFrozen, ctrl.State())
	assert.False(t, preview.Playing())

	w, h := img.Size()
	assert.Equal(t, 64, w)
	assert.Equal(t, 36, h)

	source.last().assertStoppedOnce(t)

	ctrl.Close()
	assert.Equal(t, StateClosed, ctrl.State())
	source.last().assertStoppedOnce(t)
	assert.False(t, img.Released(), "the captured photo outlives the camera")
}

func TestOpen_IsNoOpWhileStreaming(t *testing.T) {
	source := &fakeSource{}
	ctrl := NewController(source, NewPreview(device.Standard, false), device.Standard)

	require.NoError(t, ctrl.Open(context.Background()))
	require.NoError(t, ctrl.Open(context.Background()))

	assert.Equal(t, 1, source.acquired)
	ctrl.Close()
	source.last().assertStoppedOnce(t)
}

func TestCapture_InvalidWhenClosed(t *testing.T) {
	ctrl := NewController(&fakeSource{}, NewPreview(device.Standard, false), device.Standard)

	_, err := ctrl.Capture(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = ctrl.Retake(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestClose_Twice(t *testing.T) {
	source := &fakeSource{}
	ctrl := NewController(source, NewPreview(device.Standard, false), device.Standard)
	require.NoError(t, ctrl.Open(context.Background()))

	ctrl.Close()
	ctrl.Close()

	assert.Equal(t, StateClosed, ctrl.State())
	source.last().assertStoppedOnce(t)

	// Closing a never-opened controller is fine too
	fresh := NewController(source, NewPreview(device.Standard, false), device.Standard)
	fresh.Close()
	fresh.Close()
	assert.Equal(t, StateClosed, fresh.State())
}

func TestRetake(t *testing.T) {
	source := &fakeSource{}
	ctrl := NewController(source, NewPreview(device.Standard, false), device.Standard)
	require.NoError(t, ctrl.Open(context.Background()))

	img, err := ctrl.Capture(context.Background())
	require.NoError(t, err)
	first := source.last()

	require.NoError(t, ctrl.Retake(context.Background()))
	assert.Equal(t, StateStreaming, ctrl.State())
	assert.True(t, img.Released())
	assert.Equal(t, 2, source.acquired)
	first.assertStoppedOnce(t)

	ctrl.Close()
	source.last().assertStoppedOnce(t)
}

func TestOpen_FromFrozenDiscardsFrame(t *testing.T) {
	source := &fakeSource{}
	ctrl := NewController(source, NewPreview(device.Standard, false), device.Standard)
	require.NoError(t, ctrl.Open(context.Background()))
	img, err := ctrl.Capture(context.Background())
	require.NoError(t, err)

	require.NoError(t, ctrl.Open(context.Background()))
	assert.True(t, img.Released())
	assert.Equal(t, StateStreaming, ctrl.State())
	ctrl.Close()
}

func TestOpen_PermissionDenied(t *testing.T) {
	for _, tc := range []struct {
		name  string
		class device.Class
		want  string
	}{
		{"ios", device.IOSClass, "Settings > Safari > Camera"},
		{"browser", device.Standard, "browser settings"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			source := &fakeSource{err: ErrPermissionDenied}
			ctrl := NewController(source, NewPreview(tc.class, false), tc.class)

			err := ctrl.Open(context.Background())
			require.Error(t, err)
			assert.Equal(t, failure.KindPermissionDenied, failure.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, StateClosed, ctrl.State())
			assert.Equal(t, failure.KindPermissionDenied, ctrl.LastError().Kind)
		})
	}
}

func TestOpen_DeviceUnavailableAndUnknown(t *testing.T) {
	ctrl := NewController(&fakeSource{err: ErrDeviceUnavailable}, NewPreview(device.Standard, false), device.Standard)
	err := ctrl.Open(context.Background())
	assert.Equal(t, failure.KindDeviceUnavailable, failure.KindOf(err))

	ctrl = NewController(&fakeSource{err: errors.New("driver crashed")}, NewPreview(device.Standard, false), device.Standard)
	err = ctrl.Open(context.Background())
	assert.Equal(t, failure.KindUnknown, failure.KindOf(err))
	assert.Contains(t, err.Error(), "driver crashed")
}

func TestOpen_IOSRequiresTap(t *testing.T) {
	source := &fakeSource{}
	preview := NewPreview(device.IOSClass, false)
	ctrl := NewController(source, preview, device.IOSClass)

	require.NoError(t, ctrl.Open(context.Background()))
	assert.Equal(t, StateRequesting, ctrl.State())
	assert.True(t, ctrl.NeedsActivation())

	require.NoError(t, ctrl.Tap(context.Background()))
	assert.Equal(t, StateStreaming, ctrl.State())
	assert.False(t, ctrl.NeedsActivation())
	assert.True(t, preview.Playing())

	ctrl.Close()
	source.last().assertStoppedOnce(t)
}

func TestTap_RetriesOncePerFailure(t *testing.T) {
	source := &fakeSource{}
	sink := &scriptedSink{playErrs: []error{ErrGestureRequired, errors.New("still blocked")}}
	ctrl := NewController(source, sink, device.IOSClass)

	require.NoError(t, ctrl.Open(context.Background()))
	require.True(t, ctrl.NeedsActivation())

	err := ctrl.Tap(context.Background())
	require.Error(t, err)
	assert.True(t, ctrl.NeedsActivation())
	assert.Equal(t, StateRequesting, ctrl.State())

	require.NoError(t, ctrl.Tap(context.Background()))
	assert.Equal(t, []bool{false, true, true}, sink.plays)

	err = ctrl.Tap(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ctrl.Close()
	source.last().assertStoppedOnce(t)
}

func TestOpen_StandardPlaybackFailureReleasesStream(t *testing.T) {
	source := &fakeSource{}
	sink := &scriptedSink{playErrs: []error{errors.New("decoder error")}}
	ctrl := NewController(source, sink, device.Standard)

	err := ctrl.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, ctrl.State())
	assert.False(t, ctrl.NeedsActivation())
	source.last().assertStoppedOnce(t)

	ctrl.Close()
	source.last().assertStoppedOnce(t)
}

func TestClose_WhileRequestingActivation(t *testing.T) {
	source := &fakeSource{}
	ctrl := NewController(source, NewPreview(device.IOSClass, false), device.IOSClass)

	require.NoError(t, ctrl.Open(context.Background()))
	ctrl.Close()

	assert.Equal(t, StateClosed, ctrl.State())
	assert.False(t, ctrl.NeedsActivation())
	source.last().assertStoppedOnce(t)
}

func TestClose_RacesAcquisition(t *testing.T) {
	source := &fakeSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	ctrl := NewController(source, NewPreview(device.Standard, false), device.Standard)

	errs := make(chan error, 1)
	go func() {
		errs <- ctrl.Open(context.Background())
	}()

	<-source.started
	ctrl.Close()
	close(source.release)

	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.Equal(t, StateClosed, ctrl.State())
	source.last().assertStoppedOnce(t)

	ctrl.Close()
	source.last().assertStoppedOnce(t)
}

func TestCapture_ScalesToNativeDimensions(t *testing.T) {
	stream := newFakeStream(32, 18)
	stream.frame = solid(16, 9)

	got := fitFrame(stream.frame, 32, 18)
	assert.Equal(t, image.Rect(0, 0, 32, 18), got.Bounds())

	got = fitFrame(solid(20, 10), 0, 0)
	assert.Equal(t, image.Rect(0, 0, 20, 10), got.Bounds())
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(width, height)))
	return buf.Bytes()
}

func TestSnapshotSource(t *testing.T) {
	frame := pngBytes(t, 40, 30)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(frame)
	}))
	defer ts.Close()

	ctrl := NewController(NewSnapshotSource(ts.URL), NewPreview(device.Standard, false), device.Standard)
	require.NoError(t, ctrl.Open(context.Background()))

	img, err := ctrl.Capture(context.Background())
	require.NoError(t, err)
	w, h := img.Size()
	assert.Equal(t, 40, w)
	assert.Equal(t, 30, h)

	ctrl.Close()
}

func TestSnapshotSource_StatusMapping(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrPermissionDenied},
		{http.StatusForbidden, ErrPermissionDenied},
		{http.StatusNotFound, ErrDeviceUnavailable},
		{http.StatusServiceUnavailable, ErrDeviceUnavailable},
	} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		_, err := NewSnapshotSource(ts.URL).Acquire(context.Background(), DefaultConstraints)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		ts.Close()
	}
}

func TestSnapshotStream_StoppedTrack(t *testing.T) {
	frame := pngBytes(t, 8, 8)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(frame)
	}))
	defer ts.Close()

	stream, err := NewSnapshotSource(ts.URL).Acquire(context.Background(), DefaultConstraints)
	require.NoError(t, err)

	for _, tr := range stream.Tracks() {
		tr.Stop()
	}
	_, err = stream.Frame(context.Background())
	assert.ErrorIs(t, err, ErrTrackStopped)
}
