package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raine/city-vision-capture/internal/analysis"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/raine/city-vision-capture/internal/identity"
	"github.com/raine/city-vision-capture/internal/location"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/raine/city-vision-capture/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeIdentity struct {
	id identity.VisitorID
}

func (f fakeIdentity) Current() (identity.VisitorID, bool) {
	return f.id, f.id != ""
}

type fakeLocation struct {
	loc *location.Location
}

func (f fakeLocation) Current() (location.Location, bool) {
	if f.loc == nil {
		return location.Location{}, false
	}
	return *f.loc, true
}

type fakeUploader struct {
	results []upload.Result
	calls   atomic.Int32
	block   chan struct{}
}

func (f *fakeUploader) Upload(ctx context.Context, img *media.CapturedImage) upload.Result {
	n := int(f.calls.Add(1)) - 1
	if f.block != nil {
		<-f.block
	}
	if n >= len(f.results) {
		return f.results[len(f.results)-1]
	}
	return f.results[n]
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []analysis.Request
	errs     []error
	result   analysis.Result
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func (f *fakeAnalyzer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recorder struct {
	mu     sync.Mutex
	states []State
	errs   []*failure.Error
	idle   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{states: []State{StateIdle}, idle: make(chan struct{}, 1)}
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Err != nil {
		r.errs = append(r.errs, ev.Err)
		return
	}
	r.states = append(r.states, ev.To)
	if ev.From == StateComplete && ev.To == StateIdle {
		r.idle <- struct{}{}
	}
}

func (r *recorder) sequence() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

var cluj = &location.Location{
	Latitude:  46.77,
	Longitude: 23.59,
	Method:    location.MethodGeolocation,
	City:      "Cluj-Napoca",
	Country:   "Romania",
}

func photo() *media.CapturedImage {
	return media.NewCapturedImage(image.NewRGBA(image.Rect(0, 0, 4, 4)), "photo.jpg")
}

func TestSubmit_HappyPath(t *testing.T) {
	up := &fakeUploader{results: []upload.Result{{Success: true, URL: "https://bucket/uploads/x.jpg", Key: "uploads/x.jpg"}}}
	an := &fakeAnalyzer{result: analysis.Result{"category": "pothole"}}
	rec := newRecorder()
	var resets atomic.Int32

	o := New(fakeIdentity{id: "visitor-1"}, fakeLocation{loc: cluj}, up, an,
		WithCompleteDelay(10*time.Millisecond),
		WithObserver(rec.observe),
		WithResetHook(func() { resets.Add(1) }),
	)
	defer o.Close()

	img := photo()
	require.NoError(t, o.Select(img))

	res, err := o.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pothole", res["category"])

	snap := o.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	require.NotNil(t, snap.Upload)
	assert.Equal(t, "https://bucket/uploads/x.jpg", snap.Upload.URL)

	require.Len(t, an.requests, 1)
	assert.Equal(t, analysis.Request{
		ImageURL: "https://bucket/uploads/x.jpg",
		UserID:   "visitor-1",
		Location: analysis.Location{Latitude: 46.77, Longitude: 23.59, City: "Cluj-Napoca", Country: "Romania"},
	}, an.requests[0])

	select {
	case <-rec.idle:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not reset after completion")
	}

	assert.Equal(t, []State{StateIdle, StateUploading, StateAnalyzing, StateComplete, StateIdle}, rec.sequence())
	assert.True(t, img.Released())
	assert.Equal(t, int32(1), resets.Load())

	snap = o.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Nil(t, snap.Err)
	assert.False(t, snap.HasImage)
}

func TestSubmit_UploadFailure(t *testing.T) {
	up := &fakeUploader{results: []upload.Result{{Error: "network timeout"}}}
	an := &fakeAnalyzer{}
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, an)
	defer o.Close()

	require.NoError(t, o.Select(photo()))

	_, err := o.Submit(context.Background())
	require.Error(t, err)

	snap := o.Snapshot()
	assert.Equal(t, StateUploading, snap.State)
	require.NotNil(t, snap.Err)
	assert.Contains(t, snap.Err.Message, "network timeout")
	assert.Equal(t, "network timeout", snap.Err.Detail)
	assert.False(t, snap.Busy)
	assert.Zero(t, an.calls())
}

func TestSubmit_UploadFailureKind(t *testing.T) {
	timeout := &url.Error{Op: "Post", URL: "https://storage/api/upload", Err: context.DeadlineExceeded}
	cases := []struct {
		name  string
		cause error
		want  failure.Kind
	}{
		{"transport", fmt.Errorf("upload request failed: %w", timeout), failure.KindNetwork},
		{"deadline", context.DeadlineExceeded, failure.KindNetwork},
		{"cancelled", &url.Error{Op: "Post", URL: "https://storage", Err: context.Canceled}, failure.KindUnknown},
		{"rejected", errors.New("upload failed: 403 - AccessDenied"), failure.KindUnknown},
		{"no cause", nil, failure.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := "network timeout"
			if tc.cause != nil {
				msg = tc.cause.Error()
			}
			up := &fakeUploader{results: []upload.Result{{Error: msg, Cause: tc.cause}}}
			an := &fakeAnalyzer{}
			o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, an)
			defer o.Close()
			require.NoError(t, o.Select(photo()))

			_, err := o.Submit(context.Background())
			assert.Equal(t, tc.want, failure.KindOf(err))
			if tc.cause != nil {
				assert.ErrorIs(t, err, tc.cause)
			}
			assert.Equal(t, StateUploading, o.Snapshot().State)
			assert.Zero(t, an.calls())
		})
	}
}

func TestSubmit_RetryAfterUploadFailureStartsOver(t *testing.T) {
	up := &fakeUploader{results: []upload.Result{
		{Error: "network timeout"},
		{Success: true, URL: "https://bucket/uploads/y.jpg", Key: "uploads/y.jpg"},
	}}
	an := &fakeAnalyzer{result: analysis.Result{}}
	rec := newRecorder()
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, an, WithObserver(rec.observe))
	defer o.Close()

	require.NoError(t, o.Select(photo()))
	_, err := o.Submit(context.Background())
	require.Error(t, err)

	_, err = o.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), up.calls.Load())
	assert.Equal(t, []State{StateIdle, StateUploading, StateIdle, StateUploading, StateAnalyzing, StateComplete}, rec.sequence())
	assert.Nil(t, o.Snapshot().Err)
}

func TestSubmit_RetryAfterAnalysisFailureReusesUpload(t *testing.T) {
	up := &fakeUploader{results: []upload.Result{{Success: true, URL: "https://bucket/uploads/x.jpg", Key: "uploads/x.jpg"}}}
	an := &fakeAnalyzer{
		errs:   []error{failure.New(failure.KindAPI, "model overloaded")},
		result: analysis.Result{"ok": true},
	}
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, an)
	defer o.Close()

	require.NoError(t, o.Select(photo()))
	_, err := o.Submit(context.Background())
	require.Error(t, err)

	snap := o.Snapshot()
	assert.Equal(t, StateAnalyzing, snap.State)
	assert.Equal(t, failure.KindAPI, snap.Err.Kind)

	res, err := o.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])

	assert.Equal(t, int32(1), up.calls.Load())
	require.Len(t, an.requests, 2)
	assert.Equal(t, an.requests[0], an.requests[1])
	assert.Equal(t, StateComplete, o.Snapshot().State)
}

func TestSubmit_AnalysisErrorIsClassified(t *testing.T) {
	up := &fakeUploader{results: []upload.Result{{Success: true, URL: "u", Key: "k"}}}
	an := &fakeAnalyzer{errs: []error{errors.New("something odd")}}
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, an)
	defer o.Close()

	require.NoError(t, o.Select(photo()))
	_, err := o.Submit(context.Background())

	assert.Equal(t, failure.KindUnknown, failure.KindOf(err))
	assert.Equal(t, failure.KindUnknown, o.Snapshot().Err.Kind)
}

func TestSubmit_ValidationMakesNoNetworkCalls(t *testing.T) {
	for _, tc := range []struct {
		name     string
		identity fakeIdentity
		location fakeLocation
		image    bool
		want     string
	}{
		{"location unresolved", fakeIdentity{id: "v"}, fakeLocation{}, true, "location"},
		{"identity unresolved", fakeIdentity{}, fakeLocation{loc: cluj}, true, "identity"},
		{"no image", fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, false, "image"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			up := &fakeUploader{results: []upload.Result{{Success: true, URL: "u"}}}
			an := &fakeAnalyzer{}
			rec := newRecorder()
			o := New(tc.identity, tc.location, up, an, WithObserver(rec.observe))
			defer o.Close()

			if tc.image {
				require.NoError(t, o.Select(photo()))
			}

			_, err := o.Submit(context.Background())
			require.Error(t, err)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
			assert.Contains(t, err.Error(), tc.want)

			assert.Zero(t, up.calls.Load())
			assert.Zero(t, an.calls())
			assert.Equal(t, StateIdle, o.Snapshot().State)
			assert.Equal(t, []State{StateIdle}, rec.sequence())
			require.Len(t, rec.errs, 1)
		})
	}
}

func TestDiscard(t *testing.T) {
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, &fakeUploader{results: []upload.Result{{Error: "x"}}}, &fakeAnalyzer{})
	defer o.Close()

	img := photo()
	require.NoError(t, o.Select(img))
	require.NoError(t, o.Discard())
	assert.True(t, img.Released())
	assert.False(t, o.Snapshot().HasImage)

	// After a failed upload
	img = photo()
	require.NoError(t, o.Select(img))
	_, err := o.Submit(context.Background())
	require.Error(t, err)
	require.NoError(t, o.Discard())
	assert.Equal(t, StateIdle, o.Snapshot().State)
	assert.Nil(t, o.Snapshot().Err)
	assert.True(t, img.Released())
}

func TestSelect_ReplacesPreviousImage(t *testing.T) {
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, &fakeUploader{}, &fakeAnalyzer{})
	defer o.Close()

	first := photo()
	require.NoError(t, o.Select(first))
	require.NoError(t, o.Select(photo()))

	assert.True(t, first.Released())
	assert.True(t, o.Snapshot().HasImage)

	assert.Error(t, o.Select(nil))
}

func TestInFlightRejections(t *testing.T) {
	up := &fakeUploader{
		results: []upload.Result{{Success: true, URL: "u", Key: "k"}},
		block:   make(chan struct{}),
	}
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, &fakeAnalyzer{result: analysis.Result{}})
	defer o.Close()
	require.NoError(t, o.Select(photo()))

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, o.Discard(), ErrBusy)
	assert.ErrorIs(t, o.Discard(), ErrInvalidTransition)
	assert.ErrorIs(t, o.Select(photo()), ErrBusy)
	_, err := o.Submit(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, o.Snapshot().Busy)

	close(up.block)
	require.NoError(t, <-done)
}

func TestSubmit_RejectedWhileComplete(t *testing.T) {
	up := &fakeUploader{results: []upload.Result{{Success: true, URL: "u", Key: "k"}}}
	o := New(fakeIdentity{id: "v"}, fakeLocation{loc: cluj}, up, &fakeAnalyzer{result: analysis.Result{}}, WithCompleteDelay(time.Hour))
	defer o.Close()

	require.NoError(t, o.Select(photo()))
	_, err := o.Submit(context.Background())
	require.NoError(t, err)

	_, err = o.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// A new selection starts a fresh attempt right away
	require.NoError(t, o.Select(photo()))
	assert.Equal(t, StateIdle, o.Snapshot().State)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateUploading))
	assert.False(t, canTransition(StateIdle, StateAnalyzing))
	assert.False(t, canTransition(StateIdle, StateComplete))
	assert.False(t, canTransition(StateUploading, StateComplete))
	assert.False(t, canTransition(StateComplete, StateUploading))
	assert.True(t, canTransition(StateComplete, StateIdle))
}
