package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raine/city-vision-capture/internal/device"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRequest = Request{
	ImageURL: "https://bucket/uploads/x.jpg",
	UserID:   "visitor-1",
	Location: Location{Latitude: 46.77, Longitude: 23.59, City: "Cluj-Napoca", Country: "Romania"},
}

type failingTransport struct {
	err error
}

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, f.err
}

func TestAnalyze_SendsMultipartForm(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, testRequest.ImageURL, r.FormValue("image_url"))
		assert.Equal(t, testRequest.ImageURL, r.FormValue("imageUrl"))
		assert.Equal(t, testRequest.ImageURL, r.FormValue("url"))
		assert.Equal(t, "visitor-1", r.FormValue("user_id"))

		var loc Location
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("location")), &loc))
		assert.Equal(t, testRequest.Location, loc)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"photo_id":"p1","category":"pothole"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL+"/", "", device.Standard)
	assert.Equal(t, TransportDirect, client.Transport())

	res, err := client.Analyze(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "pothole", res["category"])
	assert.Equal(t, "p1", res.PhotoID())
}

func TestAnalyze_NonJSONResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("queued for review"))
	}))
	defer ts.Close()

	res, err := NewClient(ts.URL, "", device.Standard).Analyze(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, Result{"message": "queued for review"}, res)
}

func TestAnalyze_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"image could not be fetched","code":"FETCH"}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "", device.Standard).Analyze(context.Background(), testRequest)
	require.Error(t, err)

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.KindAPI, fe.Kind)
	assert.Equal(t, "image could not be fetched", fe.Message)
	assert.Equal(t, http.StatusUnprocessableEntity, fe.StatusCode)
	assert.Equal(t, "FETCH", fe.Payload["code"])
}

func TestAnalyze_APIErrorWithoutMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "", device.Standard).Analyze(context.Background(), testRequest)
	fe := failure.As(err)
	require.NotNil(t, fe)
	assert.Equal(t, failure.KindAPI, fe.Kind)
	assert.Equal(t, "API error: 502 Bad Gateway", fe.Message)
}

func TestAnalyze_CORSError(t *testing.T) {
	hc := &http.Client{Transport: failingTransport{err: errors.New("TypeError: Failed to fetch: blocked by CORS policy")}}
	client := NewClient("https://vision.example.com", "", device.Standard, WithHTTPClient(hc))

	_, err := client.Analyze(context.Background(), testRequest)
	fe := failure.As(err)
	require.NotNil(t, fe)

	assert.Equal(t, failure.KindCORS, fe.Kind)
	assert.Contains(t, fe.Hint, "https://vision.example.com")
	assert.Contains(t, fe.Detail, "CORS")
	assert.ErrorIs(t, err, &failure.Error{Kind: failure.KindCORS})
}

func TestAnalyze_NetworkError(t *testing.T) {
	hc := &http.Client{Transport: failingTransport{err: errors.New("dial tcp: connection refused")}}
	client := NewClient("https://vision.example.com", "", device.Standard, WithHTTPClient(hc))

	_, err := client.Analyze(context.Background(), testRequest)
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAnalyze_ValidationShortCircuits(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", device.Standard)
	_, err := client.Analyze(context.Background(), Request{UserID: "u"})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	_, err = client.Analyze(context.Background(), Request{ImageURL: "https://x"})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	assert.Zero(t, calls)
}

func TestAnalyze_Cancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient(ts.URL, "", device.Standard).Analyze(ctx, testRequest)
	fe := failure.As(err)
	require.NotNil(t, fe)
	assert.Equal(t, failure.KindUnknown, fe.Kind)
	assert.Equal(t, "Request was aborted", fe.Message)
}

func TestTransportSelection(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"delta_score":-0.5}`))
	}))
	defer ts.Close()

	mobile := NewClient("https://vision.example.com", ts.URL, device.IOSClass)
	assert.Equal(t, TransportProxy, mobile.Transport())

	_, err := mobile.Analyze(context.Background(), testRequest)
	require.NoError(t, err)
	_, err = mobile.SubmitRelevance(context.Background(), Feedback{PhotoID: "p1", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, []string{ProxyAnalyzePath, ProxyRelevancePath}, paths)

	// Mobile without a proxy falls back to direct
	assert.Equal(t, TransportDirect, NewClient(ts.URL, "", device.Class{Mobile: true}).Transport())
	// Forced proxy
	assert.Equal(t, TransportProxy, NewClient(ts.URL, ts.URL, device.Standard, WithTransport(TransportProxy)).Transport())
}

func TestDirectRequestsCarryCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "", device.Standard).WithAuthToken("secret").Analyze(context.Background(), testRequest)
	require.NoError(t, err)
}

func TestProxiedRequestsOmitToken(t *testing.T) {
	var auth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"delta_score":0}`))
	}))
	defer ts.Close()

	client := NewClient("https://vision.example.com", ts.URL, device.IOSClass).WithAuthToken("secret")
	require.Equal(t, TransportProxy, client.Transport())

	_, err := client.Analyze(context.Background(), testRequest)
	require.NoError(t, err)
	_, err = client.SubmitRelevance(context.Background(), Feedback{PhotoID: "p1", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"", ""}, auth)
}

func TestSubmitRelevance(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/relevance", r.URL.Path)
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")

		var fb Feedback
		require.NoError(t, json.NewDecoder(r.Body).Decode(&fb))
		assert.Equal(t, Feedback{PhotoID: "p1", UserID: "u1", AdditionalInfo: "not a pothole"}, fb)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"delta_score":-1.25}`))
	}))
	defer ts.Close()

	res, err := NewClient(ts.URL, "", device.Standard).SubmitRelevance(context.Background(), Feedback{
		PhotoID:        "p1",
		UserID:         "u1",
		AdditionalInfo: "not a pothole",
	})
	require.NoError(t, err)
	assert.Equal(t, -1.25, res.DeltaScore)
}

func TestSubmitRelevance_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such photo"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", device.Standard)

	_, err := client.SubmitRelevance(context.Background(), Feedback{PhotoID: "p1"})
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	_, err = client.SubmitRelevance(context.Background(), Feedback{PhotoID: "p1", UserID: "u1"})
	fe := failure.As(err)
	require.NotNil(t, fe)
	assert.Equal(t, failure.KindAPI, fe.Kind)
	assert.Equal(t, "no such photo", fe.Message)
}

func TestParseModelResult(t *testing.T) {
	res, err := parseModelResult("```json\n{\"issue_detected\": true, \"category\": \"pothole\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, true, res["issue_detected"])
	assert.Equal(t, "pothole", res["category"])

	_, err = parseModelResult("I can't tell")
	assert.Error(t, err)
}

func TestBuildInspectionPrompt(t *testing.T) {
	p := buildInspectionPrompt(testRequest.Location)
	assert.Contains(t, p, "46.770000")
	assert.Contains(t, p, "Cluj-Napoca, Romania")

	assert.Contains(t, buildInspectionPrompt(Location{}), "unknown place")
}
