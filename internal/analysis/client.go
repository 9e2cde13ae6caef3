package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/raine/city-vision-capture/internal/device"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/rs/zerolog/log"
)

const (
	DefaultServiceURL = "http://0.0.0.0:8000"

	analyzePath   = "/analyze"
	relevancePath = "/relevance"

	ProxyAnalyzePath   = "/api/vision/analyze"
	ProxyRelevancePath = "/api/vision/relevance"
)

// Transport is how requests reach the analysis service.
type Transport int

const (
	// TransportDirect calls the service itself, sending credentials.
	TransportDirect Transport = iota
	// TransportProxy goes through the same-origin proxy routes.
	TransportProxy
)

func (t Transport) String() string {
	if t == TransportProxy {
		return "proxy"
	}
	return "direct"
}

// Client talks to the vision analysis service.
type Client struct {
	httpClient *resty.Client
	serviceURL string
	proxyURL   string
	transport  Transport
	authToken  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sends requests through hc.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = resty.NewWithClient(hc)
	}
}

// WithTransport forces a transport instead of picking one by device class.
func WithTransport(t Transport) ClientOption {
	return func(c *Client) {
		c.transport = t
	}
}

// NewClient creates a client. Mobile-class devices go through the proxy at
// proxyURL when one is configured; everything else calls serviceURL directly.
func NewClient(serviceURL, proxyURL string, class device.Class, opts ...ClientOption) *Client {
	if serviceURL == "" {
		serviceURL = DefaultServiceURL
	}
	c := &Client{
		httpClient: resty.New(),
		serviceURL: strings.TrimSuffix(serviceURL, "/"),
		proxyURL:   strings.TrimSuffix(proxyURL, "/"),
		transport:  TransportDirect,
	}
	if class.Mobile && c.proxyURL != "" {
		c.transport = TransportProxy
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == TransportProxy && c.proxyURL == "" {
		log.Warn().Msg("proxy transport requested without a proxy url, calling the service directly")
		c.transport = TransportDirect
	}
	c.httpClient.
		SetDebug(false).
		SetTimeout(2 * time.Minute).
		SetHeader("Accept", "application/json")
	return c
}

// WithAuthToken sends a bearer token on direct requests. The proxy never
// sees it.
func (c *Client) WithAuthToken(token string) *Client {
	c.authToken = token
	return c
}

// Transport reports the selected transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// request starts a call, attaching credentials only for the service itself.
func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.httpClient.R().SetContext(ctx)
	if c.transport == TransportDirect && c.authToken != "" {
		req.SetAuthToken(c.authToken)
	}
	return req
}

func (c *Client) endpoint(direct, proxied string) string {
	if c.transport == TransportProxy {
		return c.proxyURL + proxied
	}
	return c.serviceURL + direct
}

// Analyze submits req as multipart form data. The image is referenced by
// URL only; it is sent under the three field names services accept.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	loc, err := json.Marshal(req.Location)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, err, "invalid location")
	}

	url := c.endpoint(analyzePath, ProxyAnalyzePath)
	log.Info().
		Str("url", url).
		Str("transport", c.transport.String()).
		Str("imageUrl", req.ImageURL).
		Msg("submitting image for analysis")

	res, err := c.request(ctx).
		SetMultipartFormData(map[string]string{
			"image_url": req.ImageURL,
			"imageUrl":  req.ImageURL,
			"url":       req.ImageURL,
			"user_id":   req.UserID,
			"location":  string(loc),
		}).
		Post(url)
	if err != nil {
		return nil, c.classifyTransport(ctx, err, url)
	}

	payload := parsePayload(res.Body())
	if res.IsError() {
		return nil, apiError(res, payload)
	}

	log.Info().Int("status", res.StatusCode()).Msg("analysis complete")
	return payload, nil
}

// SubmitRelevance sends feedback as JSON.
func (c *Client) SubmitRelevance(ctx context.Context, fb Feedback) (RelevanceResult, error) {
	if fb.PhotoID == "" || fb.UserID == "" {
		return RelevanceResult{}, failure.Validation("photo id and user id are required")
	}

	url := c.endpoint(relevancePath, ProxyRelevancePath)
	res, err := c.request(ctx).
		SetBody(fb).
		Post(url)
	if err != nil {
		return RelevanceResult{}, c.classifyTransport(ctx, err, url)
	}

	payload := parsePayload(res.Body())
	if res.IsError() {
		return RelevanceResult{}, apiError(res, payload)
	}

	var out RelevanceResult
	if err := json.Unmarshal(res.Body(), &out); err != nil {
		return RelevanceResult{}, failure.Wrap(failure.KindAPI, err, "invalid relevance response")
	}
	log.Info().Str("photoId", fb.PhotoID).Float64("deltaScore", out.DeltaScore).Msg("relevance feedback submitted")
	return out, nil
}

// parsePayload decodes a JSON object, wrapping anything else as
// {"message": text}.
func parsePayload(body []byte) Result {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		return Result(obj)
	}
	return Result{"message": string(body)}
}

func apiError(res *resty.Response, payload Result) *failure.Error {
	msg := payload.Message()
	if msg == "" {
		if detail, ok := payload["detail"].(string); ok {
			msg = detail
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("API error: %d %s", res.StatusCode(), http.StatusText(res.StatusCode()))
	}

	fe := failure.New(failure.KindAPI, msg)
	fe.StatusCode = res.StatusCode()
	fe.Payload = payload
	fe.Detail = res.String()

	log.Warn().Int("status", fe.StatusCode).Str("message", msg).Msg("analysis service returned an error")
	return fe
}

// IsCrossOrigin reports whether a transport error message names a
// cross-origin rejection.
func IsCrossOrigin(msg string) bool {
	return strings.Contains(msg, "CORS") || strings.Contains(msg, "cross-origin")
}

func (c *Client) classifyTransport(ctx context.Context, err error, url string) *failure.Error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		fe := failure.Wrap(failure.KindUnknown, err, "Request was aborted")
		fe.Detail = err.Error()
		return fe
	}

	msg := err.Error()
	var fe *failure.Error
	if IsCrossOrigin(msg) {
		fe = failure.Wrap(failure.KindCORS, err, "Network error: "+msg)
		fe.Hint = c.corsHint()
	} else {
		fe = failure.Wrap(failure.KindNetwork, err, "Network error: "+msg)
	}
	fe.Detail = fmt.Sprintf("POST %s (%s): %s", url, c.transport, msg)

	log.Error().Err(err).Str("kind", fe.Kind.String()).Str("url", url).Msg("analysis request failed")
	return fe
}

func (c *Client) corsHint() string {
	hint := fmt.Sprintf("The analysis service at %s refused the cross-origin request. Allow this origin on the service", c.serviceURL)
	if c.proxyURL != "" {
		return hint + fmt.Sprintf(" or route requests through the proxy at %s.", c.proxyURL)
	}
	return hint + " or configure PROXY_BASE_URL to use the same-origin proxy."
}
