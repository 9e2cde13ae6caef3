package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type storedResponse struct {
	Success *bool  `json:"success"`
	URL     string `json:"url"`
	Key     string `json:"key"`
	FileURL string `json:"fileUrl"`
	Error   string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newHTTPClient(baseURL string) *resty.Client {
	return resty.New().
		SetDebug(false).
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(60 * time.Second)
}

func responseError(what string, res *resty.Response) error {
	msg := strings.TrimSpace(res.String())
	if e, ok := res.Error().(*errorResponse); ok && e.Error != "" {
		msg = e.Error
	}
	return fmt.Errorf("%s failed: %d - %s", what, res.StatusCode(), msg)
}

// HTTPBackend posts the image as multipart form data to a storage service
// (POST /api/upload, field "file") that answers {url, key}.
type HTTPBackend struct {
	httpClient *resty.Client
}

// NewHTTPBackend creates a backend for the service at baseURL.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{httpClient: newHTTPClient(baseURL)}
}

func (b *HTTPBackend) Store(ctx context.Context, obj Object) (Stored, error) {
	var body storedResponse
	res, err := b.httpClient.R().
		SetContext(ctx).
		SetFileReader("file", obj.Name, bytes.NewReader(obj.Data)).
		SetFormData(map[string]string{"key": obj.Key}).
		SetResult(&body).
		SetError(&errorResponse{}).
		Post("/api/upload")
	if err != nil {
		return Stored{}, fmt.Errorf("upload request failed: %w", err)
	}
	if res.IsError() {
		return Stored{}, responseError("upload", res)
	}
	if body.URL == "" {
		return Stored{}, errors.New("upload response is missing url")
	}
	return Stored{URL: body.URL, Key: body.Key}, nil
}

// PresignBackend asks the storage service for a pre-signed URL
// (POST /api/upload/presign) and PUTs the image to it directly.
type PresignBackend struct {
	httpClient *resty.Client
	// Optional; builds public URLs instead of deriving them from the
	// pre-signed URL.
	bucket string
	region string
}

// NewPresignBackend creates a backend for the service at baseURL.
func NewPresignBackend(baseURL string) *PresignBackend {
	return &PresignBackend{httpClient: newHTTPClient(baseURL)}
}

// WithBucket makes public URLs point at bucket in region.
func (b *PresignBackend) WithBucket(bucket, region string) *PresignBackend {
	b.bucket = bucket
	b.region = region
	return b
}

func (b *PresignBackend) Store(ctx context.Context, obj Object) (Stored, error) {
	var presign storedResponse
	res, err := b.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"fileName": obj.Name,
			"fileType": obj.ContentType,
		}).
		SetResult(&presign).
		SetError(&errorResponse{}).
		Post("/api/upload/presign")
	if err != nil {
		return Stored{}, fmt.Errorf("presign request failed: %w", err)
	}
	if res.IsError() {
		return Stored{}, responseError("presign", res)
	}
	if presign.URL == "" || presign.Key == "" {
		return Stored{}, errors.New("pre-signed url or key missing from response")
	}

	// The signed URL is absolute, so bypass the base URL
	put, err := b.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", obj.ContentType).
		SetBody(obj.Data).
		Put(presign.URL)
	if err != nil {
		return Stored{}, fmt.Errorf("S3 upload request failed: %w", err)
	}
	if put.IsError() {
		return Stored{}, responseError("S3 upload", put)
	}

	return Stored{URL: b.publicURL(presign), Key: presign.Key}, nil
}

func (b *PresignBackend) publicURL(p storedResponse) string {
	if p.FileURL != "" {
		return p.FileURL
	}
	if b.bucket != "" {
		return PublicURL(b.bucket, b.region, p.Key)
	}
	// A pre-signed URL without its signature is the object URL
	u, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
