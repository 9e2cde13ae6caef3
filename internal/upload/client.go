package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/rs/zerolog/log"
)

// KeyPrefix is the storage folder for captured photos.
const KeyPrefix = "uploads/"

// Result is the outcome of an upload. Failures are reported in Error with
// Success=false, never as a Go error.
type Result struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
	// Cause is the underlying error of a failed upload, when there is one.
	Cause error `json:"-"`
}

// Object is an encoded image ready to be stored.
type Object struct {
	Key         string
	Name        string
	ContentType string
	Data        []byte
}

// Stored describes where a backend put an object. Backends may assign their
// own key.
type Stored struct {
	URL string
	Key string
}

// Backend persists objects and returns their public locator.
type Backend interface {
	Store(ctx context.Context, obj Object) (Stored, error)
}

// Client encodes captured images and hands them to a Backend.
type Client struct {
	backend Backend
	encode  media.EncodeOptions
	newKey  func(ext string) string
}

// Option configures a Client.
type Option func(*Client)

// WithEncodeOptions overrides the downscale and quality settings.
func WithEncodeOptions(opts media.EncodeOptions) Option {
	return func(c *Client) {
		c.encode = opts
	}
}

// WithKeyFunc overrides object key generation.
func WithKeyFunc(fn func(ext string) string) Option {
	return func(c *Client) {
		c.newKey = fn
	}
}

// NewClient creates an upload client for backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		encode: media.EncodeOptions{
			MaxWidth:  media.DefaultMaxDimension,
			MaxHeight: media.DefaultMaxDimension,
			Quality:   media.DefaultQuality,
		},
		newKey: NewKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewKey returns a unique object key like uploads/<uuid>.jpg.
func NewKey(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%s%s.%s", KeyPrefix, uuid.NewString(), ext)
}

// Upload encodes img and stores it.
func (c *Client) Upload(ctx context.Context, img *media.CapturedImage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("upload panicked")
			res = Result{Error: fmt.Sprintf("upload failed: %v", r)}
		}
	}()

	if img == nil {
		return Result{Error: "no image to upload"}
	}

	encoded, err := img.Encode(c.encode)
	if err != nil {
		return failed(fmt.Errorf("encode image: %w", err))
	}

	obj := Object{
		Key:         c.newKey(path.Ext(encoded.Name)),
		Name:        encoded.Name,
		ContentType: encoded.ContentType,
		Data:        encoded.Data,
	}

	log.Info().
		Str("key", obj.Key).
		Int("bytes", len(obj.Data)).
		Int("width", encoded.Width).
		Int("height", encoded.Height).
		Msg("uploading image")

	stored, err := c.backend.Store(ctx, obj)
	if err != nil {
		return failed(err)
	}
	if stored.URL == "" {
		return failed(errors.New("storage returned no url"))
	}
	if stored.Key == "" {
		stored.Key = obj.Key
	}

	log.Info().Str("key", stored.Key).Str("url", stored.URL).Msg("image uploaded")
	return Result{Success: true, URL: stored.URL, Key: stored.Key}
}

func failed(err error) Result {
	log.Error().Err(err).Msg("upload failed")
	return Result{Error: err.Error(), Cause: err}
}
