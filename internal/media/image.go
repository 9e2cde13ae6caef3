package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxDimension bounds both sides of an encoded upload.
	DefaultMaxDimension = 1280
	// DefaultQuality is the JPEG quality used for uploads.
	DefaultQuality = 70

	JPEGContentType = "image/jpeg"
)

// ErrReleased is returned when a released image is accessed.
var ErrReleased = errors.New("captured image has been released")

// CapturedImage is a still frame held in memory for one capture attempt.
// It is owned by the pipeline until upload completes or the attempt is
// discarded, at which point Release drops the pixel buffer.
type CapturedImage struct {
	mu         sync.Mutex
	pixels     *image.RGBA
	name       string
	capturedAt time.Time
}

// NewCapturedImage copies src into a new RGBA buffer at its native size.
func NewCapturedImage(src image.Image, name string) *CapturedImage {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	if name == "" {
		name = fmt.Sprintf("photo-%d.jpg", time.Now().UnixMilli())
	}
	return &CapturedImage{
		pixels:     rgba,
		name:       name,
		capturedAt: time.Now(),
	}
}

// Decode reads an encoded image (JPEG, PNG or WebP). It is the file
// selection fallback when no camera is used.
func Decode(r io.Reader, name string) (*CapturedImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return NewCapturedImage(img, name), nil
}

// DecodeFile reads an image file from disk.
func DecodeFile(path string) (*CapturedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	return Decode(f, filepath.Base(path))
}

// Name returns the file name used when the image is persisted.
func (c *CapturedImage) Name() string {
	return c.name
}

// CapturedAt returns when the frame was taken.
func (c *CapturedImage) CapturedAt() time.Time {
	return c.capturedAt
}

// Size returns the pixel dimensions, or zero after Release.
func (c *CapturedImage) Size() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pixels == nil {
		return 0, 0
	}
	b := c.pixels.Bounds()
	return b.Dx(), b.Dy()
}

// Released reports whether the pixel buffer has been dropped.
func (c *CapturedImage) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pixels == nil
}

// Release drops the pixel buffer. Safe to call more than once.
func (c *CapturedImage) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pixels = nil
}

// EncodeOptions control JPEG compression. Zero values use the defaults.
type EncodeOptions struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// Encoded is a compressed image payload ready for upload.
type Encoded struct {
	Name        string
	ContentType string
	Data        []byte
	Width       int
	Height      int
}

// Encode compresses the frame to JPEG, scaling it down to fit the bounds
// while keeping the aspect ratio.
func (c *CapturedImage) Encode(opts EncodeOptions) (*Encoded, error) {
	c.mu.Lock()
	src := c.pixels
	c.mu.Unlock()
	if src == nil {
		return nil, ErrReleased
	}

	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxDimension
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = DefaultMaxDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}

	b := src.Bounds()
	width, height := fitWithin(b.Dx(), b.Dy(), opts.MaxWidth, opts.MaxHeight)

	var img image.Image = src
	if width != b.Dx() || height != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return &Encoded{
		Name:        jpegName(c.name),
		ContentType: JPEGContentType,
		Data:        buf.Bytes(),
		Width:       width,
		Height:      height,
	}, nil
}

// WriteFile persists the encoded frame to path.
func (c *CapturedImage) WriteFile(path string, opts EncodeOptions) error {
	enc, err := c.Encode(opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, enc.Data, 0644); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	return nil
}

// fitWithin scales width/height down so both fit in maxW x maxH.
// The longer side is pinned to its bound.
func fitWithin(width, height, maxW, maxH int) (int, int) {
	if width <= maxW && height <= maxH {
		return width, height
	}
	aspect := float64(width) / float64(height)
	if width > height {
		return maxW, max(1, int(math.Round(float64(maxW)/aspect)))
	}
	return max(1, int(math.Round(float64(maxH)*aspect))), maxH
}

func jpegName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}
