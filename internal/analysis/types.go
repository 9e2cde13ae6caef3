package analysis

import (
	"context"

	"github.com/raine/city-vision-capture/internal/failure"
)

// Location is the place attached to an analysis request.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
}

// Request asks the service to analyze an already uploaded image.
type Request struct {
	ImageURL string
	UserID   string
	Location Location
}

// Validate rejects requests that must not reach the network.
func (r Request) Validate() error {
	if r.ImageURL == "" {
		return failure.Validation("image url is required")
	}
	if r.UserID == "" {
		return failure.Validation("user id is required")
	}
	return nil
}

// Result is the service's analysis, passed through untouched.
type Result map[string]any

// Message returns the "message" field, set for non-JSON responses.
func (r Result) Message() string {
	s, _ := r["message"].(string)
	return s
}

// PhotoID returns the id the service assigned to the analyzed photo, if any.
func (r Result) PhotoID() string {
	for _, key := range []string{"photo_id", "photoId", "id"} {
		if s, ok := r[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// Feedback marks an analyzed photo as irrelevant with a free-form reason.
type Feedback struct {
	PhotoID        string `json:"photo_id"`
	UserID         string `json:"user_id"`
	AdditionalInfo string `json:"additional_info"`
}

// RelevanceResult is the service's reply to Feedback.
type RelevanceResult struct {
	DeltaScore float64 `json:"delta_score"`
}

// Analyzer submits an uploaded image for analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

// RelevanceSubmitter sends relevance feedback for an analyzed photo.
type RelevanceSubmitter interface {
	SubmitRelevance(ctx context.Context, fb Feedback) (RelevanceResult, error)
}
