package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.30
	geminiOutputPricePerMillion = 2.50
)

const inspectionPrompt = `You are a city inspector reviewing a photo submitted by a citizen.
The photo was taken at latitude %.6f, longitude %.6f (%s).

Identify any civic issue visible in the photo, such as potholes, broken street lights, illegal dumping, damaged sidewalks, graffiti or fallen trees.

Respond in JSON format with these fields:
- issue_detected: true if a civic issue is visible, false otherwise
- category: short snake_case category of the issue (empty string if none)
- description: one or two sentences describing the issue
- severity: one of "low", "medium", "high" (empty string if none)
- confidence: number between 0 and 1

Example response:
{"issue_detected": true, "category": "pothole", "description": "A deep pothole in the right lane next to the curb.", "severity": "high", "confidence": 0.92}

Respond ONLY with the JSON object, no markdown or other text.`

// GeminiConfig configures GeminiAnalyzer.
type GeminiConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// GeminiAnalyzer analyzes uploaded images in-process with a Gemini vision
// model instead of the remote service.
type GeminiAnalyzer struct {
	client     *genai.Client
	model      string
	downloader *resty.Client
}

// NewGeminiAnalyzer creates a Gemini-backed analyzer.
func NewGeminiAnalyzer(ctx context.Context, cfg GeminiConfig) (*GeminiAnalyzer, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiAnalyzer{
		client: client,
		model:  model,
		downloader: resty.New().
			SetDebug(false).
			SetTimeout(30 * time.Second),
	}, nil
}

// Analyze fetches the image from req.ImageURL and asks the model about it.
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res, err := g.downloader.R().SetContext(ctx).Get(req.ImageURL)
	if err != nil {
		return nil, failure.Wrap(failure.KindNetwork, err, "Network error: "+err.Error())
	}
	if res.IsError() {
		fe := failure.New(failure.KindAPI, fmt.Sprintf("failed to fetch image: %d", res.StatusCode()))
		fe.StatusCode = res.StatusCode()
		return nil, fe
	}

	mimeType := res.Header().Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(res.Body())
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(buildInspectionPrompt(req.Location)),
			{InlineData: &genai.Blob{Data: res.Body(), MIMEType: mimeType}},
		}, genai.RoleUser),
	}

	out, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, failure.Wrap(failure.KindAPI, err, "failed to generate content")
	}
	if len(out.Candidates) == 0 || out.Candidates[0].Content == nil || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, failure.New(failure.KindAPI, "no response from Gemini")
	}

	result, err := parseModelResult(out.Text())
	if err != nil {
		return nil, failure.Wrap(failure.KindAPI, err, "")
	}
	result["user_id"] = req.UserID
	result["image_url"] = req.ImageURL

	event := log.Info().Str("model", g.model).Str("imageUrl", req.ImageURL)
	if out.UsageMetadata != nil {
		in := int64(out.UsageMetadata.PromptTokenCount)
		o := int64(out.UsageMetadata.CandidatesTokenCount)
		event = event.
			Int64("inputTokens", in).
			Int64("outputTokens", o).
			Float64("costUSD", float64(in)/1_000_000*geminiInputPricePerMillion+float64(o)/1_000_000*geminiOutputPricePerMillion)
	}
	event.Msg("vision llm call")

	return result, nil
}

func buildInspectionPrompt(loc Location) string {
	place := strings.Trim(strings.Join([]string{loc.City, loc.Country}, ", "), ", ")
	if place == "" {
		place = "unknown place"
	}
	return fmt.Sprintf(inspectionPrompt, loc.Latitude, loc.Longitude, place)
}

// parseModelResult extracts the JSON object from model output that may be
// wrapped in markdown.
func parseModelResult(text string) (Result, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response: %s", text)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return Result(obj), nil
}
