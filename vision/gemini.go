package vision

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
	"github.com/lithammer/dedent"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"waste-pricing/waste"
)

const DefaultGeminiModel = "gemini-2.5-flash"

var detectionPrompt = strings.TrimSpace(dedent.Dedent(`
	You are inspecting a photo submitted with a waste cleanup request.
	List every distinct pile or object of waste you can see.

	Respond in JSON with this shape:
	{"items": [{"waste_type": "...", "quantity": "...", "confidence": 0.0,
	  "description": "...", "estimated_weight_kg": 0.0, "estimated_volume_m3": 0.0}],
	 "total_confidence": 0.0}

	waste_type is one of: plastic, glass, metal, organic, paper, mixed.
	quantity is one of: small, medium, large, very_large.
	confidence and total_confidence are between 0 and 1.
	Use 0 for weight or volume you cannot estimate.
	If there is no waste in the photo, return {"items": [], "total_confidence": 0}.
`))

type GeminiConfig struct {
	APIKey         string
	Model          string
	RequestsPerSec float64
	FetchTimeout   time.Duration
}

// GeminiAnalyzer fetches each image and asks Gemini for its detections.
type GeminiAnalyzer struct {
	client  *genai.Client
	http    *resty.Client
	limiter *rate.Limiter
	model   string
}

func NewGeminiAnalyzer(ctx context.Context, cfg GeminiConfig) (*GeminiAnalyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GeminiAnalyzer{
		client:  client,
		http:    resty.New().SetDebug(false).SetTimeout(timeout),
		limiter: rate.NewLimiter(limit, 1),
		model:   model,
	}, nil
}

func (g *GeminiAnalyzer) AnalyzeImage(ctx context.Context, imageURL string) (*waste.WasteAnalysisResult, error) {
	data, mimeType, err := fetchImage(ctx, g.http, imageURL)
	if err != nil {
		return nil, err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(detectionPrompt),
		{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}},
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from Gemini for %s", imageURL)
	}

	text := result.Text()
	log.Debugf("Gemini detections for %s: %s", imageURL, text)
	return ParseDetections(text, imageURL)
}

// fetchImage downloads an image and determines its MIME type, sniffing the
// bytes when the server does not say.
func fetchImage(ctx context.Context, client *resty.Client, imageURL string) ([]byte, string, error) {
	res, err := client.R().SetContext(ctx).Get(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch image %s: %w", imageURL, err)
	}
	if res.IsError() {
		return nil, "", fmt.Errorf("failed to fetch image %s: status %d", imageURL, res.StatusCode())
	}

	data := res.Body()
	if len(data) == 0 {
		return nil, "", fmt.Errorf("image %s is empty", imageURL)
	}
	mimeType := strings.TrimSpace(strings.Split(res.Header().Get("Content-Type"), ";")[0])
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", fmt.Errorf("%s is not an image (%s)", imageURL, mimeType)
	}
	return data, mimeType, nil
}
