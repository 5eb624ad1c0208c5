package sight

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// VisionAnalyzer gives an opinion on which building an image shows.
// hints are candidate names the model may choose from.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, image []byte, hints []string) (*VisionResult, error)
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GeminiVision calls a Gemini generateContent endpoint
type GeminiVision struct {
	httpClient *resty.Client
	model      string
	apiKey     string
	logger     *zap.Logger
}

// NewGeminiVision creates a vision client
func NewGeminiVision(cfg VisionConfig, logger *zap.Logger) *GeminiVision {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &GeminiVision{httpClient: client, model: cfg.Model, apiKey: cfg.APIKey, logger: logger}
}

func visionPrompt(hints []string) string {
	var b strings.Builder
	b.WriteString("Identify the building in the centre of this photo. ")
	if len(hints) > 0 {
		b.WriteString("It is probably one of: ")
		b.WriteString(strings.Join(hints, "; "))
		b.WriteString(". ")
	}
	b.WriteString(`Reply with JSON only: {"buildingIdentified": bool, "confidence": number 0-1, "buildingName": string}.`)
	return b.String()
}

// Analyze sends the JPEG inline and parses the model's JSON reply
func (g *GeminiVision) Analyze(ctx context.Context, image []byte, hints []string) (*VisionResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: visionPrompt(hints)},
			{InlineData: &geminiInlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(image)}},
		}}},
		GenerationConfig: map[string]any{"responseMimeType": "application/json"},
	}

	var out geminiResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetQueryParam("key", g.apiKey).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", g.model))
	if err != nil {
		return nil, fmt.Errorf("vision request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vision API returned status %d", resp.StatusCode())
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("vision API returned no content")
	}

	text := strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")

	var result VisionResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &result); err != nil {
		return nil, fmt.Errorf("decoding vision reply: %w", err)
	}
	g.logger.Debug("Vision analysis",
		zap.Bool("identified", result.BuildingIdentified),
		zap.Float64("confidence", result.Confidence),
		zap.String("building", result.BuildingName),
	)
	return &result, nil
}

// AttributeVision assigns a vision result to the candidates it names.
// A name matches when either string contains the other, ignoring case.
// A negative result is attributed to every candidate.
func AttributeVision(result *VisionResult, candidates []BuildingCandidate) map[string]*VisionResult {
	out := make(map[string]*VisionResult)
	if result == nil {
		return out
	}
	if !result.BuildingIdentified {
		for _, c := range candidates {
			out[c.ID] = result
		}
		return out
	}
	name := strings.ToLower(strings.TrimSpace(result.BuildingName))
	if name == "" {
		return out
	}
	for _, c := range candidates {
		cn := strings.ToLower(strings.TrimSpace(c.Name))
		if cn == "" {
			continue
		}
		if strings.Contains(cn, name) || strings.Contains(name, cn) {
			out[c.ID] = result
		}
	}
	return out
}
