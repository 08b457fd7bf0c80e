package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/classify"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
)

const defaultPromptModel = "gpt-4o-mini"

// Delivery is how a line should be performed on camera.
type Delivery struct {
	Emotion    string `json:"emotion"`
	Intensity  string `json:"intensity"`
	Expression string `json:"suggested_expression"`
	Gestures   string `json:"suggested_gestures"`
	Posture    string `json:"suggested_posture"`
	Style      string `json:"delivery_style"`
}

var defaultDelivery = Delivery{
	Emotion:    "neutral",
	Intensity:  "medium",
	Expression: "natural engaged expression",
	Gestures:   "natural hand movements",
	Posture:    "upright attentive posture",
	Style:      "conversational natural delivery",
}

// merge fills empty fields of d from def.
func (d Delivery) merge(def Delivery) Delivery {
	pick := func(v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	}
	return Delivery{
		Emotion:    pick(d.Emotion, def.Emotion),
		Intensity:  pick(d.Intensity, def.Intensity),
		Expression: pick(d.Expression, def.Expression),
		Gestures:   pick(d.Gestures, def.Gestures),
		Posture:    pick(d.Posture, def.Posture),
		Style:      pick(d.Style, def.Style),
	}
}

// PromptService builds the Veo prompt for a clip. When an OpenAI client is
// configured, the dialogue is analysed for delivery cues first; that call is
// optional and its failures never fail the clip.
type PromptService struct {
	client   *openai.Client // nil disables enrichment
	model    string
	language string
	duration int
}

// NewPromptService returns a prompt builder. An empty apiKey disables enrichment.
func NewPromptService(apiKey, model string) *PromptService {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}
	return newPromptService(client, model)
}

func newPromptService(client *openai.Client, model string) *PromptService {
	if model == "" {
		model = defaultPromptModel
	}
	return &PromptService{client: client, model: model, language: "English", duration: 8}
}

// ForJob returns a copy using the job's spoken language and clip duration.
func (s *PromptService) ForJob(language string, durationSeconds int) *PromptService {
	c := *s
	if language != "" {
		c.language = language
	}
	if durationSeconds > 1 {
		c.duration = durationSeconds
	}
	return &c
}

// BuildPrompt implements generator.PromptBuilder.
func (s *PromptService) BuildPrompt(ctx context.Context, in generator.PromptInput) (string, error) {
	delivery := defaultDelivery
	if s.client != nil && strings.TrimSpace(in.Dialogue) != "" {
		d, err := s.analyzeDialogue(ctx, in.Dialogue)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			ce := classify.Classify(err)
			log.Printf("[Prompt] Clip %d: dialogue analysis unavailable (%s), using defaults: %v", in.ClipIndex, ce.Code, err)
		} else {
			delivery = d.merge(defaultDelivery)
		}
	}
	return s.render(in, delivery), nil
}

func (s *PromptService) render(in generator.PromptInput, d Delivery) string {
	speechEnd := float64(s.duration) - 1

	var b strings.Builder
	b.WriteString("Medium shot, static locked-off camera, sharp focus on subject. Realistic vertical video.\n\n")
	fmt.Fprintf(&b, "The subject in the frame speaks directly to camera with %s, %s, %s.\n\n", d.Expression, d.Posture, d.Gestures)
	if in.EndFrame != "" && in.EndFrame != in.StartFrame {
		b.WriteString("Keep the subject, clothing and setting consistent from the first frame to the last frame.\n\n")
	}
	fmt.Fprintf(&b, "Character says in %s: \"%s\"\n\n", s.language, strings.TrimSpace(in.Dialogue))
	fmt.Fprintf(&b, "Voice: natural voice. %s, %s emotion, %s intensity.\n\n", d.Style, d.Emotion, d.Intensity)
	b.WriteString("Ambient noise: quiet room, no music.\n\n")
	fmt.Fprintf(&b, "Style: Raw realistic footage, natural lighting, photorealistic. Speech timing: 0s to %.1fs, then 1s of silent ambience.\n\n", speechEnd)
	b.WriteString("No subtitles, no text overlays, no captions, no watermarks. No on-screen text of any kind. No morphing, no face distortion, no jerky movements.\n\n")
	b.WriteString("(no subtitles)")
	return b.String()
}

const deliverySystemPrompt = `You analyze dialogue lines to determine appropriate non-verbal communication for a talking-head video.

Given a line of dialogue, determine:
1. emotion: primary emotion (excited, happy, sad, angry, thoughtful, surprised, worried, confident, neutral, empathetic, curious, skeptical)
2. intensity: low, medium or high
3. suggested_expression: a specific facial expression
4. suggested_gestures: hand and arm gestures
5. suggested_posture: body posture
6. delivery_style: how to speak the line

Respond ONLY with a JSON object with exactly these keys.`

func (s *PromptService) analyzeDialogue(ctx context.Context, line string) (Delivery, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: deliverySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Dialogue line (%s): %q", s.language, line)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return Delivery{}, classify.Optional("openai", fmt.Errorf("failed to analyze dialogue: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Delivery{}, classify.Optional("openai", fmt.Errorf("no choices in response"))
	}

	var d Delivery
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return Delivery{}, classify.Optional("openai", fmt.Errorf("failed to parse delivery JSON: %w", err))
	}
	return d, nil
}
