package reflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ScoredIntent pairs a catalog intent with its embedding similarity
// to the current utterance.
type ScoredIntent struct {
	Intent     *IntentMetamodel
	Similarity float64
}

// IntentSource is the catalog surface the detector needs: nearest
// known intents by embedding, and persistence of newly proposed ones.
type IntentSource interface {
	NearestIntents(ctx context.Context, vector []float32, k int) ([]ScoredIntent, error)
	CreateIntent(ctx context.Context, intent *IntentMetamodel) error
}

// DetectedIntent is the detector's verdict for one utterance.
type DetectedIntent struct {
	// Intent is the matched or newly created intent.
	Intent *IntentMetamodel

	// Confidence is the model's self-reported confidence in [0,1].
	Confidence float64

	// UserVariables are concrete values the model extracted from the
	// utterance (names, dates, quantities) for input mapping.
	UserVariables map[string]any

	// Created reports whether the intent was proposed and persisted
	// during this detection.
	Created bool
}

// IntentDetector resolves a free-form utterance to an intent. It
// embeds the utterance, retrieves the nearest known intents, and asks
// an LLM to either pick one or propose a new UPPER_SNAKE_CASE intent.
// Verdicts below the confidence threshold are rejected as NO_INTENT.
type IntentDetector struct {
	chat       ChatClient
	embeddings EmbeddingClient
	source     IntentSource

	chatModel      string
	embeddingModel string
	temperature    float64
	topK           int
	threshold      float64
	logger         *slog.Logger
}

// IntentDetectorConfig configures an IntentDetector.
type IntentDetectorConfig struct {
	ChatModel      string
	EmbeddingModel string

	// Temperature for the selection call; defaults to 0.
	Temperature float64

	// TopK is how many nearest intents to show the model; defaults
	// to 5.
	TopK int

	// Threshold is the minimum accepted confidence; defaults to 0.4.
	Threshold float64

	Logger *slog.Logger
}

// NewIntentDetector creates a detector.
func NewIntentDetector(chat ChatClient, embeddings EmbeddingClient, source IntentSource, cfg IntentDetectorConfig) (*IntentDetector, error) {
	if chat == nil || embeddings == nil || source == nil {
		return nil, Errorf(CodeValidation, "intent detector requires chat, embedding, and intent source")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentDetector{
		chat:           chat,
		embeddings:     embeddings,
		source:         source,
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		topK:           cfg.TopK,
		threshold:      cfg.Threshold,
		logger:         logger,
	}, nil
}

const detectorSystemPrompt = `You classify a user request against a catalog of known intents.

Respond with a single JSON object:
{"intent": "<NAME of a listed intent, or null>",
 "new_intent": {"name": "<UPPER_SNAKE_CASE>", "description": "<one sentence>"} or null,
 "confidence": <0.0-1.0>,
 "user_variables": {"<variable>": <value extracted from the request>, ...}}

Rules:
- Prefer a listed intent when one genuinely matches the request's goal.
- Propose new_intent only when the request expresses a clear goal no listed intent covers. Names are UPPER_SNAKE_CASE.
- If the request expresses no actionable goal, set both intent and new_intent to null with low confidence.
- user_variables holds concrete values from the request: names, identifiers, dates, quantities, free text to operate on.`

// detectorVerdict is the wire form the LLM must return.
type detectorVerdict struct {
	Intent        *string         `json:"intent"`
	NewIntent     *proposedIntent `json:"new_intent"`
	Confidence    float64         `json:"confidence"`
	UserVariables map[string]any  `json:"user_variables"`
}

type proposedIntent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Detect resolves the utterance to an intent or fails with NO_INTENT.
func (d *IntentDetector) Detect(ctx context.Context, utterance string) (*DetectedIntent, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, Errorf(CodeNoIntent, "empty utterance")
	}

	vector, err := d.embeddings.Embed(ctx, d.embeddingModel, utterance)
	if err != nil {
		return nil, WrapError(CodeNoIntent, err, "embedding utterance")
	}
	candidates, err := d.source.NearestIntents(ctx, vector, d.topK)
	if err != nil {
		return nil, WrapError(CodeNoIntent, err, "retrieving candidate intents")
	}

	temp := d.temperature
	resp, err := d.chat.Complete(ctx, ChatRequest{
		Model:       d.chatModel,
		Messages:    []ChatMessage{
			{Role: "system", Content: detectorSystemPrompt},
			{Role: "user", Content: d.buildPrompt(utterance, candidates)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return nil, WrapError(CodeNoIntent, err, "intent selection call failed")
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		return nil, err
	}
	if verdict.Confidence < d.threshold {
		return nil, Errorf(CodeNoIntent, "confidence %.2f below threshold %.2f", verdict.Confidence, d.threshold)
	}

	if verdict.Intent != nil && *verdict.Intent != "" {
		for _, c := range candidates {
			if c.Intent.Name == *verdict.Intent {
				d.logger.Debug("intent matched",
					"intent", c.Intent.Name, "confidence", verdict.Confidence)
				return &DetectedIntent{
					Intent:        c.Intent,
					Confidence:    verdict.Confidence,
					UserVariables: verdict.UserVariables,
				}, nil
			}
		}
		return nil, Errorf(CodeNoIntent, "model selected %q which was not among the candidates", *verdict.Intent)
	}

	if verdict.NewIntent == nil {
		return nil, Errorf(CodeNoIntent, "no matching intent and no proposal")
	}
	created, err := d.createIntent(ctx, verdict.NewIntent)
	if err != nil {
		return nil, err
	}
	d.logger.Info("intent created",
		"intent", created.Name, "confidence", verdict.Confidence)
	return &DetectedIntent{
		Intent:        created,
		Confidence:    verdict.Confidence,
		UserVariables: verdict.UserVariables,
		Created:       true,
	}, nil
}

func (d *IntentDetector) buildPrompt(utterance string, candidates []ScoredIntent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "USER REQUEST: %s\n\nKNOWN INTENTS:\n", utterance)
	if len(candidates) == 0 {
		b.WriteString("(none)\n")
	}
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s: %s (similarity %.3f)\n", c.Intent.Name, c.Intent.Description, c.Similarity)
	}
	return b.String()
}

// createIntent validates, embeds, and persists a proposed intent.
func (d *IntentDetector) createIntent(ctx context.Context, proposal *proposedIntent) (*IntentMetamodel, error) {
	intent := &IntentMetamodel{
		ID:          uuid.NewString(),
		Name:        proposal.Name,
		Description: proposal.Description,
		AIGenerated: true,
	}
	if err := intent.Validate(); err != nil {
		return nil, WrapError(CodeNoIntent, err, "proposed intent rejected")
	}
	vector, err := d.embeddings.Embed(ctx, d.embeddingModel, intent.Name+": "+intent.Description)
	if err != nil {
		return nil, WrapError(CodeNoIntent, err, "embedding proposed intent")
	}
	intent.Embedding = vector
	if err := d.source.CreateIntent(ctx, intent); err != nil {
		return nil, WrapError(CodeNoIntent, err, "persisting proposed intent")
	}
	return intent, nil
}

func parseVerdict(text string) (*detectorVerdict, error) {
	raw, ok := ExtractJSON(text)
	if !ok {
		return nil, Errorf(CodeStructuredOutputParse, "detector response contains no JSON object")
	}
	var verdict detectorVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, WrapError(CodeStructuredOutputParse, err, "decoding detector verdict")
	}
	return &verdict, nil
}
