package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/salescoach/api/internal/config"
	"github.com/salescoach/api/internal/model"
)

// maxChunkInputChars truncates each chunk sent to the extractor.
const maxChunkInputChars = 2000

// ChunkInput is one chunk submitted to the extractor.
type ChunkInput struct {
	ID   int64
	Text string
}

// Extractor calls a tool-calling LLM endpoint to extract entities, topics
// and sales-framework tags for a batch of chunks in one request.
type Extractor struct {
	llm          llms.Model
	batchTimeout time.Duration
	chunkTimeout time.Duration
}

// NewExtractor creates an extractor against an OpenAI-compatible endpoint.
func NewExtractor(cfg *config.LLMConfig) (*Extractor, error) {
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}
	return &Extractor{
		llm:          client,
		batchTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		chunkTimeout: time.Duration(cfg.ChunkTimeoutSeconds) * time.Second,
	}, nil
}

// NewExtractorWithModel wires an existing model, used by tests.
func NewExtractorWithModel(m llms.Model, batchTimeout, chunkTimeout time.Duration) *Extractor {
	return &Extractor{llm: m, batchTimeout: batchTimeout, chunkTimeout: chunkTimeout}
}

// extractionTool is the fixed output schema the model must call: one result
// per submitted chunk, in order.
var extractionTool = llms.Tool{
	Type: "function",
	Function: &llms.FunctionDefinition{
		Name: "record_extractions",
		Description: "Record entities, topics and sales-framework tags for every chunk, " +
			"in the same order the chunks were given.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"results": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"entities": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"people": map[string]any{
										"type": "array",
										"items": map[string]any{
											"type": "object",
											"properties": map[string]any{
												"name":           map[string]any{"type": "string"},
												"role":           map[string]any{"type": "string"},
												"decision_maker": map[string]any{"type": "boolean"},
											},
											"required": []string{"name"},
										},
									},
									"organizations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
									"competitors":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
									"monetary_mentions": map[string]any{
										"type": "array",
										"items": map[string]any{
											"type": "object",
											"properties": map[string]any{
												"amount":  map[string]any{"type": "string"},
												"context": map[string]any{"type": "string"},
											},
											"required": []string{"amount"},
										},
									},
									"dates": map[string]any{
										"type": "array",
										"items": map[string]any{
											"type": "object",
											"properties": map[string]any{
												"date":    map[string]any{"type": "string"},
												"context": map[string]any{"type": "string"},
											},
											"required": []string{"date"},
										},
									},
									"products": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								},
							},
							"topics": map[string]any{
								"type":  "array",
								"items": map[string]any{"type": "string", "enum": model.Topics},
							},
							"framework_elements": map[string]any{
								"type":  "array",
								"items": map[string]any{"type": "string", "enum": model.FrameworkElements},
							},
						},
					},
				},
			},
			"required": []string{"results"},
		},
	},
}

const extractorSystemPrompt = `You analyze B2B sales call transcript chunks.
For EVERY chunk you receive, extract:
- entities: people (with role and whether they are a decision maker when stated), organizations, competitors, monetary mentions (amount plus context), dates (with context), products
- topics: only tags from the allowed topic list
- framework_elements: only tags from the allowed sales-qualification list
Call the record_extractions tool exactly once with one result per chunk, in the
order the chunks appear. Never skip a chunk; use empty arrays when nothing applies.`

type extractionResults struct {
	Results []model.Extraction `json:"results"`
}

// ExtractBatch extracts entities for all chunks in one tool-calling request.
// Every submitted id is present in the returned map: chunks the model
// skipped or garbled resolve to empty defaults rather than failing the
// batch. Retryable provider failures are retried with exponential backoff.
func (e *Extractor) ExtractBatch(ctx context.Context, inputs []ChunkInput) (map[int64]model.Extraction, error) {
	if len(inputs) == 0 {
		return map[int64]model.Extraction{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.batchTimeout)
	defer cancel()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Extract from the following %d chunks:\n", len(inputs))
	for i, in := range inputs {
		fmt.Fprintf(&sb, "\n--- Chunk %d ---\n%s\n", i+1, truncate(in.Text, maxChunkInputChars))
	}

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, extractorSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, sb.String()),
	}

	var resp *llms.ContentResponse
	err := Retry(ctx, func() error {
		var err error
		resp, err = e.llm.GenerateContent(ctx, content,
			llms.WithTools([]llms.Tool{extractionTool}),
			llms.WithTemperature(0.0),
		)
		return err
	}, retryMaxAttempts, retryBaseDelay)
	if err != nil {
		return nil, &ExternalServiceError{Service: "extraction", Err: err}
	}

	parsed := parseExtractionResponse(resp)

	// Partial credit: every submitted id resolves, missing indices get
	// empty defaults.
	out := make(map[int64]model.Extraction, len(inputs))
	for i, in := range inputs {
		if i < len(parsed) {
			out[in.ID] = sanitizeExtraction(parsed[i])
		} else {
			out[in.ID] = model.EmptyExtraction()
		}
	}
	return out, nil
}

// ExtractChunk is the single-chunk fallback used when a whole batch fails;
// it runs under the tighter per-chunk timeout.
func (e *Extractor) ExtractChunk(ctx context.Context, input ChunkInput) (model.Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.chunkTimeout)
	defer cancel()

	results, err := e.ExtractBatch(ctx, []ChunkInput{input})
	if err != nil {
		return model.Extraction{}, err
	}
	return results[input.ID], nil
}

func parseExtractionResponse(resp *llms.ContentResponse) []model.Extraction {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	for _, call := range resp.Choices[0].ToolCalls {
		if call.FunctionCall == nil || call.FunctionCall.Name != extractionTool.Function.Name {
			continue
		}
		var results extractionResults
		if err := json.Unmarshal([]byte(call.FunctionCall.Arguments), &results); err != nil {
			log.Printf("Extractor returned malformed tool arguments: %v", err)
			return nil
		}
		return results.Results
	}
	return nil
}

// sanitizeExtraction drops tags outside the closed enumerations and
// normalizes nil slices.
func sanitizeExtraction(ex model.Extraction) model.Extraction {
	topics := make([]string, 0, len(ex.Topics))
	for _, t := range ex.Topics {
		if model.ValidTopic(t) {
			topics = append(topics, t)
		}
	}
	framework := make([]string, 0, len(ex.FrameworkElements))
	for _, f := range ex.FrameworkElements {
		if model.ValidFrameworkElement(f) {
			framework = append(framework, f)
		}
	}
	ex.Topics = topics
	ex.FrameworkElements = framework
	return ex
}
