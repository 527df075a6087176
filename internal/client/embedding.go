package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/salescoach/api/internal/config"
)

const (
	// maxEmbeddingInputChars truncates input to the provider's accepted
	// length before sending.
	maxEmbeddingInputChars = 8000
	maxEmbedAttempts       = 3
	// maxThrottleDelay caps the doubling backoff between throttled attempts.
	maxThrottleDelay = 10 * time.Second
)

// EmbeddingClient calls an OpenAI-compatible embeddings endpoint.
type EmbeddingClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewEmbeddingClient creates a new embedding service client.
func NewEmbeddingClient(cfg *config.EmbeddingConfig) *EmbeddingClient {
	return &EmbeddingClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// IsConfigured returns true if the client has valid configuration.
func (c *EmbeddingClient) IsConfigured() bool {
	return c.apiKey != ""
}

// EmbedText generates the embedding vector for one text. Throttling
// responses are retried with the provider's retry-after hint when present,
// otherwise a doubling delay capped at 10s; any other failure, including a
// malformed vector, fails immediately.
func (c *EmbeddingClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	text = truncate(text, maxEmbeddingInputChars)

	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxEmbedAttempts; attempt++ {
		vector, retryAfter, err := c.embedOnce(ctx, text)
		if err == nil {
			return vector, nil
		}
		lastErr = err

		if !isThrottled(err) {
			return nil, &ExternalServiceError{Service: "embedding", Err: err}
		}
		if attempt == maxEmbedAttempts {
			break
		}

		if retryAfter > 0 {
			delay = retryAfter
		} else {
			delay *= 2
		}
		if delay > maxThrottleDelay {
			delay = maxThrottleDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, &ExternalServiceError{Service: "embedding", Err: lastErr}
}

func (c *EmbeddingClient) embedOnce(ctx context.Context, text string) ([]float32, time.Duration, error) {
	reqBody := embeddingRequest{
		Model: c.model,
		Input: []string{text},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), string(respBody))
		return nil, retryAfter, &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, 0, fmt.Errorf("response contains no embedding vector")
	}

	return embResp.Data[0].Embedding, 0, nil
}

// truncate clips s to at most max bytes, backing off to a rune boundary so
// the provider never receives a split multi-byte character.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func isThrottled(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusTooManyRequests
}

// retryAfterRe matches "retry after 3s", "try again in 2.5 seconds" and
// similar phrasings providers put in throttling error bodies.
var retryAfterRe = regexp.MustCompile(`(?i)(?:retry|try)[ -]?(?:again)?[ ]?(?:after|in)[ ]+(\d+(?:\.\d+)?)\s*s`)

func parseRetryAfter(header, body string) time.Duration {
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	m := retryAfterRe.FindStringSubmatch(body)
	if len(m) == 2 {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}
