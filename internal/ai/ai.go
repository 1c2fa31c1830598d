// Package ai is the client side of the streaming completion service used for
// code edits and fixes.
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type Operation string

const (
	OperationEdit Operation = "edit"
	OperationFix  Operation = "fix"
)

// Request asks for an edit of Source following Instructions, or for a fix of
// Source given the Error it produced.
type Request struct {
	Operation    Operation `json:"operation"`
	Language     string    `json:"language"`
	Source       string    `json:"source"`
	Instructions string    `json:"instructions,omitempty"`
	Error        string    `json:"error,omitempty"`
	Dataframes   []string  `json:"dataframes,omitempty"`
}

type Completion struct {
	Text         string `json:"text"`
	FinishReason string `json:"finishReason"`
}

// Client streams a completion. onPartial gets the text accumulated so far each
// time it grows.
type Client interface {
	Stream(ctx context.Context, req Request, onPartial func(string)) (Completion, error)
}

// ErrEmptyCompletion means the model produced no text.
var ErrEmptyCompletion = errors.New("empty completion")

// HTTPClient posts to {base}/v1/completions and reads newline-delimited JSON
// chunks: {"delta": "..."} while streaming, {"done": true, "finishReason": "..."}
// at the end or {"error": "..."} on failure. Cancelling ctx closes the stream.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{},
	}
}

type chunk struct {
	Delta        string `json:"delta"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finishReason"`
	Error        string `json:"error"`
}

func (c *HTTPClient) Stream(ctx context.Context, req Request, onPartial func(string)) (Completion, error) {
	if c.baseURL == "" {
		return Completion{}, fmt.Errorf("ai base url is not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Completion{}, fmt.Errorf("completion upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var text strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ch chunk
		if err := json.Unmarshal(line, &ch); err != nil {
			return Completion{}, fmt.Errorf("decode completion chunk: %w", err)
		}
		if ch.Error != "" {
			return Completion{}, fmt.Errorf("completion failed: %s", ch.Error)
		}
		if ch.Delta != "" {
			text.WriteString(ch.Delta)
			if onPartial != nil {
				onPartial(text.String())
			}
		}
		if ch.Done {
			return finish(text.String(), ch.FinishReason)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Completion{}, context.Cause(ctx)
		}
		return Completion{}, fmt.Errorf("read completion stream: %w", err)
	}
	return finish(text.String(), "eof")
}

func finish(text, reason string) (Completion, error) {
	if strings.TrimSpace(text) == "" {
		return Completion{}, ErrEmptyCompletion
	}
	return Completion{Text: text, FinishReason: reason}, nil
}
