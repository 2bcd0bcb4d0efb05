package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter is a Provider backed by an OpenRouter-compatible chat
// completions API with SSE token streaming.
type OpenRouter struct {
	apiKey  string
	baseURL string
	referer string
	client  *http.Client
}

func NewOpenRouter(cfg *config.Config) *OpenRouter {
	base := cfg.Provider.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	timeout := time.Duration(cfg.Provider.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OpenRouter{
		apiKey:  cfg.Provider.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		referer: cfg.Provider.Referer,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
		Delta   ChatMessage `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenRouter) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("provider api key not configured")
	}
	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: req.Messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.referer != "" {
		hr.Header.Set("HTTP-Referer", p.referer)
	}
	hr.Header.Set("X-Title", "R3 Chat")
	return hr, nil
}

// Stream opens an SSE stream and forwards text deltas until the provider
// sends the [DONE] marker or the context is cancelled.
func (p *OpenRouter) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	hr, err := p.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	logger.Info("provider_stream_started", "model", req.Model, "messages", len(req.Messages))
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			// Skip empty lines and [DONE] markers
			if line == "" || line == "data: [DONE]" {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var cr chatResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cr); err != nil {
				logger.Debug("provider_sse_parse_skip", "error", err)
				continue
			}
			if cr.Error != nil {
				out <- Chunk{Err: fmt.Errorf("provider error: %s", cr.Error.Message)}
				return
			}
			if len(cr.Choices) == 0 {
				continue
			}
			if delta := cr.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- Chunk{Delta: delta}:
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("provider_stream_read_failed", "error", err)
			out <- Chunk{Err: err}
		}
	}()
	return out, nil
}

// Complete performs a single non-streaming generation pass.
func (p *OpenRouter) Complete(ctx context.Context, req Request) (string, error) {
	hr, err := p.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(hr)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("provider error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("no response from provider")
	}
	return cr.Choices[0].Message.Content, nil
}
