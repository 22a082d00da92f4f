// Package workersai implements an eino chat model backed by the Cloudflare
// Workers AI REST endpoint.
package workersai

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
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// DefaultBaseURL is the public Workers AI API root.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// Config carries the two deploy-time secrets plus the model identifier.
type Config struct {
	AccountID string
	APIToken  string
	Model     string
	BaseURL   string
	Timeout   time.Duration

	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

// ChatModel calls POST {base}/accounts/{accountId}/ai/run/{model} with the
// standard messages payload.
type ChatModel struct {
	cfg    Config
	client *http.Client
	runURL string
}

var _ model.ChatModel = (*ChatModel)(nil)

// NewChatModel validates the configuration and builds the client.
func NewChatModel(cfg Config) (*ChatModel, error) {
	if cfg.AccountID == "" || cfg.APIToken == "" || cfg.Model == "" {
		return nil, errors.New("workersai: account id, api token and model are required")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &ChatModel{
		cfg:    cfg,
		client: client,
		runURL: fmt.Sprintf("%s/accounts/%s/ai/run/%s", base, cfg.AccountID, cfg.Model),
	}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type runRequest struct {
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type runResponse struct {
	Result struct {
		Response *string `json:"response"`
	} `json:"result"`
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Generate performs a single blocking inference call. Any deviation from the
// expected result.response shape is reported as an error: the caller decides
// how to mask it.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	resp, err := m.do(ctx, input, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("workersai: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("workersai: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	var decoded runResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("workersai: decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("workersai: api error %d: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)
	}
	if decoded.Result.Response == nil {
		return nil, errors.New("workersai: response missing result.response field")
	}

	return schema.AssistantMessage(*decoded.Result.Response, nil), nil
}

type streamChunk struct {
	Response string `json:"response"`
}

// Stream performs an SSE inference call, yielding one assistant message per
// delta. The reader is closed when the endpoint sends its [DONE] marker.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	resp, err := m.do(ctx, input, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("workersai: unexpected status %d: %s", resp.StatusCode, truncate(body))
	}

	reader, writer := schema.Pipe[*schema.Message](8)

	go func() {
		defer writer.Close()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				if payload == "[DONE]" {
					return
				}
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				writer.Send(nil, fmt.Errorf("workersai: decode stream chunk: %w", err))
				return
			}
			if chunk.Response == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(chunk.Response, nil), nil); closed {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			writer.Send(nil, fmt.Errorf("workersai: read stream: %w", err))
		}
	}()

	return reader, nil
}

// BindTools is required by the eino interface; Workers AI text generation
// models here are used without tool calling.
func (m *ChatModel) BindTools([]*schema.ToolInfo) error {
	return errors.New("workersai: tool calling is not supported")
}

func (m *ChatModel) do(ctx context.Context, input []*schema.Message, stream bool) (*http.Response, error) {
	payload := runRequest{
		Messages: make([]wireMessage, 0, len(input)),
		Stream:   stream,
	}
	for _, msg := range input {
		if msg == nil {
			continue
		}
		payload.Messages = append(payload.Messages, wireMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("workersai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.runURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workersai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workersai: request failed: %w", err)
	}
	return resp, nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
