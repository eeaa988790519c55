package elmer

/*------------------------------------------------------------------
 *
 * Name:	anthropic
 *
 * Purpose:	Minimal client for the Anthropic Messages API: exactly
 *		the request and response shapes the turn engine needs,
 *		including tool definitions and tool_use content blocks.
 *
 * Description:	Transport-level retries ride on retryablehttp; the
 *		agentic loop lives in the turn engine, which talks to
 *		this client through the LLMClient interface so tests
 *		can substitute a canned model.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	ANTHROPIC_API_URL     = "https://api.anthropic.com/v1/messages"
	ANTHROPIC_API_VERSION = "2023-06-01"
)

// ContentBlock is one element of a message's content array.  Type
// selects which fields matter: "text" carries Text; "tool_use"
// carries ID, Name, Input; "tool_result" carries ToolUseID, Content.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// APIMessage is one conversation turn on the wire.  Content is either
// a plain string or a []ContentBlock.
type APIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// SchemaProp describes one property of a tool's input schema.
type SchemaProp struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

type InputSchema struct {
	Type       string                `json:"type"`
	Properties map[string]SchemaProp `json:"properties,omitempty"`
	Required   []string              `json:"required"`
}

type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

type MessagesRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	System      string           `json:"system,omitempty"`
	Messages    []APIMessage     `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is what the query log records.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

type MessagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Content    []ContentBlock `json:"content"`
	Usage      Usage          `json:"usage"`
}

// TextContent concatenates the text blocks of the response.
func (r *MessagesResponse) TextContent() string {
	var buf bytes.Buffer
	for _, block := range r.Content {
		if block.Type == "text" {
			buf.WriteString(block.Text)
		}
	}

	return buf.String()
}

// LLMClient is the stateless model call the turn engine drives.
type LLMClient interface {
	Messages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error)
}

/*-------------------------------------------------------------------
 *
 * Name:	AnthropicClient
 *
 *---------------------------------------------------------------*/

type AnthropicClient struct {
	apiKey  string
	baseURL string
	http    *retryablehttp.Client
	log     *log.Logger
}

func NewAnthropicClient(apiKey string, logger *log.Logger) *AnthropicClient {
	if logger == nil {
		logger = log.Default()
	}

	var client = retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 8 * time.Second
	client.HTTPClient.Timeout = 60 * time.Second
	client.Logger = nil

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: ANTHROPIC_API_URL,
		http:    client,
		log:     logger.WithPrefix("claude"),
	}
}

// apiError is the JSON body of a non-2xx reply.
type apiError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Messages performs one model call.
func (c *AnthropicClient) Messages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", ANTHROPIC_API_VERSION)

	var started = time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Connection error: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Connection error: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error: %s", apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	var out MessagesResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.log.Debug("model reply",
		"stop", out.StopReason,
		"tokens", out.Usage.Total(),
		"ms", time.Since(started).Milliseconds())

	return &out, nil
}
