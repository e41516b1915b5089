package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/mpadronm90/simple-chatbot-platoform/internal/domain"
)

const defaultModel = "gpt-4o-mini"

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamReader is satisfied by paramstore.Client.
type ParamReader interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type settings struct {
	model string
}

// Client streams chat completions through the official SDK. Credentials and
// the default model live in SSM and are read on first use.
type Client struct {
	params      ParamReader
	paramPrefix string
	baseURL     string
	httpClient  *http.Client
	extra       []option.RequestOption

	mu       sync.Mutex
	resolved *settings
	sdk      openai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRequestOptions appends raw SDK options, applied after the defaults.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *Client) {
		c.extra = append(c.extra, opts...)
	}
}

func NewClient(params ParamReader, paramPrefix string, opts ...Option) (*Client, error) {
	if params == nil {
		return nil, errors.New("openai: param reader must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		params:      params,
		paramPrefix: paramPrefix,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) modelParameterName() string {
	return c.paramPrefix + "/config/openai_model"
}

// resolve loads settings once per process. A failed load is not cached, so
// the next call retries.
func (c *Client) resolve(ctx context.Context) (*settings, openai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved != nil {
		return c.resolved, c.sdk, nil
	}

	values, err := c.params.GetParameters(ctx, c.tokenParameterName(), c.modelParameterName())
	if err != nil {
		return nil, openai.Client{}, fmt.Errorf("openai: load settings from paramstore: %w", err)
	}
	key, err := parseToken(values[c.tokenParameterName()])
	if err != nil {
		return nil, openai.Client{}, err
	}
	model := strings.TrimSpace(values[c.modelParameterName()])
	if model == "" {
		model = defaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(c.baseURL, "/")+"/"))
	}
	if c.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(c.httpClient))
	}
	reqOpts = append(reqOpts, c.extra...)

	c.resolved = &settings{model: model}
	c.sdk = openai.NewClient(reqOpts...)
	return c.resolved, c.sdk, nil
}

func parseToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}

// Stream starts a streaming completion. The returned channel carries text
// events followed by exactly one done or error event, then closes.
func (c *Client) Stream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	cfg, sdk, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	messages, err := buildMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = cfg.model
	}

	stream := sdk.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	})

	events := make(chan domain.StreamEvent, 100)
	go handleStream(ctx, stream, events)
	return events, nil
}

func buildMessages(in []domain.ChatMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for _, m := range in {
		switch domain.Role(m.Role) {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

// handleStream stops as soon as ctx is done, even when nobody is reading.
func handleStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- domain.StreamEvent) {
	defer close(events)
	defer func() { _ = stream.Close() }()

	send := func(ev domain.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !send(domain.StreamEvent{Type: domain.StreamEventText, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		send(domain.StreamEvent{Type: domain.StreamEventError, Error: classify(err)})
		return
	}
	send(domain.StreamEvent{Type: domain.StreamEventDone})
}

// classify turns SDK API errors into HTTPStatusError so callers can branch on
// the status without importing the SDK.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		statusErr := &HTTPStatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		if apiErr.Request != nil && apiErr.Request.URL != nil {
			statusErr.URL = apiErr.Request.URL.String()
		}
		return statusErr
	}
	return fmt.Errorf("openai: stream failed: %w", err)
}
