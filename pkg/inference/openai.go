package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/figaro/pkg/conversation"
)

// OpenAIClient streams chat completions from an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client       *go_openai.Client
	apiKey       string
	baseURL      string
	httpClient   go_openai.HTTPDoer
	defaultModel string
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for the given endpoint. baseURL may be
// empty to use the official API.
func NewOpenAIClient(apiKey string, baseURL string, defaultModel string) *OpenAIClient {
	cfg := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:       go_openai.NewClientWithConfig(cfg),
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   cfg.HTTPClient,
		defaultModel: defaultModel,
	}
}

// StreamCompletion issues the streaming request and decodes chunks into
// Deltas. The returned channel is closed on natural exhaustion and on
// cancellation; a protocol failure is delivered as a final Delta with Err
// set.
//
// Prompts carrying audio parts take a hand-marshaled request path: the
// go-openai message types have no input_audio content part, so the request
// body is built from wire structs and the SSE response decoded directly.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, prompt []PromptMessage, opts Options) (<-chan Delta, error) {
	if hasAudioParts(prompt) {
		return c.streamMultipart(ctx, prompt, opts)
	}

	req, err := c.makeRequest(prompt, opts)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("model", req.Model).Int("num_messages", len(req.Messages)).Msg("starting completion stream")
	stream, err := c.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create completion stream")
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer func() {
			if err := stream.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close completion stream")
			}
		}()

		start := time.Now()
		chunkCount := 0
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				log.Debug().Int("chunks_received", chunkCount).Msg("completion stream ended")
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					// caller-initiated wind-down, not a protocol failure
					log.Debug().Int("chunks_received", chunkCount).Msg("completion stream cancelled")
					return
				}
				log.Error().Err(err).Int("chunks_received", chunkCount).Msg("completion stream receive failed")
				deliver(ctx, out, Delta{Err: err})
				return
			}
			chunkCount++

			delta, ok := chunkToDelta(response, start)
			if !ok {
				continue
			}
			if !deliver(ctx, out, delta) {
				return
			}
		}
	}()
	return out, nil
}

// chunkToDelta maps one decoded stream chunk onto the Delta contract. The
// second return is false when the chunk carries nothing worth publishing.
func chunkToDelta(response go_openai.ChatCompletionStreamResponse, start time.Time) (Delta, bool) {
	delta := Delta{Model: response.Model}
	if len(response.Choices) > 0 {
		delta.Text = response.Choices[0].Delta.Content
	}
	if response.Usage != nil {
		durationMs := time.Since(start).Milliseconds()
		timing := &conversation.TimingStats{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
			DurationMs:   durationMs,
		}
		if durationMs > 0 {
			timing.TokensPerSecond = float64(response.Usage.CompletionTokens) / (float64(durationMs) / 1000.0)
		}
		delta.Timing = timing
	}
	if delta.Text == "" && delta.Timing == nil && delta.Model == "" {
		return Delta{}, false
	}
	return delta, true
}

// deliver sends a delta unless the stream context is cancelled. It never
// times out: a slow consumer (a stalled event sink downstream) gets
// backpressure, not a truncated stream — dropping a terminal error delta
// would turn a transport failure into a committed partial reply.
func deliver(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *OpenAIClient) resolveModel(opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return "", errors.New("no model specified")
	}
	return model, nil
}

func (c *OpenAIClient) makeRequest(prompt []PromptMessage, opts Options) (*go_openai.ChatCompletionRequest, error) {
	model, err := c.resolveModel(opts)
	if err != nil {
		return nil, err
	}

	messages := make([]go_openai.ChatCompletionMessage, 0, len(prompt))
	for _, pm := range prompt {
		msg, err := makeChatMessage(pm)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	req := &go_openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &go_openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req, nil
}

func makeChatMessage(pm PromptMessage) (go_openai.ChatCompletionMessage, error) {
	msg := go_openai.ChatCompletionMessage{Role: string(pm.Role)}

	// single text part collapses to plain content, which keeps system
	// prompts compatible with endpoints that reject multi-part messages
	if len(pm.Parts) == 1 && pm.Parts[0].Kind == PartKindText {
		msg.Content = pm.Parts[0].Text
		return msg, nil
	}

	for _, part := range pm.Parts {
		switch part.Kind {
		case PartKindText:
			msg.MultiContent = append(msg.MultiContent, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case PartKindImage:
			msg.MultiContent = append(msg.MultiContent, go_openai.ChatMessagePart{
				Type: go_openai.ChatMessagePartTypeImageURL,
				ImageURL: &go_openai.ChatMessageImageURL{
					URL:    part.ImageURL,
					Detail: go_openai.ImageURLDetailAuto,
				},
			})
		case PartKindAudio:
			// audio prompts are routed to the wire-struct request body
			return go_openai.ChatCompletionMessage{}, errors.New("audio parts require the multipart request body")
		default:
			return go_openai.ChatCompletionMessage{}, errors.Errorf("unsupported prompt part kind %q", part.Kind)
		}
	}
	return msg, nil
}

func hasAudioParts(prompt []PromptMessage) bool {
	for _, pm := range prompt {
		for _, part := range pm.Parts {
			if part.Kind == PartKindAudio {
				return true
			}
		}
	}
	return false
}

// Wire structs for the chat completions request body. go-openai's typed
// message parts stop at text and image_url, so prompts with input_audio
// parts are marshaled from these instead.
type wireImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type wireInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type wireContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ImageURL   *wireImageURL   `json:"image_url,omitempty"`
	InputAudio *wireInputAudio `json:"input_audio,omitempty"`
}

type wireMessage struct {
	Role string `json:"role"`
	// Content is a plain string for single-text messages and a
	// []wireContentPart list otherwise.
	Content interface{} `json:"content"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Stream        bool               `json:"stream"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
	Temperature   *float32           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
}

func makeWireMessage(pm PromptMessage) (wireMessage, error) {
	msg := wireMessage{Role: string(pm.Role)}
	if len(pm.Parts) == 1 && pm.Parts[0].Kind == PartKindText {
		msg.Content = pm.Parts[0].Text
		return msg, nil
	}

	parts := make([]wireContentPart, 0, len(pm.Parts))
	for _, part := range pm.Parts {
		switch part.Kind {
		case PartKindText:
			parts = append(parts, wireContentPart{Type: "text", Text: part.Text})
		case PartKindImage:
			parts = append(parts, wireContentPart{
				Type:     "image_url",
				ImageURL: &wireImageURL{URL: part.ImageURL, Detail: "auto"},
			})
		case PartKindAudio:
			parts = append(parts, wireContentPart{
				Type:       "input_audio",
				InputAudio: &wireInputAudio{Data: part.AudioData, Format: part.AudioFormat},
			})
		default:
			return wireMessage{}, errors.Errorf("unsupported prompt part kind %q", part.Kind)
		}
	}
	msg.Content = parts
	return msg, nil
}

func (c *OpenAIClient) makeWireRequest(prompt []PromptMessage, opts Options) (*wireRequest, error) {
	model, err := c.resolveModel(opts)
	if err != nil {
		return nil, err
	}

	messages := make([]wireMessage, 0, len(prompt))
	for _, pm := range prompt {
		msg, err := makeWireMessage(pm)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	req := &wireRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &wireStreamOptions{IncludeUsage: true},
		Temperature:   opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req, nil
}

// streamMultipart issues the completion request with a hand-marshaled body
// and consumes the SSE response, decoding each data frame with go-openai's
// stream response types.
func (c *OpenAIClient) streamMultipart(ctx context.Context, prompt []PromptMessage, opts Options) (<-chan Delta, error) {
	wireReq, err := c.makeWireRequest(prompt, opts)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal completion request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build completion request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug().Str("model", wireReq.Model).Int("num_messages", len(wireReq.Messages)).
		Msg("starting multipart completion stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create completion stream")
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, errors.Errorf("completion request failed: %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close completion stream")
			}
		}()
		c.consumeSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

func (c *OpenAIClient) consumeSSE(ctx context.Context, body io.Reader, out chan<- Delta) {
	start := time.Now()
	chunkCount := 0
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug().Int("chunks_received", chunkCount).Msg("completion stream ended")
				return
			}
			if ctx.Err() != nil {
				// caller-initiated wind-down, not a protocol failure
				log.Debug().Int("chunks_received", chunkCount).Msg("completion stream cancelled")
				return
			}
			log.Error().Err(err).Int("chunks_received", chunkCount).Msg("completion stream read failed")
			deliver(ctx, out, Delta{Err: err})
			return
		}

		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			log.Debug().Int("chunks_received", chunkCount).Msg("completion stream ended")
			return
		}

		var response go_openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &response); err != nil {
			deliver(ctx, out, Delta{Err: errors.Wrap(err, "malformed stream chunk")})
			return
		}
		chunkCount++

		delta, ok := chunkToDelta(response, start)
		if !ok {
			continue
		}
		if !deliver(ctx, out, delta) {
			return
		}
	}
}
