// ABOUTME: mux/llm.Client over the OpenAI Chat Completions API with custom base URL support.
// ABOUTME: Lets the pipeline talk to OpenAI-compatible services (OpenRouter, local gateways) through the same completer.
package llm

import (
	"context"

	muxllm "github.com/2389-research/mux/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompatClient implements muxllm.Client using /v1/chat/completions.
type OpenAICompatClient struct {
	client openai.Client
	model  string
}

var _ muxllm.Client = (*OpenAICompatClient)(nil)

// NewOpenAICompatClient creates a client; baseURL may be empty for api.openai.com.
func NewOpenAICompatClient(apiKey, model, baseURL string) *OpenAICompatClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAICompatClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// CreateMessage sends the request and returns the complete response.
func (c *OpenAICompatClient) CreateMessage(ctx context.Context, req *muxllm.Request) (*muxllm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(req))
	if err != nil {
		return nil, err
	}
	return convertCompatResponse(resp), nil
}

// CreateMessageStream performs a non-streaming call and replays it as
// start, delta and stop events. The pipeline only needs whole responses.
func (c *OpenAICompatClient) CreateMessageStream(ctx context.Context, req *muxllm.Request) (<-chan muxllm.StreamEvent, error) {
	resp, err := c.CreateMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan muxllm.StreamEvent, 3)
	ch <- muxllm.StreamEvent{Type: muxllm.EventMessageStart}
	for _, block := range resp.Content {
		if block.Type == muxllm.ContentTypeText {
			ch <- muxllm.StreamEvent{Type: muxllm.EventContentDelta, Text: block.Text}
		}
	}
	ch <- muxllm.StreamEvent{Type: muxllm.EventMessageStop, Response: resp}
	close(ch)
	return ch, nil
}

func (c *OpenAICompatClient) params(req *muxllm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}
	params := openai.ChatCompletionNewParams{Model: model}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		text := messageText(msg)
		switch msg.Role {
		case muxllm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(text))
		default:
			messages = append(messages, openai.UserMessage(text))
		}
	}
	params.Messages = messages
	return params
}

func messageText(msg muxllm.Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	for _, block := range msg.Blocks {
		if block.Type == muxllm.ContentTypeText {
			return block.Text
		}
	}
	return ""
}

func convertCompatResponse(resp *openai.ChatCompletion) *muxllm.Response {
	result := &muxllm.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: muxllm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return result
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		result.Content = append(result.Content, muxllm.ContentBlock{
			Type: muxllm.ContentTypeText,
			Text: choice.Message.Content,
		})
	}
	switch choice.FinishReason {
	case "length":
		result.StopReason = muxllm.StopReasonMaxTokens
	default:
		result.StopReason = muxllm.StopReasonEndTurn
	}
	return result
}
