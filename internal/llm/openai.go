package llm

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// local servers accept any key but the client insists on one
const placeholderKey = "sk-local"

type openaiBackend struct {
	client openai.Client
}

func newOpenAIBackend(cfg Config) *openaiBackend {
	key := cfg.APIKey
	if key == "" {
		key = placeholderKey
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &openaiBackend{client: openai.NewClient(opts...)}
}

func (b *openaiBackend) params(req Request) (openai.ChatCompletionNewParams, []option.RequestOption) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.Params.Temperature > 0 {
		p.Temperature = openai.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		p.TopP = openai.Float(req.Params.TopP)
	}
	if req.Params.MaxTokens > 0 {
		p.MaxTokens = openai.Int(int64(req.Params.MaxTokens))
	}

	// llama.cpp extensions; other servers ignore unknown fields
	var opts []option.RequestOption
	if req.Params.MinP > 0 {
		opts = append(opts, option.WithJSONSet("min_p", req.Params.MinP))
	}
	if req.Params.Threads > 0 {
		opts = append(opts, option.WithJSONSet("n_threads", req.Params.Threads))
	}
	return p, opts
}

func (b *openaiBackend) Complete(ctx context.Context, req Request) (string, error) {
	params, opts := b.params(req)

	resp, err := b.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *openaiBackend) Stream(ctx context.Context, req Request, onToken func(string) error) error {
	params, opts := b.params(req)

	stream := b.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onToken(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	return stream.Err()
}
