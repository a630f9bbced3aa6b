package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/chat-stream/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the LLM interface for interacting with OpenAI's language models,
// or any server speaking the same chat completions API.
type OpenAI struct {
	model string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters holds the optional sampling parameters of a provider. Nil fields are left to the
// provider's defaults.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	Seed             *int           `yaml:"seed"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	LogitBias        map[string]int `yaml:"logitBias"`
	MaxTokens        *int           `yaml:"maxTokens"`
}

// NewOpenAI creates a new OpenAI instance with the specified API key, base URL and model name. An empty
// baseURL uses the OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(systemPrompt string, messages []models.Message) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, msg := range messages {
		content := models.RenderContents(msg.Contents)
		if content == "" {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: content,
		})
	}
	return msgs
}

// Chat is a wrapper around the OpenAI streaming chat completion API.
func (o OpenAI) Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(openAIMessages(systemPrompt, messages))

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.LogitBias != nil {
		req.LogitBias = o.params.LogitBias
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
