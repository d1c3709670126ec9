// Package openai adapts hosted OpenAI-compatible backends.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

// roles maps generic roles into OpenAI's vocabulary. The mapping is an
// identity for every role the gateway accepts.
var roles = map[string]string{
	models.RoleSystem:    models.RoleSystem,
	models.RoleUser:      models.RoleUser,
	models.RoleAssistant: models.RoleAssistant,
	models.RoleFunction:  models.RoleFunction,
}

// Adapter talks to an OpenAI-compatible API through the official client.
type Adapter struct {
	name   string
	client *goopenai.Client
}

// New constructs the adapter. The hosted timeout bounds every call so a
// hung upstream cannot hang a request indefinitely.
func New(name string, cfg config.ProviderConfig, timeout time.Duration) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Adapter{
		name:   name,
		client: goopenai.NewClientWithConfig(clientCfg),
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

// ListModels fetches /models and maps the {data: [{id}]} shape into
// catalog descriptors.
func (a *Adapter) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s models: %w", a.name, err)
	}

	descriptors := make([]models.ModelDescriptor, 0, len(list.Models))
	for _, m := range list.Models {
		descriptors = append(descriptors, models.ModelDescriptor{
			Name:     m.ID,
			Provider: a.name,
			Type:     m.Object,
		})
	}
	return descriptors, nil
}

func (a *Adapter) MapRole(role string) string {
	return provider.MapWith(roles, role)
}

// PrepareMessages only maps roles; OpenAI accepts the full vocabulary so
// no restructuring is needed.
func (a *Adapter) PrepareMessages(messages []models.Message) []models.Message {
	return provider.MapMessages(messages, a.MapRole)
}

func (a *Adapter) Dispatch(ctx context.Context, call provider.Call) (provider.RawResponse, error) {
	if call.Parameters.Stream {
		return nil, provider.ErrStreamingUnsupported
	}

	req, err := buildRequest(call)
	if err != nil {
		return nil, &provider.CallError{Provider: a.name, Message: err.Error(), Err: err}
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &provider.CallError{Provider: a.name, Message: upstreamMessage(err), Err: err}
	}
	return resp, nil
}

// Normalize is nearly a passthrough: the native response already matches
// the canonical shape.
func (a *Adapter) Normalize(raw provider.RawResponse) (*models.StandardResponse, error) {
	resp, ok := raw.(goopenai.ChatCompletionResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", provider.ErrNormalize, raw)
	}

	choices := make([]models.Choice, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		choices = append(choices, models.Choice{
			Index: choice.Index,
			Message: models.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
			FinishReason: string(choice.FinishReason),
		})
	}

	return &models.StandardResponse{
		ID:      resp.ID,
		Object:  models.ObjectChatCompletion,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func buildRequest(call provider.Call) (goopenai.ChatCompletionRequest, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(call.Messages))
	for _, msg := range call.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	req := goopenai.ChatCompletionRequest{
		Model:     call.Model,
		Messages:  messages,
		MaxTokens: call.Parameters.MaxTokens,
		Stop:      call.Parameters.Stop,
	}

	if call.Parameters.Temperature != nil {
		req.Temperature = float32(*call.Parameters.Temperature)
	}
	if call.Parameters.TopP != nil {
		req.TopP = float32(*call.Parameters.TopP)
	}
	if call.Parameters.ExpectedFormat == "json" {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	if len(call.Parameters.Tools) > 0 {
		var tools []goopenai.Tool
		if err := json.Unmarshal(call.Parameters.Tools, &tools); err != nil {
			return goopenai.ChatCompletionRequest{}, fmt.Errorf("decode tools: %w", err)
		}
		req.Tools = tools
	}
	if len(call.Parameters.ToolChoice) > 0 {
		var choice any
		if err := json.Unmarshal(call.Parameters.ToolChoice, &choice); err != nil {
			return goopenai.ChatCompletionRequest{}, fmt.Errorf("decode tool_choice: %w", err)
		}
		req.ToolChoice = choice
	}

	return req, nil
}

// upstreamMessage extracts the API error message when the client returned
// a structured error, falling back to the transport error text.
func upstreamMessage(err error) string {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
