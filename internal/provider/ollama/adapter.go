// Package ollama adapts a self-hosted Ollama backend. The generate API is
// role-less: the conversation is flattened into a single prompt string and
// sampling parameters travel in an options sub-object.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/httpclient"
	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

// Adapter talks to an Ollama server over raw HTTP. The caller wires a
// client with the short fixed timeout used for local backends.
type Adapter struct {
	name    string
	baseURL string
	headers map[string]string
	client  *httpclient.Client
}

// New constructs the adapter.
func New(name string, cfg config.ProviderConfig, client *httpclient.Client) (*Adapter, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Adapter{
		name:    name,
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels fetches /api/tags. Older servers return a bare array of
// names; both shapes are accepted.
func (a *Adapter) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	resp, err := a.client.Get(ctx, a.baseURL+"/api/tags", a.headers)
	if err != nil {
		return nil, fmt.Errorf("list %s models: %w", a.name, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("list %s models: status %d: %s", a.name, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}

	names, err := parseModelNames(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s model list: %w", a.name, err)
	}

	descriptors := make([]models.ModelDescriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, models.ModelDescriptor{
			Name:     name,
			Provider: a.name,
		})
	}
	return descriptors, nil
}

func parseModelNames(body []byte) ([]string, error) {
	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err == nil && tags.Models != nil {
		names := make([]string, 0, len(tags.Models))
		for _, m := range tags.Models {
			names = append(names, m.Name)
		}
		return names, nil
	}

	var bare []string
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

// MapRole always returns "user": the generate API has no role concept, so
// every turn takes the permissive default.
func (a *Adapter) MapRole(string) string {
	return models.RoleUser
}

func (a *Adapter) PrepareMessages(messages []models.Message) []models.Message {
	return provider.MapMessages(messages, a.MapRole)
}

type generatePayload struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type generateResponse struct {
	Model      string `json:"model"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	PromptEval int    `json:"prompt_eval_count"`
	EvalCount  int    `json:"eval_count"`
}

func (a *Adapter) Dispatch(ctx context.Context, call provider.Call) (provider.RawResponse, error) {
	if call.Parameters.Stream {
		return nil, provider.ErrStreamingUnsupported
	}

	payload := generatePayload{
		Model:  call.Model,
		Prompt: flattenPrompt(call.Messages),
		Options: generateOptions{
			Temperature: call.Parameters.Temperature,
			TopP:        call.Parameters.TopP,
			NumPredict:  call.Parameters.MaxTokens,
			Stop:        call.Parameters.Stop,
		},
	}

	resp, err := a.client.PostJSON(ctx, a.baseURL+"/api/generate", a.headers, payload)
	if err != nil {
		return nil, &provider.CallError{Provider: a.name, Message: err.Error(), Err: err}
	}
	if !resp.OK() {
		return nil, &provider.CallError{
			Provider: a.name,
			Message:  fmt.Sprintf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(resp.Body))),
		}
	}

	var parsed generateResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &provider.CallError{Provider: a.name, Message: "invalid response body", Err: err}
	}
	return parsed, nil
}

// Normalize reshapes the {model, response} payload into a single-choice
// StandardResponse. The backend supplies no id or timestamp, so both are
// synthesized here.
func (a *Adapter) Normalize(raw provider.RawResponse) (*models.StandardResponse, error) {
	resp, ok := raw.(generateResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", provider.ErrNormalize, raw)
	}

	finishReason := resp.DoneReason
	if finishReason == "" {
		finishReason = "stop"
	}

	return &models.StandardResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []models.Choice{{
			Index: 0,
			Message: models.Message{
				Role:    models.RoleAssistant,
				Content: resp.Response,
			},
			FinishReason: finishReason,
		}},
		Usage: models.Usage{
			PromptTokens:     resp.PromptEval,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEval + resp.EvalCount,
		},
	}, nil
}

func flattenPrompt(messages []models.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n\n")
}
