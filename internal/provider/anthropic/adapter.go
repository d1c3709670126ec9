// Package anthropic adapts the hosted Anthropic messages API. The API has
// no native system role, so system turns are folded into the first user
// turn before dispatch.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/httpclient"
	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// roles covers the turns that survive folding. Everything else, including
// function output, is carried as a user turn.
var roles = map[string]string{
	models.RoleUser:      models.RoleUser,
	models.RoleAssistant: models.RoleAssistant,
}

// Adapter talks to an Anthropic-style messages endpoint over raw HTTP.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *httpclient.Client
	static  []models.ModelDescriptor
}

// New constructs the adapter. Models pinned in configuration take
// precedence over the listing endpoint.
func New(name string, cfg config.ProviderConfig, client *httpclient.Client) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	static := make([]models.ModelDescriptor, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		static = append(static, models.ModelDescriptor{
			Name:     m.Name,
			Provider: name,
			Type:     m.Type,
		})
	}

	return &Adapter{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  client,
		static:  static,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

type listResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

// ListModels returns the pinned models when configured, otherwise fetches
// the provider's {data: [{id, type}]} listing.
func (a *Adapter) ListModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	if len(a.static) > 0 {
		out := make([]models.ModelDescriptor, len(a.static))
		copy(out, a.static)
		return out, nil
	}

	resp, err := a.client.Get(ctx, a.baseURL+"/v1/models", a.requestHeaders())
	if err != nil {
		return nil, fmt.Errorf("list %s models: %w", a.name, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("list %s models: status %d: %s", a.name, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}

	var list listResponse
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("decode %s model list: %w", a.name, err)
	}

	descriptors := make([]models.ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		descriptors = append(descriptors, models.ModelDescriptor{
			Name:     m.ID,
			Provider: a.name,
			Type:     m.Type,
		})
	}
	return descriptors, nil
}

func (a *Adapter) MapRole(role string) string {
	return provider.MapWith(roles, role)
}

// PrepareMessages folds system turns into the first user turn as a
// prefixed instruction, synthesizing a leading user turn when the
// conversation had no user message at all, then maps the remaining roles.
func (a *Adapter) PrepareMessages(messages []models.Message) []models.Message {
	var systemParts []string
	rest := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}

	if len(systemParts) == 0 {
		return provider.MapMessages(rest, a.MapRole)
	}

	system := strings.Join(systemParts, "\n\n")
	folded := false
	out := make([]models.Message, 0, len(rest)+1)
	for _, msg := range rest {
		if !folded && msg.Role == models.RoleUser {
			msg = models.Message{
				Role:    models.RoleUser,
				Content: system + "\n\nHuman: " + msg.Content,
			}
			folded = true
		}
		out = append(out, msg)
	}
	if !folded {
		out = append([]models.Message{{Role: models.RoleUser, Content: system}}, out...)
	}

	return provider.MapMessages(out, a.MapRole)
}

type messagePayload struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Dispatch(ctx context.Context, call provider.Call) (provider.RawResponse, error) {
	if call.Parameters.Stream {
		return nil, provider.ErrStreamingUnsupported
	}

	payload := messagePayload{
		Model:         call.Model,
		MaxTokens:     call.Parameters.MaxTokens,
		Temperature:   call.Parameters.Temperature,
		TopP:          call.Parameters.TopP,
		StopSequences: call.Parameters.Stop,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	for _, msg := range call.Messages {
		payload.Messages = append(payload.Messages, message{
			Role:    msg.Role,
			Content: []contentBlock{{Type: "text", Text: msg.Content}},
		})
	}

	resp, err := a.client.PostJSON(ctx, a.baseURL+"/v1/messages", a.requestHeaders(), payload)
	if err != nil {
		return nil, &provider.CallError{Provider: a.name, Message: err.Error(), Err: err}
	}
	if !resp.OK() {
		msg := upstreamMessage(resp.Body, resp.StatusCode)
		return nil, &provider.CallError{Provider: a.name, Message: msg}
	}

	var parsed messageResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &provider.CallError{Provider: a.name, Message: "invalid response body", Err: err}
	}
	return parsed, nil
}

// Normalize joins the response content blocks into a single assistant
// choice in the canonical shape.
func (a *Adapter) Normalize(raw provider.RawResponse) (*models.StandardResponse, error) {
	resp, ok := raw.(messageResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", provider.ErrNormalize, raw)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &models.StandardResponse{
		ID:      resp.ID,
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []models.Choice{{
			Index: 0,
			Message: models.Message{
				Role:    models.RoleAssistant,
				Content: text.String(),
			},
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: models.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (a *Adapter) requestHeaders() map[string]string {
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
	for k, v := range a.headers {
		headers[k] = v
	}
	return headers
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type apiErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func upstreamMessage(body []byte, status int) string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fmt.Sprintf("upstream status %d: %s", status, strings.TrimSpace(string(body)))
}
