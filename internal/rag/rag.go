// Package rag augments conversations with retrieved prior context and
// writes finished exchanges back to the memory store. Every operation is
// best-effort: a failure is logged and replaced with a safe default, never
// surfaced to the chat request.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"resty.dev/v3"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/models"
)

const contextInstruction = "Use the following context to answer the user's question:\n\n"

// Augmenter wraps the external embedding service and memory store. A
// zero-configured augmenter is disabled and all methods are no-ops.
type Augmenter struct {
	client          *resty.Client
	embeddingURL    string
	embeddingAPIKey string
	memoryURL       string
	memoryAPIKey    string
	topK            int
}

// New constructs an Augmenter. Retrieval is disabled when no memory store
// URL is configured.
func New(cfg config.RetrievalConfig) *Augmenter {
	if strings.TrimSpace(cfg.MemoryURL) == "" {
		slog.Info("retrieval augmentation disabled, no memory store configured")
		return &Augmenter{}
	}

	return &Augmenter{
		client:          resty.New(),
		embeddingURL:    strings.TrimRight(cfg.EmbeddingURL, "/"),
		embeddingAPIKey: cfg.EmbeddingAPIKey,
		memoryURL:       strings.TrimRight(cfg.MemoryURL, "/"),
		memoryAPIKey:    cfg.MemoryAPIKey,
		topK:            cfg.TopK,
	}
}

// Enabled reports whether a memory store is configured.
func (a *Augmenter) Enabled() bool {
	return a.client != nil
}

// RetrieveContext embeds the latest user turn and recalls related
// memories, concatenated with blank-line separators. Missing user turn,
// embedding failure, or recall failure all collapse to an empty string.
func (a *Augmenter) RetrieveContext(ctx context.Context, messages []models.Message) string {
	if !a.Enabled() {
		return ""
	}

	latest, ok := models.LastUserMessage(messages)
	if !ok {
		return ""
	}

	// The embedding gates retrieval even though the store receives the
	// raw query: an embeddable turn is the signal the store can use it.
	if _, err := a.embed(ctx, latest.Content); err != nil {
		slog.Warn("embedding call failed, skipping augmentation", "error", err)
		return ""
	}

	memories, err := a.recall(ctx, latest.Content)
	if err != nil {
		slog.Warn("memory recall failed, skipping augmentation", "error", err)
		return ""
	}

	parts := make([]string, 0, len(memories))
	for _, memory := range memories {
		if memory.Content != "" {
			parts = append(parts, memory.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// InjectContext prepends the retrieved context as a system message. An
// empty context returns the input unchanged.
func (a *Augmenter) InjectContext(messages []models.Message, retrieved string) []models.Message {
	if retrieved == "" {
		return messages
	}

	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, models.Message{
		Role:    models.RoleSystem,
		Content: contextInstruction + retrieved,
	})
	return append(out, messages...)
}

// PersistExchange stores the finished exchange in the memory store.
// Failures are logged and swallowed; persistence never blocks a response.
func (a *Augmenter) PersistExchange(ctx context.Context, messages []models.Message, assistantReply string) {
	if !a.Enabled() {
		return
	}

	question := concatenateContents(messages)
	payload := map[string]any{
		"content": "User: " + question + "\n\nAssistant: " + assistantReply,
		"metadata": map[string]any{
			"user": map[string]string{
				"role":     models.RoleUser,
				"question": question,
			},
			"assistant": map[string]string{
				"role":     models.RoleAssistant,
				"response": assistantReply,
			},
		},
	}

	if err := a.post(ctx, a.memoryURL+"/create_memory", a.memoryAPIKey, payload, nil); err != nil {
		slog.Warn("failed to persist exchange to memory store", "error", err)
	}
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (a *Augmenter) embed(ctx context.Context, text string) ([]float64, error) {
	if a.embeddingURL == "" {
		return nil, fmt.Errorf("embedding service not configured")
	}

	var parsed embedResponse
	payload := map[string]string{"text": text}
	if err := a.post(ctx, a.embeddingURL+"/embed", a.embeddingAPIKey, payload, &parsed); err != nil {
		return nil, err
	}
	return parsed.Embedding, nil
}

type recallResponse struct {
	Memories []models.RetrievedMemory `json:"memories"`
}

func (a *Augmenter) recall(ctx context.Context, query string) ([]models.RetrievedMemory, error) {
	var parsed recallResponse
	payload := map[string]any{
		"query": query,
		"top_k": a.topK,
	}
	if err := a.post(ctx, a.memoryURL+"/recall_memory", a.memoryAPIKey, payload, &parsed); err != nil {
		return nil, err
	}
	return parsed.Memories, nil
}

func (a *Augmenter) post(ctx context.Context, url, apiKey string, payload any, out any) error {
	req := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	if apiKey != "" {
		req.SetHeader("Authorization", "Bearer "+apiKey)
	}

	resp, err := req.Post(url)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}

	if resp.IsError() {
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	if out != nil {
		if err := json.Unmarshal(resp.Bytes(), out); err != nil {
			return fmt.Errorf("decode response from %s: %w", url, err)
		}
	}
	return nil
}

func concatenateContents(messages []models.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}
