// Package gateway orchestrates the chat completion lifecycle: resolve the
// model, map roles, augment with retrieved context, dispatch, normalize,
// post-process, and persist the exchange.
package gateway

import (
	"context"
	"fmt"

	"gravity-gateway/internal/catalog"
	"gravity-gateway/internal/config"
	"gravity-gateway/internal/models"
	"gravity-gateway/internal/postprocess"
	"gravity-gateway/internal/provider"
	"gravity-gateway/internal/rag"
)

// NotFoundError reports a model absent from the catalog.
type NotFoundError struct {
	Model string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Model %q not found.", e.Model)
}

// Gateway wires the catalog, the retrieval unit, and the post-processor
// into one request pipeline.
type Gateway struct {
	catalog   *catalog.Catalog
	augmenter *rag.Augmenter
	processor *postprocess.Processor
}

// New constructs a Gateway. Correction calls from the post-processor run
// through the same resolve/dispatch/normalize path as regular requests.
func New(cat *catalog.Catalog, augmenter *rag.Augmenter, ppCfg config.PostProcessConfig) *Gateway {
	g := &Gateway{
		catalog:   cat,
		augmenter: augmenter,
	}
	g.processor = postprocess.New(ppCfg, g.invoke)
	return g
}

// Complete runs the full request lifecycle for an already-validated
// request and returns the canonical response.
func (g *Gateway) Complete(ctx context.Context, req models.ChatRequest) (*models.StandardResponse, error) {
	descriptor, ok := g.catalog.FindModelByName(ctx, req.Model)
	if !ok {
		return nil, &NotFoundError{Model: req.Model}
	}

	adapter, ok := g.catalog.Adapter(descriptor.Provider)
	if !ok {
		// Catalog entries always come from a registered adapter.
		return nil, fmt.Errorf("%w: no adapter for provider %q", provider.ErrNormalize, descriptor.Provider)
	}

	prepared := adapter.PrepareMessages(req.Messages)

	// Best-effort: a failed retrieval leaves the conversation untouched.
	retrieved := g.augmenter.RetrieveContext(ctx, prepared)
	augmented := g.augmenter.InjectContext(prepared, retrieved)

	raw, err := adapter.Dispatch(ctx, provider.Call{
		Model:      descriptor.Name,
		Messages:   augmented,
		Parameters: req.Parameters,
	})
	if err != nil {
		return nil, err
	}

	resp, err := adapter.Normalize(raw)
	if err != nil {
		return nil, err
	}

	resp = g.processor.Process(ctx, resp, req.Parameters)

	// The exchange is stored from the original turns, not the injected
	// context, so retrieved memories never feed back on themselves.
	g.augmenter.PersistExchange(ctx, req.Messages, assistantContent(resp))

	return resp, nil
}

// Catalog returns the cached model directory, refreshing it when stale.
func (g *Gateway) Catalog(ctx context.Context) map[string][]models.ModelDescriptor {
	return g.catalog.Entries(ctx)
}

// invoke is the bare resolve/dispatch/normalize path used for correction
// calls: no augmentation, no post-processing, no persistence.
func (g *Gateway) invoke(ctx context.Context, model string, messages []models.Message, params models.Parameters) (*models.StandardResponse, error) {
	descriptor, ok := g.catalog.FindModelByName(ctx, model)
	if !ok {
		return nil, &NotFoundError{Model: model}
	}

	adapter, ok := g.catalog.Adapter(descriptor.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %q", provider.ErrNormalize, descriptor.Provider)
	}

	raw, err := adapter.Dispatch(ctx, provider.Call{
		Model:      descriptor.Name,
		Messages:   adapter.PrepareMessages(messages),
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}
	return adapter.Normalize(raw)
}

func assistantContent(resp *models.StandardResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
