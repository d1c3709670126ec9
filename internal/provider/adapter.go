// Package provider defines the adapter contract every LLM backend
// implements: model listing, role mapping, payload shaping and dispatch,
// and normalization of the raw response into the canonical shape.
package provider

import (
	"context"
	"errors"
	"fmt"

	"gravity-gateway/internal/models"
)

// ErrStreamingUnsupported indicates the caller requested a streamed
// response, which no adapter currently produces.
var ErrStreamingUnsupported = errors.New("streaming is not supported")

// ErrNormalize indicates an adapter was handed a raw response it does not
// recognise. Dispatch and Normalize are kept in sync on every adapter, so
// reaching this is an internal defect rather than a user error.
var ErrNormalize = errors.New("unsupported raw response shape")

// CallError wraps a transport failure or non-2xx status from a provider.
type CallError struct {
	Provider string
	Message  string
	Err      error
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Call is a dispatch-ready request: the model has been resolved and the
// messages have already been role-mapped for the target provider.
type Call struct {
	Model      string
	Messages   []models.Message
	Parameters models.Parameters
}

// RawResponse is a provider-specific response shape. Each adapter's
// Dispatch produces its own concrete type and only its own Normalize can
// consume it.
type RawResponse any

// Adapter is implemented once per provider. Registering a new backend
// never touches gateway control flow.
type Adapter interface {
	// Name returns the provider identifier used in catalog entries.
	Name() string

	// ListModels fetches the provider's callable models.
	ListModels(ctx context.Context) ([]models.ModelDescriptor, error)

	// MapRole translates a generic role into the provider's vocabulary.
	// Unknown roles fall back to "user" rather than failing.
	MapRole(role string) string

	// PrepareMessages applies MapRole to every message and restructures
	// the list for providers with an incompatible role model. The input
	// slice is never mutated.
	PrepareMessages(messages []models.Message) []models.Message

	// Dispatch shapes the outgoing payload and performs the HTTP call.
	Dispatch(ctx context.Context, call Call) (RawResponse, error)

	// Normalize converts the adapter's raw response into the canonical
	// StandardResponse.
	Normalize(raw RawResponse) (*models.StandardResponse, error)
}

// MapWith applies a per-provider role table, defaulting unknown roles to
// "user". This permissive fallback is shared by all adapters.
func MapWith(table map[string]string, role string) string {
	if mapped, ok := table[role]; ok {
		return mapped
	}
	return models.RoleUser
}

// MapMessages returns a new slice with every role passed through mapRole.
func MapMessages(messages []models.Message, mapRole func(string) string) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, models.Message{
			Role:    mapRole(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}
