// Package postprocess validates and repairs structured output in the
// normalized response. The JSON path never raises: a failed repair
// degrades to the literal "{}".
package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/models"
)

var (
	errNoCorrectionModel = errors.New("no correction model configured")
	errEmptyCorrection   = errors.New("correction call returned no choices")
)

const repairInstruction = "You are a JSON repair service. " +
	"The following text was supposed to be valid JSON but is not. " +
	"Return only the corrected JSON document with no commentary."

const correctionTemperature = 0.1

// CompletionFunc issues one chat completion through the gateway's normal
// dispatch path. The processor uses it for correction calls.
type CompletionFunc func(ctx context.Context, model string, messages []models.Message, params models.Parameters) (*models.StandardResponse, error)

// Processor applies the optional output passes requested by the caller.
type Processor struct {
	complete        CompletionFunc
	correctionModel string
	maxTokens       int
}

// New constructs a Processor. A nil complete function or empty correction
// model disables repair calls; malformed JSON then degrades straight to "{}".
func New(cfg config.PostProcessConfig, complete CompletionFunc) *Processor {
	return &Processor{
		complete:        complete,
		correctionModel: cfg.CorrectionModel,
		maxTokens:       cfg.CorrectionMaxTokens,
	}
}

// Process runs the passes selected by the request parameters and returns
// the (possibly rewritten) response. It never returns an error.
func (p *Processor) Process(ctx context.Context, resp *models.StandardResponse, params models.Parameters) *models.StandardResponse {
	if resp == nil {
		return nil
	}

	if params.ExpectedFormat == "json" && len(resp.Choices) > 0 {
		resp.Choices[0].Message.Content = p.ensureJSON(ctx, resp.Choices[0].Message.Content)
	}

	if len(params.ExpectedModalities) > 0 {
		resp = p.processModalities(resp, params.ExpectedModalities)
	}

	return resp
}

// ensureJSON returns a canonical pretty-printed serialization of content
// when it parses, the corrected output of one repair call when it does
// not, and "{}" when the repair itself fails.
func (p *Processor) ensureJSON(ctx context.Context, content string) string {
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		pretty, err := json.MarshalIndent(parsed, "", "  ")
		if err != nil {
			return content
		}
		return string(pretty)
	}

	corrected, err := p.correct(ctx, content)
	if err != nil {
		slog.Warn("json correction call failed, substituting empty object", "error", err)
		return "{}"
	}
	return corrected
}

func (p *Processor) correct(ctx context.Context, content string) (string, error) {
	if p.complete == nil || p.correctionModel == "" {
		return "", errNoCorrectionModel
	}

	temperature := correctionTemperature
	resp, err := p.complete(ctx, p.correctionModel, []models.Message{
		{Role: models.RoleSystem, Content: repairInstruction},
		{Role: models.RoleUser, Content: content},
	}, models.Parameters{
		Temperature: &temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCorrection
	}
	return resp.Choices[0].Message.Content, nil
}

// processModalities is the multi-modal hook. No transformation is defined
// yet; the response passes through unchanged.
func (p *Processor) processModalities(resp *models.StandardResponse, modalities []string) *models.StandardResponse {
	slog.Debug("multi-modal post-processing requested, passing through", "modalities", modalities)
	return resp
}
