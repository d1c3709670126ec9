package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/httpclient"
	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	adapter, err := New("ollama", config.ProviderConfig{BaseURL: baseURL}, httpclient.New())
	require.NoError(t, err)
	return adapter
}

func TestListModelsTagsShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3:8b"}, {"name": "mistral:7b"}},
		})
	}))
	defer ts.Close()

	descriptors, err := newTestAdapter(t, ts.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, "llama3:8b", descriptors[0].Name)
	assert.Equal(t, "ollama", descriptors[0].Provider)
}

func TestListModelsBareArrayShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["llama3:8b","phi3:mini"]`))
	}))
	defer ts.Close()

	descriptors, err := newTestAdapter(t, ts.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, "phi3:mini", descriptors[1].Name)
}

func TestMapRoleAlwaysUser(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused")

	for _, role := range []string{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleFunction, "other"} {
		assert.Equal(t, models.RoleUser, adapter.MapRole(role))
	}
}

func TestDispatchFlattensPromptAndShapesOptions(t *testing.T) {
	var captured struct {
		Model   string `json:"model"`
		Prompt  string `json:"prompt"`
		Stream  bool   `json:"stream"`
		Options struct {
			Temperature *float64 `json:"temperature"`
			NumPredict  int      `json:"num_predict"`
		} `json:"options"`
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             captured.Model,
			"response":          "pong",
			"done":              true,
			"prompt_eval_count": 3,
			"eval_count":        1,
		})
	}))
	defer ts.Close()

	temperature := 0.2
	adapter := newTestAdapter(t, ts.URL)

	raw, err := adapter.Dispatch(context.Background(), provider.Call{
		Model: "llama3:8b",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "first"},
			{Role: models.RoleUser, Content: "second"},
		},
		Parameters: models.Parameters{Temperature: &temperature, MaxTokens: 64},
	})
	require.NoError(t, err)

	assert.Equal(t, "llama3:8b", captured.Model)
	assert.Equal(t, "first\n\nsecond", captured.Prompt)
	assert.False(t, captured.Stream)
	require.NotNil(t, captured.Options.Temperature)
	assert.InDelta(t, 0.2, *captured.Options.Temperature, 1e-9)
	assert.Equal(t, 64, captured.Options.NumPredict)

	resp, err := adapter.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
	assert.Equal(t, models.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 0, resp.Choices[0].Index)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.NotZero(t, resp.Created)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestNormalizeEmptyResponseField(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused")

	resp, err := adapter.Normalize(generateResponse{Model: "llama3:8b"})
	require.NoError(t, err)
	assert.Equal(t, "", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestNormalizeRejectsForeignRaw(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused")

	_, err := adapter.Normalize(42)
	assert.ErrorIs(t, err, provider.ErrNormalize)
}

func TestDispatchUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	adapter := newTestAdapter(t, ts.URL)

	_, err := adapter.Dispatch(context.Background(), provider.Call{
		Model:    "llama3:8b",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})

	var callErr *provider.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "ollama", callErr.Provider)
	assert.Contains(t, callErr.Message, "model not loaded")
}
