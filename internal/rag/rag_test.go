package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravity-gateway/internal/config"
	"gravity-gateway/internal/models"
)

type memoryStore struct {
	recallBody   map[string]any
	recallStatus int
	memories     []models.RetrievedMemory
	created      []map[string]any
}

func (m *memoryStore) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/recall_memory", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m.recallBody))
		if m.recallStatus != 0 {
			w.WriteHeader(m.recallStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"memories": m.memories})
	})
	mux.HandleFunc("/create_memory", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		m.created = append(m.created, body)
	})
	return mux
}

func embeddingServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.1, 0.2, 0.3}})
	}))
}

func newAugmenter(embedURL, memoryURL string) *Augmenter {
	return New(config.RetrievalConfig{
		EmbeddingURL: embedURL,
		MemoryURL:    memoryURL,
		TopK:         3,
	})
}

func TestRetrieveContextConcatenatesMemories(t *testing.T) {
	store := &memoryStore{memories: []models.RetrievedMemory{
		{Content: "first fact", Score: 0.9},
		{Content: "second fact", Score: 0.7},
	}}
	memorySrv := httptest.NewServer(store.handler(t))
	defer memorySrv.Close()
	embedSrv := embeddingServer(t, 0)
	defer embedSrv.Close()

	a := newAugmenter(embedSrv.URL, memorySrv.URL)

	got := a.RetrieveContext(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "what do you know?"},
	})

	assert.Equal(t, "first fact\n\nsecond fact", got)
	assert.Equal(t, "what do you know?", store.recallBody["query"])
	assert.Equal(t, float64(3), store.recallBody["top_k"])
}

func TestRetrieveContextScansForLatestUserTurn(t *testing.T) {
	store := &memoryStore{memories: []models.RetrievedMemory{{Content: "fact"}}}
	memorySrv := httptest.NewServer(store.handler(t))
	defer memorySrv.Close()
	embedSrv := embeddingServer(t, 0)
	defer embedSrv.Close()

	a := newAugmenter(embedSrv.URL, memorySrv.URL)

	_ = a.RetrieveContext(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "older question"},
		{Role: models.RoleAssistant, Content: "older answer"},
		{Role: models.RoleUser, Content: "newest question"},
		{Role: models.RoleAssistant, Content: "irrelevant"},
	})

	assert.Equal(t, "newest question", store.recallBody["query"])
}

func TestRetrieveContextNoUserTurn(t *testing.T) {
	a := newAugmenter("http://unused", "http://unused")

	got := a.RetrieveContext(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "instructions only"},
	})
	assert.Equal(t, "", got)
}

func TestEmbeddingFailureYieldsEmptyContext(t *testing.T) {
	store := &memoryStore{memories: []models.RetrievedMemory{{Content: "fact"}}}
	memorySrv := httptest.NewServer(store.handler(t))
	defer memorySrv.Close()
	embedSrv := embeddingServer(t, http.StatusInternalServerError)
	defer embedSrv.Close()

	a := newAugmenter(embedSrv.URL, memorySrv.URL)

	got := a.RetrieveContext(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "question"},
	})

	assert.Equal(t, "", got)
	assert.Nil(t, store.recallBody)
}

func TestRecallFailureYieldsEmptyContext(t *testing.T) {
	store := &memoryStore{recallStatus: http.StatusBadGateway}
	memorySrv := httptest.NewServer(store.handler(t))
	defer memorySrv.Close()
	embedSrv := embeddingServer(t, 0)
	defer embedSrv.Close()

	a := newAugmenter(embedSrv.URL, memorySrv.URL)

	got := a.RetrieveContext(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "question"},
	})
	assert.Equal(t, "", got)
}

func TestInjectContextEmptyLeavesMessagesUnchanged(t *testing.T) {
	a := newAugmenter("http://unused", "http://unused")

	input := []models.Message{{Role: models.RoleUser, Content: "hello"}}
	got := a.InjectContext(input, "")

	assert.Equal(t, input, got)
}

func TestInjectContextPrependsSystemMessage(t *testing.T) {
	a := newAugmenter("http://unused", "http://unused")

	got := a.InjectContext([]models.Message{{Role: models.RoleUser, Content: "hello"}}, "remembered fact")

	require.Len(t, got, 2)
	assert.Equal(t, models.RoleSystem, got[0].Role)
	assert.Equal(t, contextInstruction+"remembered fact", got[0].Content)
	assert.Equal(t, "hello", got[1].Content)
}

func TestPersistExchangeStoresSummaryAndMetadata(t *testing.T) {
	store := &memoryStore{}
	memorySrv := httptest.NewServer(store.handler(t))
	defer memorySrv.Close()

	a := newAugmenter("http://unused", memorySrv.URL)

	a.PersistExchange(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "question one"},
		{Role: models.RoleAssistant, Content: "answer one"},
	}, "final reply")

	require.Len(t, store.created, 1)
	created := store.created[0]
	assert.Contains(t, created["content"], "question one")
	assert.Contains(t, created["content"], "final reply")

	metadata, ok := created["metadata"].(map[string]any)
	require.True(t, ok)
	user, ok := metadata["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.RoleUser, user["role"])
	assert.Equal(t, "question one\nanswer one", user["question"])
	assistant, ok := metadata["assistant"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "final reply", assistant["response"])
}

func TestPersistExchangeSwallowsFailure(t *testing.T) {
	memorySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer memorySrv.Close()

	a := newAugmenter("http://unused", memorySrv.URL)

	// Must not panic or propagate anything.
	a.PersistExchange(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "q"},
	}, "r")
}

func TestDisabledAugmenterIsInert(t *testing.T) {
	a := New(config.RetrievalConfig{})

	assert.False(t, a.Enabled())
	assert.Equal(t, "", a.RetrieveContext(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "q"},
	}))
	a.PersistExchange(context.Background(), nil, "")
}
