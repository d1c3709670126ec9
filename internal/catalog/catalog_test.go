package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gravity-gateway/internal/models"
	"gravity-gateway/internal/provider"
)

// stubAdapter counts listing calls and serves a fixed model set.
type stubAdapter struct {
	name      string
	models    []models.ModelDescriptor
	listErr   error
	listCalls atomic.Int64
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) ListModels(context.Context) ([]models.ModelDescriptor, error) {
	s.listCalls.Add(1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.models, nil
}

func (s *stubAdapter) MapRole(role string) string { return role }

func (s *stubAdapter) PrepareMessages(messages []models.Message) []models.Message {
	return messages
}

func (s *stubAdapter) Dispatch(context.Context, provider.Call) (provider.RawResponse, error) {
	return nil, errors.New("stub does not dispatch")
}

func (s *stubAdapter) Normalize(provider.RawResponse) (*models.StandardResponse, error) {
	return nil, errors.New("stub does not normalize")
}

func descriptor(name, providerName string) models.ModelDescriptor {
	return models.ModelDescriptor{Name: name, Provider: providerName}
}

func TestRefreshWithinTTLIssuesNoUpstreamCalls(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", models: []models.ModelDescriptor{descriptor("m1", "alpha")}}
	beta := &stubAdapter{name: "beta", models: []models.ModelDescriptor{descriptor("m2", "beta")}}

	cat := New([]provider.Adapter{alpha, beta}, 5*time.Minute)

	cat.RefreshIfStale(context.Background())
	cat.RefreshIfStale(context.Background())
	cat.RefreshIfStale(context.Background())

	assert.Equal(t, int64(1), alpha.listCalls.Load())
	assert.Equal(t, int64(1), beta.listCalls.Load())
}

func TestRefreshAfterTTLIssuesOneCallPerProvider(t *testing.T) {
	alpha := &stubAdapter{name: "alpha"}
	beta := &stubAdapter{name: "beta"}

	cat := New([]provider.Adapter{alpha, beta}, 5*time.Minute)

	current := time.Now()
	cat.now = func() time.Time { return current }

	cat.RefreshIfStale(context.Background())
	require.Equal(t, int64(1), alpha.listCalls.Load())

	current = current.Add(6 * time.Minute)
	cat.RefreshIfStale(context.Background())

	assert.Equal(t, int64(2), alpha.listCalls.Load())
	assert.Equal(t, int64(2), beta.listCalls.Load())
}

func TestFailingProviderContributesEmptyList(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", listErr: errors.New("upstream down")}
	beta := &stubAdapter{name: "beta", models: []models.ModelDescriptor{descriptor("m2", "beta")}}

	cat := New([]provider.Adapter{alpha, beta}, 5*time.Minute)

	entries := cat.Entries(context.Background())
	assert.Empty(t, entries["alpha"])
	require.Len(t, entries["beta"], 1)

	_, ok := cat.FindModelByName(context.Background(), "m2")
	assert.True(t, ok)
}

func TestFindModelByNameFirstMatchWins(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", models: []models.ModelDescriptor{descriptor("shared", "alpha")}}
	beta := &stubAdapter{name: "beta", models: []models.ModelDescriptor{descriptor("shared", "beta")}}

	cat := New([]provider.Adapter{alpha, beta}, 5*time.Minute)

	found, ok := cat.FindModelByName(context.Background(), "shared")
	require.True(t, ok)
	assert.Equal(t, "alpha", found.Provider)
}

func TestFindModelByNameAbsent(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", models: []models.ModelDescriptor{descriptor("m1", "alpha")}}

	cat := New([]provider.Adapter{alpha}, 5*time.Minute)

	_, ok := cat.FindModelByName(context.Background(), "nonexistent")
	assert.False(t, ok)
}

func TestEntriesReturnsCopy(t *testing.T) {
	alpha := &stubAdapter{name: "alpha", models: []models.ModelDescriptor{descriptor("m1", "alpha")}}

	cat := New([]provider.Adapter{alpha}, 5*time.Minute)

	entries := cat.Entries(context.Background())
	entries["alpha"][0].Name = "mutated"

	found, ok := cat.FindModelByName(context.Background(), "m1")
	require.True(t, ok)
	assert.Equal(t, "m1", found.Name)
}

func TestAdapterLookup(t *testing.T) {
	alpha := &stubAdapter{name: "alpha"}
	cat := New([]provider.Adapter{alpha}, 5*time.Minute)

	got, ok := cat.Adapter("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", got.Name())

	_, ok = cat.Adapter("missing")
	assert.False(t, ok)
}
