package costs

import (
	"context"
	"sync"
	"testing"

	"manifold/internal/config"
	"manifold/internal/rag/model"
	"manifold/internal/rag/sysconfig"
)

type fakeConfigStore struct {
	mu      sync.Mutex
	history map[string][]model.SystemConfigEntry
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{history: map[string][]model.SystemConfigEntry{}}
}

func (s *fakeConfigStore) LatestConfigEntry(_ context.Context, key string) (model.SystemConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[key]
	if len(h) == 0 {
		return model.SystemConfigEntry{}, model.NotFound("not set", nil)
	}
	return h[len(h)-1], nil
}
func (s *fakeConfigStore) AllLatestConfigEntries(context.Context) ([]model.SystemConfigEntry, error) {
	return nil, nil
}
func (s *fakeConfigStore) ConfigHistory(context.Context, string) ([]model.SystemConfigEntry, error) {
	return nil, nil
}
func (s *fakeConfigStore) PutConfigEntry(_ context.Context, key string, value any, description, updatedBy string) (model.SystemConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := model.SystemConfigEntry{Key: key, Value: value, Version: len(s.history[key]) + 1}
	s.history[key] = append(s.history[key], e)
	return e, nil
}

type fakeUsageStore struct {
	mu      sync.Mutex
	written []model.TokenUsage
}

func (s *fakeUsageStore) RecordTokenUsage(_ context.Context, u model.TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, u)
	return nil
}

type fakeMirror struct {
	mu      sync.Mutex
	written []model.TokenUsage
	fail    bool
}

func (m *fakeMirror) Write(_ context.Context, u model.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errFakeMirror
	}
	m.written = append(m.written, u)
	return nil
}

var errFakeMirror = fakeMirrorErr("mirror unavailable")

type fakeMirrorErr string

func (e fakeMirrorErr) Error() string { return string(e) }

func newTestAccountant(store *fakeUsageStore, mirror Mirror) (*Accountant, *sysconfig.Resolver) {
	tariffs := NewStaticTariffTable(config.PricingConfig{Tariffs: []config.TariffEntry{
		{Model: "gpt-test", Operation: string(model.OpResponseGeneration), InputPerM: 1.0, OutputPerM: 2.0},
	}})
	resolver := sysconfig.New(newFakeConfigStore(), 0)
	return New(tariffs, store, mirror, resolver), resolver
}

func TestAccountant_ComputeWritesUsageAndAppliesExchangeRate(t *testing.T) {
	store := &fakeUsageStore{}
	a, resolver := newTestAccountant(store, nil)

	if _, err := resolver.Set(context.Background(), sysconfig.KeyExchangeRateUSDToXAF, 600.0, "", "admin"); err != nil {
		t.Fatalf("set rate: %v", err)
	}

	usage, err := a.Compute(context.Background(), model.OpResponseGeneration, "gpt-test", 1_000_000, 500_000)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if usage.CostUSD != 2.0 {
		t.Fatalf("expected cost_usd 2.0 (1*1.0 + 0.5*2.0), got %v", usage.CostUSD)
	}
	if usage.CostXAF != 1200.0 {
		t.Fatalf("expected cost_xaf 1200.0, got %v", usage.CostXAF)
	}
	if len(store.written) != 1 {
		t.Fatalf("expected one written row, got %d", len(store.written))
	}
}

func TestAccountant_UnknownTariffFails(t *testing.T) {
	store := &fakeUsageStore{}
	a, _ := newTestAccountant(store, nil)

	_, err := a.Compute(context.Background(), model.OpEmbedding, "unknown-model", 10, 0)
	if err == nil {
		t.Fatalf("expected error for unconfigured tariff")
	}
	if model.KindOf(err) != model.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", model.KindOf(err))
	}
}

func TestAccountant_MirrorFailureDoesNotFailCompute(t *testing.T) {
	store := &fakeUsageStore{}
	mirror := &fakeMirror{fail: true}
	a, _ := newTestAccountant(store, mirror)

	usage, err := a.Compute(context.Background(), model.OpResponseGeneration, "gpt-test", 100, 100)
	if err != nil {
		t.Fatalf("expected success despite mirror failure, got %v", err)
	}
	if usage.TokensInput != 100 {
		t.Fatalf("expected usage to still be returned, got %+v", usage)
	}
	if len(store.written) != 1 {
		t.Fatalf("expected relational write to still happen")
	}
}
