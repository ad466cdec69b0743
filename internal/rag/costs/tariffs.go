package costs

import (
	"context"
	"fmt"

	"manifold/internal/config"
	"manifold/internal/rag/model"
)

// StaticTariffTable resolves rates from the bootstrap-config tariff list
// (internal/config.PricingConfig). It is the only TariffLookup: rates are
// not read from or overridden through SystemConfig, and a pair missing from
// the table is a NotFound error. The table is populated from YAML at
// startup, never hardcoded here.
type StaticTariffTable struct {
	rates map[tariffKey]config.TariffEntry
}

type tariffKey struct {
	model     string
	operation model.TokenOperation
}

// NewStaticTariffTable indexes cfg.Tariffs by (model, operation).
func NewStaticTariffTable(cfg config.PricingConfig) *StaticTariffTable {
	t := &StaticTariffTable{rates: map[tariffKey]config.TariffEntry{}}
	for _, entry := range cfg.Tariffs {
		t.rates[tariffKey{model: entry.Model, operation: model.TokenOperation(entry.Operation)}] = entry
	}
	return t
}

func (t *StaticTariffTable) Tariff(_ context.Context, modelName string, operation model.TokenOperation) (float64, float64, error) {
	entry, ok := t.rates[tariffKey{model: modelName, operation: operation}]
	if !ok {
		return 0, 0, model.NotFound(fmt.Sprintf("no tariff configured for model %q operation %q", modelName, operation), nil)
	}
	return entry.InputPerM, entry.OutputPerM, nil
}
