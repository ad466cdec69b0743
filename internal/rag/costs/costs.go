// Package costs implements the §4.13 cost accountant: it turns a raw
// (operation, model, tokens_in, tokens_out) event into billed USD/XAF cost,
// writes the relational TokenUsage row of record, and best-effort mirrors
// the same event into ClickHouse for dashboards.
package costs

import (
	"context"

	"github.com/google/uuid"

	"manifold/internal/rag/model"
	"manifold/internal/rag/sysconfig"
)

// TariffLookup resolves the per-million-token input/output rate for a
// (model, operation) pair. No tariff or exchange rate is ever compiled in:
// the exchange rate flows through the system config resolver, while the one
// implementation here, StaticTariffTable, reads tariffs from the bootstrap
// config and does not consult the resolver.
type TariffLookup interface {
	Tariff(ctx context.Context, modelName string, operation model.TokenOperation) (inputPerM, outputPerM float64, err error)
}

// Store persists the relational half of a cost event.
type Store interface {
	RecordTokenUsage(ctx context.Context, u model.TokenUsage) error
}

// Mirror is the analytical (ClickHouse) sink. A nil Mirror, or one that
// always errors, must never block the relational write: dashboards are
// best-effort, the TokenUsage row is the system of record.
type Mirror interface {
	Write(ctx context.Context, u model.TokenUsage) error
}

// Logger is the minimal structured-logging contract, matching
// internal/rag/service.Logger so callers can pass that straight through.
type Logger interface {
	Error(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Error(string, map[string]any) {}

// Accountant implements internal/rag/chat.CostComputer.
type Accountant struct {
	Tariffs  TariffLookup
	Store    Store
	Mirror   Mirror
	Resolver *sysconfig.Resolver
	Logger   Logger
}

// New constructs an Accountant. mirror may be nil if no ClickHouse DSN is
// configured — the relational write still happens.
func New(tariffs TariffLookup, store Store, mirror Mirror, resolver *sysconfig.Resolver) *Accountant {
	return &Accountant{Tariffs: tariffs, Store: store, Mirror: mirror, Resolver: resolver, Logger: noopLogger{}}
}

// Compute prices tokensIn/tokensOut for (operation, modelName), writes the
// TokenUsage row, mirrors it to ClickHouse, and returns the row so callers
// (the chat coordinator, the pipeline's embedding stage) can fold its
// cost_usd/cost_xaf into their own aggregates.
func (a *Accountant) Compute(ctx context.Context, operation model.TokenOperation, modelName string, tokensIn, tokensOut int) (model.TokenUsage, error) {
	inputPerM, outputPerM, err := a.Tariffs.Tariff(ctx, modelName, operation)
	if err != nil {
		return model.TokenUsage{}, err
	}
	rate, err := a.Resolver.GetFloat(ctx, sysconfig.KeyExchangeRateUSDToXAF)
	if err != nil {
		return model.TokenUsage{}, err
	}

	costUSD := (float64(tokensIn)*inputPerM + float64(tokensOut)*outputPerM) / 1_000_000
	costXAF := roundTo2(costUSD * rate)

	usage := model.TokenUsage{
		ID:               uuid.NewString(),
		Operation:        operation,
		TokensInput:      tokensIn,
		TokensOutput:     tokensOut,
		CostUSD:          costUSD,
		CostXAF:          costXAF,
		ExchangeRateUsed: rate,
		Model:            modelName,
	}

	if err := a.Store.RecordTokenUsage(ctx, usage); err != nil {
		return model.TokenUsage{}, model.Transient("persist token usage failed", err)
	}

	if a.Mirror != nil {
		if err := a.Mirror.Write(ctx, usage); err != nil {
			a.Logger.Error("cost_mirror_write_failed", map[string]any{"error": err.Error(), "operation": string(operation)})
		}
	}

	return usage, nil
}

func roundTo2(f float64) float64 {
	return float64(int64(f*100+sign(f)*0.5)) / 100
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}
