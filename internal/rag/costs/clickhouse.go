package costs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"manifold/internal/config"
	"manifold/internal/rag/model"
)

// ClickHouseMirror writes one append-only row per TokenUsage event to a
// ClickHouse table, for cost/usage dashboards that would be expensive to
// compute by scanning the relational store. It is purely additive: a write
// failure here is logged by the caller and never fails the billing path.
type ClickHouseMirror struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseMirror opens the connection and ensures the mirror table
// exists. Returns (nil, nil) when cfg.DSN is blank, matching the teacher's
// convention of treating an empty ClickHouse DSN as "feature disabled"
// rather than an error.
func NewClickHouseMirror(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseMirror, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if cfg.Database != "" {
		opts.Auth.Database = cfg.Database
	} else if opts.Auth.Database == "" {
		opts.Auth.Database = "manifold_rag"
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	table := strings.TrimSpace(cfg.TokenUsageTable)
	if table == "" {
		table = "rag_token_usage"
	}

	dbName := opts.Auth.Database
	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", dbName)); err != nil {
		return nil, fmt.Errorf("create database %s: %w", dbName, err)
	}
	if err := ensureTokenUsageTable(ctx, conn, dbName, table); err != nil {
		return nil, err
	}

	return &ClickHouseMirror{conn: conn, table: fmt.Sprintf("%s.%s", dbName, table)}, nil
}

func ensureTokenUsageTable(ctx context.Context, conn clickhouse.Conn, db, table string) error {
	sql := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.%s (
	Id String,
	Operation LowCardinality(String),
	Model LowCardinality(String),
	TokensInput UInt32,
	TokensOutput UInt32,
	CostUSD Float64,
	CostXAF Float64,
	ExchangeRateUsed Float64,
	DocumentId String,
	MessageId String,
	CreatedAt DateTime64(3)
) ENGINE = MergeTree()
ORDER BY (Operation, Model, CreatedAt)
TTL CreatedAt + INTERVAL 365 DAY
SETTINGS index_granularity = 8192
`, db, table)
	return conn.Exec(ctx, sql)
}

// Write inserts one row. Uses AsyncInsert so the billing hot path never
// blocks on ClickHouse's batching/flush behavior.
func (m *ClickHouseMirror) Write(ctx context.Context, u model.TokenUsage) error {
	query := fmt.Sprintf(`INSERT INTO %s
(Id, Operation, Model, TokensInput, TokensOutput, CostUSD, CostXAF, ExchangeRateUsed, DocumentId, MessageId, CreatedAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, now64(3))`, m.table)
	return m.conn.AsyncInsert(ctx, query, false,
		u.ID, string(u.Operation), u.Model, u.TokensInput, u.TokensOutput, u.CostUSD, u.CostXAF, u.ExchangeRateUsed,
		u.DocumentID, u.MessageID)
}

// Close releases the underlying connection pool.
func (m *ClickHouseMirror) Close() error {
	return m.conn.Close()
}
