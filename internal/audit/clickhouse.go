package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink persists audit records into a ClickHouse table using the
// native protocol with batch inserts. The table is append-only, matching
// the write-exactly-once audit contract.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseConfig carries the connection settings for the audit store.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS %s (
    generation_id     String,
    request_id        String,
    team_id           String,
    app_id            String,
    endpoint          LowCardinality(String),
    model             String,
    provider          LowCardinality(String),
    model_slug        String,
    stream            UInt8,
    byok              UInt8,
    status            UInt16,
    success           UInt8,
    error_code        String,
    error_message     String,
    error_ownership   LowCardinality(String),
    error_attribution LowCardinality(String),
    unsupported_param String,
    before_ms         UInt32,
    execute_ms        UInt32,
    adapter_ms        UInt32,
    input_tokens      UInt32,
    output_tokens     UInt32,
    attempts          String,
    edge              String,
    created_at        DateTime64(3, 'UTC')
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, generation_id)
TTL toDateTime(created_at) + INTERVAL 90 DAY
`

func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("clickhouse: no addresses configured")
	}
	if cfg.Table == "" {
		cfg.Table = "gateway_audit"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(auditSchema, cfg.Table)); err != nil {
		return nil, fmt.Errorf("clickhouse: ensure table: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: cfg.Table}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []*Record) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare: %w", err)
	}
	for _, r := range records {
		attempts, _ := json.Marshal(r.Attempts)
		edgeMeta, _ := json.Marshal(r.Edge)
		if err := batch.Append(
			r.GenerationID,
			r.RequestID,
			r.TeamID,
			r.AppID,
			r.Endpoint,
			r.Model,
			r.Provider,
			r.ModelSlug,
			boolToUint8(r.Stream),
			boolToUint8(r.Byok),
			uint16(r.Status),
			boolToUint8(r.Success),
			r.ErrorCode,
			r.ErrorMessage,
			r.ErrorOwnership,
			r.ErrorAttribution,
			r.UnsupportedParam,
			uint32(r.BeforeMs),
			uint32(r.ExecuteMs),
			uint32(r.AdapterMs),
			uint32(r.InputTokens),
			uint32(r.OutputTokens),
			string(attempts),
			string(edgeMeta),
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
