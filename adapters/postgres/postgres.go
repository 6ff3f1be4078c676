// Package postgres provides a PostgreSQL implementation of the event log and
// snapshot store.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
	ErrStoreUnavailable    = adapters.ErrStoreUnavailable
)

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventLog        = (*PostgresAdapter)(nil)
	_ adapters.SnapshotAdapter = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker   = (*PostgresAdapter)(nil)
	_ adapters.StreamLister    = (*PostgresAdapter)(nil)
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

// PostgresAdapter is a PostgreSQL implementation of EventLog and SnapshotAdapter.
type PostgresAdapter struct {
	db            *sql.DB
	schema        string
	keepSnapshots int
	closed        bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithSnapshotRetention keeps at most n snapshots per stream. n <= 0 keeps all.
func WithSnapshotRetention(n int) Option {
	return func(a *PostgresAdapter) {
		a.keepSnapshots = n
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a PostgreSQL connection pool through the pgx stdlib driver.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("locus/postgres: failed to open database: %w", err)
	}

	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:            db,
		schema:        "locus",
		keepSnapshots: 3,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// table returns the quoted, schema-qualified table name.
func (a *PostgresAdapter) table(name string) string {
	return pq.QuoteIdentifier(a.schema) + "." + pq.QuoteIdentifier(name)
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate runs database migrations. It is idempotent.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	statements := []struct {
		what string
		sql  string
	}{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(a.schema))},
		{"streams table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream_id       VARCHAR(500) PRIMARY KEY,
				category        VARCHAR(250) NOT NULL,
				version         BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, a.table("streams"))},
		{"events table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				global_position BIGSERIAL PRIMARY KEY,
				stream_id       VARCHAR(500) NOT NULL,
				version         BIGINT NOT NULL,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				event_type      VARCHAR(250) NOT NULL,
				schema_version  INT NOT NULL DEFAULT 1,
				occurred_at     TIMESTAMPTZ NOT NULL,
				payload         JSONB NOT NULL,
				metadata        JSONB,
				stored_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (stream_id, version)
			)`, a.table("events"))},
		{"events type index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_type ON %s (event_type)`, a.table("events"))},
		{"snapshots table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream_id       VARCHAR(500) NOT NULL,
				version         BIGINT NOT NULL,
				encoding        VARCHAR(32) NOT NULL,
				data            BYTEA NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (stream_id, version)
			)`, a.table("snapshots"))},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("locus/postgres: failed to create %s: %w", stmt.what, classify("migrate", err))
		}
	}

	return nil
}

// Append stores one event with optimistic concurrency control.
// The stream row is locked for the duration of the transaction so concurrent
// writers serialize on it; a lost race on stream creation surfaces as a
// concurrency conflict through the unique constraint.
func (a *PostgresAdapter) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	if a.closed {
		return adapters.StoredEvent{}, ErrAdapterClosed
	}

	if streamID == "" {
		return adapters.StoredEvent{}, ErrEmptyStreamID
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return adapters.StoredEvent{}, classify("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	streamExists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s
		WHERE stream_id = $1
		FOR UPDATE`, a.table("streams")), streamID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
		currentVersion = 0
	} else if err != nil {
		return adapters.StoredEvent{}, classify("read stream version", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, streamExists); err != nil {
		return adapters.StoredEvent{}, err
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, category, version)
			VALUES ($1, $2, 0)`, a.table("streams")), streamID, adapters.ExtractCategory(streamID))
		if err != nil {
			return adapters.StoredEvent{}, a.appendError(streamID, expectedVersion, currentVersion, "create stream", err)
		}
	}

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("locus/postgres: failed to marshal metadata: %w", err)
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	// TIMESTAMPTZ keeps microseconds.
	occurredAt = occurredAt.UTC().Truncate(time.Microsecond)

	stored := adapters.StoredEvent{
		StreamID:      streamID,
		Type:          event.Type,
		SchemaVersion: event.SchemaVersion,
		Data:          event.Data,
		Metadata:      event.Metadata,
		Version:       currentVersion + 1,
		OccurredAt:    occurredAt,
	}

	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_id, version, event_type, schema_version, occurred_at, payload, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING global_position, event_id, stored_at`, a.table("events")),
		streamID, stored.Version, event.Type, event.SchemaVersion, occurredAt, event.Data, metadataJSON,
	).Scan(&stored.GlobalPosition, &stored.ID, &stored.Timestamp)
	if err != nil {
		return adapters.StoredEvent{}, a.appendError(streamID, expectedVersion, currentVersion, "insert event", err)
	}
	stored.Timestamp = stored.Timestamp.UTC()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = $1, updated_at = NOW()
		WHERE stream_id = $2`, a.table("streams")), stored.Version, streamID)
	if err != nil {
		return adapters.StoredEvent{}, classify("update stream version", err)
	}

	if err := tx.Commit(); err != nil {
		return adapters.StoredEvent{}, a.appendError(streamID, expectedVersion, currentVersion, "commit", err)
	}

	return stored, nil
}

func (a *PostgresAdapter) appendError(streamID string, expected, current int64, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return adapters.NewConcurrencyError(streamID, expected, current+1)
	}
	return classify(op, err)
}

// Load retrieves the events of a stream with Version > fromVersion.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT global_position, event_id, stream_id, version, event_type, schema_version,
		       occurred_at, payload, metadata, stored_at
		FROM %s
		WHERE stream_id = $1 AND version > $2
		ORDER BY version`, a.table("events")), streamID, fromVersion)
	if err != nil {
		return nil, classify("load events", err)
	}
	defer rows.Close()

	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var metadataJSON []byte

		err := rows.Scan(
			&event.GlobalPosition,
			&event.ID,
			&event.StreamID,
			&event.Version,
			&event.Type,
			&event.SchemaVersion,
			&event.OccurredAt,
			&event.Data,
			&metadataJSON,
			&event.Timestamp,
		)
		if err != nil {
			return nil, classify("scan event", err)
		}
		event.OccurredAt = event.OccurredAt.UTC()
		event.Timestamp = event.Timestamp.UTC()

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("locus/postgres: failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate events", err)
	}

	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, category, version, created_at, updated_at
		FROM %s
		WHERE stream_id = $1`, a.table("streams")), streamID).Scan(
		&info.StreamID,
		&info.Category,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, classify("get stream info", err)
	}

	return &info, nil
}

// ListStreams returns the ids of the streams in category, sorted.
func (a *PostgresAdapter) ListStreams(ctx context.Context, category string) ([]string, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT stream_id
		FROM %s
		WHERE category = $1 AND version > 0
		ORDER BY stream_id`, a.table("streams")), category)
	if err != nil {
		return nil, classify("list streams", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan stream", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate streams", err)
	}
	return ids, nil
}

// SaveSnapshot stores a snapshot and prunes old ones beyond the retention limit.
func (a *PostgresAdapter) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	if a.closed {
		return ErrAdapterClosed
	}

	if snapshot.StreamID == "" {
		return ErrEmptyStreamID
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_id, version, encoding, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_id, version) DO UPDATE SET
			encoding = EXCLUDED.encoding,
			data = EXCLUDED.data,
			created_at = NOW()`, a.table("snapshots")),
		snapshot.StreamID, snapshot.Version, snapshot.Encoding, snapshot.Data)
	if err != nil {
		return classify("save snapshot", err)
	}

	if a.keepSnapshots > 0 {
		_, err = a.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %[1]s
			WHERE stream_id = $1 AND version NOT IN (
				SELECT version FROM %[1]s WHERE stream_id = $1
				ORDER BY version DESC LIMIT $2
			)`, a.table("snapshots")), snapshot.StreamID, a.keepSnapshots)
		if err != nil {
			return classify("prune snapshots", err)
		}
	}

	return nil
}

// LoadSnapshot returns the newest snapshot with Version <= maxVersion.
func (a *PostgresAdapter) LoadSnapshot(ctx context.Context, streamID string, maxVersion int64) (*adapters.SnapshotRecord, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	query := fmt.Sprintf(`
		SELECT stream_id, version, encoding, data, created_at
		FROM %s
		WHERE stream_id = $1 AND ($2 <= 0 OR version <= $2)
		ORDER BY version DESC
		LIMIT 1`, a.table("snapshots"))

	var snapshot adapters.SnapshotRecord
	err := a.db.QueryRowContext(ctx, query, streamID, maxVersion).Scan(
		&snapshot.StreamID,
		&snapshot.Version,
		&snapshot.Encoding,
		&snapshot.Data,
		&snapshot.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("load snapshot", err)
	}

	return &snapshot, nil
}

// DeleteSnapshots removes all snapshots of the stream.
func (a *PostgresAdapter) DeleteSnapshots(ctx context.Context, streamID string) error {
	if a.closed {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE stream_id = $1`, a.table("snapshots")), streamID)
	if err != nil {
		return classify("delete snapshots", err)
	}

	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	if err := a.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

// classify wraps transient failures as adapters.UnavailableError so the
// repository knows to retry them. Everything else is wrapped verbatim.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return adapters.NewUnavailableError(op, err)
	}
	return fmt.Errorf("locus/postgres: %s: %w", op, err)
}

// IsTransient reports whether err is a connection-level or retryable
// server-side failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeAdminShutdown, codeCannotConnectNow:
			return true
		}
		// Class 08: connection exception.
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == "08"
	}

	return false
}
