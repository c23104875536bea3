package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/transform"
)

// PostgresStore implements ConnectionStore, SubscriptionStore and
// FailureStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.InternalError("failed to create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.InternalError("failed to connect to database", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS connections (
	id            TEXT PRIMARY KEY,
	service_id    TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expiry  TIMESTAMPTZ,
	scopes        JSONB NOT NULL DEFAULT '[]',
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_owner ON connections(owner_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	id              TEXT PRIMARY KEY,
	connection_id   TEXT NOT NULL REFERENCES connections(id),
	event_type      TEXT NOT NULL,
	endpoint_secret TEXT NOT NULL,
	filter          TEXT NOT NULL DEFAULT '',
	mappings        JSONB NOT NULL DEFAULT '[]',
	target_url      TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_event ON subscriptions(event_type, status);

CREATE TABLE IF NOT EXISTS terminal_failures (
	action_id       TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	subscription_id TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL,
	payload         JSONB,
	attempts        INT NOT NULL,
	failed_at       TIMESTAMPTZ NOT NULL
);`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.InternalError("failed to run migrations", err)
	}
	return nil
}

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *Connection) error {
	scopes, err := json.Marshal(conn.Scopes)
	if err != nil {
		return errors.InternalError("failed to encode scopes", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO connections
			(id, service_id, owner_id, access_token, refresh_token, token_expiry, scopes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conn.ID, conn.ServiceID, conn.OwnerID, conn.AccessToken, conn.RefreshToken,
		conn.TokenExpiry, scopes, conn.Status, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return errors.InternalError("failed to create connection", err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, service_id, owner_id, access_token, refresh_token, token_expiry, scopes, status, created_at, updated_at
		FROM connections WHERE id = $1`, id)

	conn, err := scanConnection(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundError("connection")
		}
		return nil, errors.InternalError("failed to get connection", err)
	}
	return conn, nil
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, conn *Connection) error {
	scopes, err := json.Marshal(conn.Scopes)
	if err != nil {
		return errors.InternalError("failed to encode scopes", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET access_token = $2, refresh_token = $3, token_expiry = $4, scopes = $5, status = $6, updated_at = $7
		WHERE id = $1`,
		conn.ID, conn.AccessToken, conn.RefreshToken, conn.TokenExpiry, scopes, conn.Status, time.Now().UTC(),
	)
	if err != nil {
		return errors.InternalError("failed to update connection", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("connection")
	}
	return nil
}

func (s *PostgresStore) ListConnectionsByOwner(ctx context.Context, ownerID string) ([]*Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, service_id, owner_id, access_token, refresh_token, token_expiry, scopes, status, created_at, updated_at
		FROM connections WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, errors.InternalError("failed to list connections", err)
	}
	defer rows.Close()

	var result []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan connection", err)
		}
		result = append(result, conn)
	}
	return result, rows.Err()
}

func scanConnection(row pgx.Row) (*Connection, error) {
	var (
		conn   Connection
		scopes []byte
	)
	err := row.Scan(&conn.ID, &conn.ServiceID, &conn.OwnerID, &conn.AccessToken, &conn.RefreshToken,
		&conn.TokenExpiry, &scopes, &conn.Status, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &conn.Scopes); err != nil {
			return nil, err
		}
	}
	return &conn, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	mappings, err := json.Marshal(sub.Mappings)
	if err != nil {
		return errors.InternalError("failed to encode mappings", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscriptions
			(id, connection_id, event_type, endpoint_secret, filter, mappings, target_url, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.ConnectionID, sub.EventType, sub.EndpointSecret, sub.Filter,
		mappings, sub.TargetURL, sub.Status, sub.CreatedAt,
	)
	if err != nil {
		return errors.InternalError("failed to create subscription", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, connection_id, event_type, endpoint_secret, filter, mappings, target_url, status, created_at
		FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundError("subscription")
		}
		return nil, errors.InternalError("failed to get subscription", err)
	}
	return sub, nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	mappings, err := json.Marshal(sub.Mappings)
	if err != nil {
		return errors.InternalError("failed to encode mappings", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET event_type = $2, endpoint_secret = $3, filter = $4, mappings = $5, target_url = $6, status = $7
		WHERE id = $1`,
		sub.ID, sub.EventType, sub.EndpointSecret, sub.Filter, mappings, sub.TargetURL, sub.Status,
	)
	if err != nil {
		return errors.InternalError("failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError("subscription")
	}
	return nil
}

func (s *PostgresStore) ListActiveByEventType(ctx context.Context, eventType string) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, connection_id, event_type, endpoint_secret, filter, mappings, target_url, status, created_at
		FROM subscriptions WHERE event_type = $1 AND status = $2 ORDER BY id`,
		eventType, SubscriptionActive)
	if err != nil {
		return nil, errors.InternalError("failed to list subscriptions", err)
	}
	defer rows.Close()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.InternalError("failed to scan subscription", err)
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		sub      Subscription
		mappings []byte
	)
	err := row.Scan(&sub.ID, &sub.ConnectionID, &sub.EventType, &sub.EndpointSecret, &sub.Filter,
		&mappings, &sub.TargetURL, &sub.Status, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &sub.Mappings); err != nil {
			return nil, err
		}
	}
	if sub.Mappings == nil {
		sub.Mappings = []transform.MappingRule{}
	}
	return &sub, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, failure *TerminalFailure) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO terminal_failures (action_id, kind, subscription_id, last_error, payload, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (action_id) DO UPDATE
		SET last_error = EXCLUDED.last_error, attempts = EXCLUDED.attempts, failed_at = EXCLUDED.failed_at`,
		failure.ActionID, failure.Kind, failure.SubscriptionID, failure.LastError,
		[]byte(failure.Payload), failure.Attempts, failure.FailedAt,
	)
	if err != nil {
		return errors.InternalError("failed to record terminal failure", err)
	}
	return nil
}

func (s *PostgresStore) ListFailures(ctx context.Context, limit int) ([]*TerminalFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT action_id, kind, subscription_id, last_error, payload, attempts, failed_at
		FROM terminal_failures ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.InternalError("failed to list terminal failures", err)
	}
	defer rows.Close()

	var result []*TerminalFailure
	for rows.Next() {
		var (
			failure TerminalFailure
			payload []byte
		)
		err := rows.Scan(&failure.ActionID, &failure.Kind, &failure.SubscriptionID,
			&failure.LastError, &payload, &failure.Attempts, &failure.FailedAt)
		if err != nil {
			return nil, errors.InternalError("failed to scan terminal failure", err)
		}
		failure.Payload = payload
		result = append(result, &failure)
	}
	return result, rows.Err()
}
