// Package embedded provides a SQLite-backed FIFO broker for single-node deployments.
//
// The broker is a real queue, not a mock: messages persist across restarts,
// per-group ordering is enforced by claiming rows with a conditional UPDATE so
// that at most one consumer holds a group at a time, and unacked claims become
// visible again after the visibility timeout.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

const defaultGroup = "default"

// Broker owns the SQLite database backing one or more logical queues.
type Broker struct {
	db   *sql.DB
	path string
}

// BrokerOptions configures the embedded broker.
type BrokerOptions struct {
	// DatabasePath is the SQLite file location. ":memory:" is supported for tests.
	DatabasePath string
}

// NewBroker opens (creating if needed) the broker database.
func NewBroker(opts BrokerOptions) (*Broker, error) {
	path := opts.DatabasePath
	if path == "" {
		path = "./data/broker.db"
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create broker data directory: %w", err)
		}
	}

	// Single connection: SQLite serializes writers anyway, and one connection
	// keeps the claim UPDATE atomic without SQLITE_BUSY churn.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_fk=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &Broker{db: db, path: path}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Embedded broker ready", "path", path)
	return b, nil
}

func (b *Broker) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name      TEXT    NOT NULL,
	message_id      TEXT    NOT NULL,
	group_id        TEXT    NOT NULL DEFAULT 'default',
	dedup_id        TEXT,
	body            BLOB    NOT NULL,
	enqueued_at     INTEGER NOT NULL,
	visible_at      INTEGER NOT NULL,
	inflight_owner  TEXT,
	claim_expires_at INTEGER,
	delivery_count  INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
	ON messages(queue_name, dedup_id) WHERE dedup_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_ready
	ON messages(queue_name, group_id, visible_at);
CREATE INDEX IF NOT EXISTS idx_messages_claims
	ON messages(queue_name, claim_expires_at) WHERE inflight_owner IS NOT NULL;
`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate broker schema: %w", err)
	}
	return nil
}

// Enqueue inserts a message. An empty groupID maps to the default group.
// A non-empty dedupID makes the insert idempotent: duplicates are dropped.
func (b *Broker) Enqueue(ctx context.Context, queueName, messageID, groupID, dedupID string, body []byte) error {
	if groupID == "" {
		groupID = defaultGroup
	}
	now := time.Now().UnixMilli()

	var dedup any
	if dedupID != "" {
		dedup = dedupID
	}

	res, err := b.db.ExecContext(ctx, `
INSERT INTO messages (queue_name, message_id, group_id, dedup_id, body, enqueued_at, visible_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(queue_name, dedup_id) WHERE dedup_id IS NOT NULL DO NOTHING`,
		queueName, messageID, groupID, dedup, body, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Duplicate message dropped by broker", "queue", queueName, "messageId", messageID)
	}
	return nil
}

// ClaimedMessage is a row handed to a consumer. Seq doubles as the broker
// message handle for ack/nack.
type ClaimedMessage struct {
	Seq           int64
	MessageID     string
	GroupID       string
	Body          []byte
	DeliveryCount int
}

// Claim hands out up to maxMessages rows from queueName to owner. A group with
// any row still claimed is skipped entirely, so one consumer per group holds
// the FIFO lane. Each claim is a conditional UPDATE: under two competing
// consumers exactly one wins a given row.
func (b *Broker) Claim(ctx context.Context, queueName, owner string, maxMessages int, visibility time.Duration) ([]ClaimedMessage, error) {
	now := time.Now().UnixMilli()
	expires := now + visibility.Milliseconds()

	var claimed []ClaimedMessage
	for len(claimed) < maxMessages {
		row := b.db.QueryRowContext(ctx, `
UPDATE messages SET inflight_owner = ?, claim_expires_at = ?, delivery_count = delivery_count + 1
WHERE seq = (
	SELECT m.seq FROM messages m
	WHERE m.queue_name = ? AND m.inflight_owner IS NULL AND m.visible_at <= ?
	AND NOT EXISTS (
		SELECT 1 FROM messages c
		WHERE c.queue_name = m.queue_name AND c.group_id = m.group_id
		AND c.inflight_owner IS NOT NULL AND c.claim_expires_at > ?
	)
	ORDER BY m.seq LIMIT 1
) AND inflight_owner IS NULL
RETURNING seq, message_id, group_id, body, delivery_count`,
			owner, expires, queueName, now, now)

		var m ClaimedMessage
		if err := row.Scan(&m.Seq, &m.MessageID, &m.GroupID, &m.Body, &m.DeliveryCount); err != nil {
			if err == sql.ErrNoRows {
				break
			}
			return claimed, fmt.Errorf("failed to claim message: %w", err)
		}
		claimed = append(claimed, m)
	}
	return claimed, nil
}

// Ack deletes a claimed row. Acking a row that is already gone is not an
// error; the broker logs at debug and reports success.
func (b *Broker) Ack(ctx context.Context, seq int64, owner string) error {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE seq = ? AND inflight_owner = ?`, seq, owner)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Ack for unknown or expired claim", "seq", seq, "owner", owner)
	}
	return nil
}

// Nack releases a claimed row back to the queue after delay.
func (b *Broker) Nack(ctx context.Context, seq int64, owner string, delay time.Duration) error {
	visibleAt := time.Now().Add(delay).UnixMilli()
	res, err := b.db.ExecContext(ctx, `
UPDATE messages SET inflight_owner = NULL, claim_expires_at = NULL, visible_at = ?
WHERE seq = ? AND inflight_owner = ?`,
		visibleAt, seq, owner)
	if err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Nack for unknown or expired claim", "seq", seq, "owner", owner)
	}
	return nil
}

// ExtendClaim pushes the visibility deadline of an in-progress row.
func (b *Broker) ExtendClaim(ctx context.Context, seq int64, owner string, visibility time.Duration) error {
	expires := time.Now().Add(visibility).UnixMilli()
	_, err := b.db.ExecContext(ctx, `
UPDATE messages SET claim_expires_at = ?
WHERE seq = ? AND inflight_owner = ?`,
		expires, seq, owner)
	if err != nil {
		return fmt.Errorf("failed to extend claim: %w", err)
	}
	return nil
}

// ReleaseExpired returns rows whose claims lapsed to the visible pool.
// Called by consumers before each poll.
func (b *Broker) ReleaseExpired(ctx context.Context, queueName string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := b.db.ExecContext(ctx, `
UPDATE messages SET inflight_owner = NULL, claim_expires_at = NULL
WHERE queue_name = ? AND inflight_owner IS NOT NULL AND claim_expires_at <= ?`,
		queueName, now)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("Released expired message claims", "queue", queueName, "count", n)
	}
	return n, nil
}

// Depth returns the number of visible (unclaimed) messages in the queue.
func (b *Broker) Depth(ctx context.Context, queueName string) (int64, error) {
	now := time.Now().UnixMilli()
	var n int64
	err := b.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages
WHERE queue_name = ? AND inflight_owner IS NULL AND visible_at <= ?`,
		queueName, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// InFlight returns the number of currently claimed messages in the queue.
func (b *Broker) InFlight(ctx context.Context, queueName string) (int64, error) {
	now := time.Now().UnixMilli()
	var n int64
	err := b.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages
WHERE queue_name = ? AND inflight_owner IS NOT NULL AND claim_expires_at > ?`,
		queueName, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read in-flight count: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database answers queries.
func (b *Broker) HealthCheck(ctx context.Context) error {
	var one int
	if err := b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("broker database unavailable: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *Broker) Close() error {
	slog.Info("Closing embedded broker", "path", b.path)
	return b.db.Close()
}
