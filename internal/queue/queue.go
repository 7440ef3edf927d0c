// Package queue implements the persistent Message Queue (§4.E): a
// durable, single-writer store of outbound relay messages with backoff
// retry and TTL expiry. It is grounded on goop2's storage idiom
// (internal/storage/db.go — modernc.org/sqlite, WAL + busy_timeout
// pragmas) generalized from a generic table store to the fixed
// message_queue schema spec.md §6 names. Unlike goop2 it adds no mutex of
// its own: every query goes straight through *sql.DB, which is safe for
// concurrent use.
package queue

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Priority orders queued messages for delivery (§3: "priority: enum{LOW,
// NORMAL, HIGH, URGENT}").
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Status is a message's position in the delivery state machine (§4.E).
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

const (
	defaultMaxAttempts     = 5
	defaultBackoffMultiplier = 2
	defaultMaxBackoffDelay   = 5 * time.Minute
	defaultGetNextLimit      = 10
	schedulerGetNextLimit    = 50
)

// DuplicateSentinel is returned by Enqueue in place of a MessageId when
// the (fromNode, toNode, message, createdAt) uniqueness constraint is hit
// (§4.E: "returns the sentinel 'duplicate', not an error").
const DuplicateSentinel = "duplicate"

// ErrQueueFull is returned by Enqueue when admitting the message would
// exceed maxQueueSize pending+processing rows (§7: QueueFull policy).
var ErrQueueFull = fmt.Errorf("queue: full")

// QueuedMessage mirrors a message_queue row (§3).
type QueuedMessage struct {
	ID            string
	FromNode      uint32
	ToNode        uint32
	Message       string
	TargetStation string
	Priority      Priority
	TTL           int64 // seconds
	CreatedAt     int64 // ms epoch
	ScheduledFor  int64 // ms epoch
	Attempts      int
	MaxAttempts   int
	Status        Status
	LastError     string
}

// EnqueueOptions configures an Enqueue call; zero values fall back to the
// documented defaults (§4.E).
type EnqueueOptions struct {
	TargetStation string
	Priority      Priority
	TTL           time.Duration
	MaxAttempts   int
	Delay         time.Duration
}

// Stats reports counts per status, for diagnostics and the `status` mesh
// command.
type Stats struct {
	Pending    int
	Processing int
	Delivered  int
	Failed     int
	Expired    int
}

// Queue is the durable message store.
type Queue struct {
	db            *sql.DB
	maxQueueSize  int
	nowFn         func() time.Time
}

// Open creates or opens the SQLite-backed queue at <dataDir>/queue.db,
// applies the schema, and resets any crashed PROCESSING rows back to
// PENDING (§4.E: "explicit recovery step on open").
func Open(dataDir string, maxQueueSize int) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "queue.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure queue database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create message_queue schema: %w", err)
	}

	q := &Queue{db: db, maxQueueSize: maxQueueSize, nowFn: time.Now}

	if err := q.recoverCrashedRows(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover crashed rows: %w", err)
	}

	return q, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS message_queue (
	id TEXT PRIMARY KEY,
	from_node INTEGER NOT NULL,
	to_node INTEGER NOT NULL,
	message TEXT NOT NULL,
	target_station TEXT,
	priority INTEGER NOT NULL,
	ttl INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	scheduled_for INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT,
	UNIQUE(from_node, to_node, message, created_at)
);
CREATE INDEX IF NOT EXISTS idx_message_queue_dispatch
	ON message_queue (status, priority DESC, scheduled_for ASC);
CREATE INDEX IF NOT EXISTS idx_message_queue_created_at
	ON message_queue (created_at);
CREATE INDEX IF NOT EXISTS idx_message_queue_target_station
	ON message_queue (target_station);
`

// recoverCrashedRows resets PROCESSING rows left over from an unclean
// shutdown back to PENDING (§4.E durability note).
func (q *Queue) recoverCrashedRows() error {
	_, err := q.db.Exec(
		`UPDATE message_queue SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusProcessing),
	)
	return err
}

// Close closes the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) now() time.Time { return q.nowFn() }

// Enqueue admits a new message for delivery, returning its id, or
// DuplicateSentinel if an identical row already exists.
func (q *Queue) Enqueue(fromNode, toNode uint32, text string, opts EnqueueOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	var active int
	if err := q.db.QueryRow(
		`SELECT COUNT(*) FROM message_queue WHERE status IN (?, ?)`,
		string(StatusPending), string(StatusProcessing),
	).Scan(&active); err != nil {
		return "", fmt.Errorf("count active messages: %w", err)
	}
	if q.maxQueueSize > 0 && active >= q.maxQueueSize {
		return "", ErrQueueFull
	}

	now := q.now()
	createdAt := now.UnixMilli()
	scheduledFor := now.Add(opts.Delay).UnixMilli()
	id := uuid.NewString()

	_, err := q.db.Exec(
		`INSERT INTO message_queue
			(id, from_node, to_node, message, target_station, priority, ttl,
			 created_at, scheduled_for, attempts, max_attempts, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULL)`,
		id, fromNode, toNode, text, nullableString(opts.TargetStation), int(opts.Priority),
		int64(ttl.Seconds()), createdAt, scheduledFor, maxAttempts, string(StatusPending),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return DuplicateSentinel, nil
		}
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return id, nil
}

// GetNextMessages returns due PENDING messages ordered by priority desc,
// scheduledFor asc. limit<=0 uses the default of 10.
func (q *Queue) GetNextMessages(limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = defaultGetNextLimit
	}
	rows, err := q.db.Query(
		`SELECT id, from_node, to_node, message, target_station, priority, ttl,
		        created_at, scheduled_for, attempts, max_attempts, status, last_error
		 FROM message_queue
		 WHERE status = ? AND scheduled_for <= ?
		 ORDER BY priority DESC, scheduled_for ASC
		 LIMIT ?`,
		string(StatusPending), q.now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query next messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessagesByStation returns the most recent messages bound for a
// given target station, for bridge diagnostics (§4.E).
func (q *Queue) GetMessagesByStation(stationID string, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = defaultGetNextLimit
	}
	rows, err := q.db.Query(
		`SELECT id, from_node, to_node, message, target_station, priority, ttl,
		        created_at, scheduled_for, attempts, max_attempts, status, last_error
		 FROM message_queue
		 WHERE target_station = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		stationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages by station: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkProcessing transitions PENDING -> PROCESSING and increments
// attempts. Returns false if the row isn't currently PENDING.
func (q *Queue) MarkProcessing(id string) (bool, error) {
	res, err := q.db.Exec(
		`UPDATE message_queue SET status = ?, attempts = attempts + 1
		 WHERE id = ? AND status = ?`,
		string(StatusProcessing), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processing rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkDelivered transitions a row to DELIVERED from any status
// (idempotent terminal transition).
func (q *Queue) MarkDelivered(id string) error {
	_, err := q.db.Exec(
		`UPDATE message_queue SET status = ? WHERE id = ?`,
		string(StatusDelivered), id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. If attempts have been exhausted
// the row moves to the terminal FAILED state and retryable is false;
// otherwise the row moves back to PENDING with an exponential backoff
// delay and retryable is true.
func (q *Queue) MarkFailed(id, errorText string) (retryable bool, err error) {
	var attempts, maxAttempts int
	if err := q.db.QueryRow(
		`SELECT attempts, max_attempts FROM message_queue WHERE id = ?`, id,
	).Scan(&attempts, &maxAttempts); err != nil {
		return false, fmt.Errorf("load message for failure: %w", err)
	}

	if attempts >= maxAttempts {
		if _, err := q.db.Exec(
			`UPDATE message_queue SET status = ?, last_error = ? WHERE id = ?`,
			string(StatusFailed), errorText, id,
		); err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}
		return false, nil
	}

	delay := backoffDelay(attempts)
	scheduledFor := q.now().Add(delay).UnixMilli()
	if _, err := q.db.Exec(
		`UPDATE message_queue SET status = ?, scheduled_for = ?, last_error = ? WHERE id = ?`,
		string(StatusPending), scheduledFor, errorText, id,
	); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return true, nil
}

// backoffDelay computes min(backoffMultiplier^(attempts-1) * 1s,
// maxBackoffDelay), per §4.E.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := 1
	for i := 0; i < attempts-1; i++ {
		mult *= defaultBackoffMultiplier
		if time.Duration(mult)*time.Second >= defaultMaxBackoffDelay {
			return defaultMaxBackoffDelay
		}
	}
	d := time.Duration(mult) * time.Second
	if d > defaultMaxBackoffDelay {
		return defaultMaxBackoffDelay
	}
	return d
}

// Cleanup deletes DELIVERED rows older than 1h, transitions expired
// PENDING/PROCESSING rows to EXPIRED, and deletes EXPIRED rows older than
// 24h. Returns the total number of rows deleted.
func (q *Queue) Cleanup() (int64, error) {
	now := q.now()
	var total int64

	res, err := q.db.Exec(
		`DELETE FROM message_queue WHERE status = ? AND created_at <= ?`,
		string(StatusDelivered), now.Add(-1*time.Hour).UnixMilli(),
	)
	if err != nil {
		return total, fmt.Errorf("cleanup delivered: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	if _, err := q.db.Exec(
		`UPDATE message_queue SET status = ?
		 WHERE status IN (?, ?) AND created_at + ttl * 1000 <= ?`,
		string(StatusExpired), string(StatusPending), string(StatusProcessing), now.UnixMilli(),
	); err != nil {
		return total, fmt.Errorf("expire overdue messages: %w", err)
	}

	res, err = q.db.Exec(
		`DELETE FROM message_queue WHERE status = ? AND created_at <= ?`,
		string(StatusExpired), now.Add(-24*time.Hour).UnixMilli(),
	)
	if err != nil {
		return total, fmt.Errorf("cleanup expired: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

// GetStats reports counts per status.
func (q *Queue) GetStats() (Stats, error) {
	rows, err := q.db.Query(`SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = count
		case StatusProcessing:
			s.Processing = count
		case StatusDelivered:
			s.Delivered = count
		case StatusFailed:
			s.Failed = count
		case StatusExpired:
			s.Expired = count
		}
	}
	return s, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]QueuedMessage, error) {
	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var targetStation, lastError sql.NullString
		var priority int
		if err := rows.Scan(
			&m.ID, &m.FromNode, &m.ToNode, &m.Message, &targetStation, &priority, &m.TTL,
			&m.CreatedAt, &m.ScheduledFor, &m.Attempts, &m.MaxAttempts, &m.Status, &lastError,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Priority = Priority(priority)
		m.TargetStation = targetStation.String
		m.LastError = lastError.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation detects the SQLite constraint-violation error text
// modernc.org/sqlite surfaces for a UNIQUE index hit.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
