// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package connlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/wolfbot-labs/wolflink/lib/sqlitepool"
	"github.com/wolfbot-labs/wolflink/linking"
)

const schema = `
CREATE TABLE IF NOT EXISTS connection_log (
	session_id TEXT PRIMARY KEY,
	method     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	linked_at  INTEGER,
	ended_at   INTEGER
);
CREATE INDEX IF NOT EXISTS connection_log_created ON connection_log (created_at);
`

// queueSize bounds the pending record queue. Records beyond it are
// dropped rather than stalling session state machines.
const queueSize = 256

// Config holds the parameters for opening a Log.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Entry is one row of session history.
type Entry struct {
	SessionID string         `json:"session_id"`
	Method    linking.Method `json:"connection_method"`
	Status    linking.Status `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	LinkedAt  *time.Time     `json:"linked_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Summary aggregates the session history.
type Summary struct {
	// Active counts sessions currently in the connected state.
	Active int `json:"active"`

	// Total counts every session ever recorded.
	Total int `json:"total"`

	// Linked counts sessions that reached connected at least once.
	Linked int `json:"linked"`

	// Failed counts sessions whose final status is failed.
	Failed int `json:"failed"`

	// Today and ThisMonth count sessions created in the current UTC
	// day and month.
	Today     int `json:"today"`
	ThisMonth int `json:"this_month"`
}

type record struct {
	sessionID string
	method    linking.Method
	status    linking.Status
	at        time.Time
	created   bool

	// ack, when set, marks a synchronization barrier instead of a
	// write. The writer closes it once everything queued before it has
	// been applied.
	ack chan struct{}
}

// Log is the durable session history. It satisfies linking.Recorder.
//
// The records channel is never closed: producers are session state
// machines that may still be winding down when the log shuts down, and
// a send must never panic. Close signals the writer through stop
// instead; records enqueued after that are dropped.
type Log struct {
	pool      *sqlitepool.Pool
	logger    *slog.Logger
	records   chan record
	stop      chan struct{}
	done      chan struct{}
	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if necessary) the history database and starts
// the writer goroutine. The caller must Close the log when done.
func Open(cfg Config) (*Log, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connlog: %w", err)
	}

	l := &Log{
		pool:    pool,
		logger:  logger,
		records: make(chan record, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// SessionCreated records a new session. Never blocks.
func (l *Log) SessionCreated(sessionID string, method linking.Method, at time.Time) {
	l.enqueue(record{sessionID: sessionID, method: method, status: linking.StatusPending, at: at, created: true})
}

// SessionStatus records a status transition. Never blocks.
func (l *Log) SessionStatus(sessionID string, status linking.Status, at time.Time) {
	l.enqueue(record{sessionID: sessionID, status: status, at: at})
}

func (l *Log) enqueue(rec record) {
	select {
	case l.records <- rec:
	default:
		if l.dropped.Add(1)%100 == 1 {
			l.logger.Warn("connection log queue full, dropping records", "dropped", l.dropped.Load())
		}
	}
}

// Dropped returns how many records were discarded because the queue
// was full.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

// Sync blocks until every record queued before the call has been
// written. Returns immediately once the log is closed.
func (l *Log) Sync() {
	ack := make(chan struct{})
	select {
	case l.records <- record{ack: ack}:
		select {
		case <-ack:
		case <-l.done:
		}
	case <-l.done:
	}
}

// Close applies everything already queued and closes the database.
// Idempotent; records arriving after Close are dropped.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
		l.closeErr = l.pool.Close()
	})
	return l.closeErr
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for {
		select {
		case rec := <-l.records:
			l.write(rec)
		case <-l.stop:
			// Drain what was queued before the stop signal.
			for {
				select {
				case rec := <-l.records:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) write(rec record) {
	if rec.ack != nil {
		close(rec.ack)
		return
	}
	if err := l.apply(rec); err != nil {
		l.logger.Error("connection log write failed",
			"session_id", rec.sessionID, "error", err)
	}
}

func (l *Log) apply(rec record) error {
	conn, err := l.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	if rec.created {
		return sqlitex.Execute(conn, `
			INSERT INTO connection_log (session_id, method, status, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id) DO NOTHING`,
			&sqlitex.ExecOptions{
				Args: []any{rec.sessionID, string(rec.method), string(rec.status), rec.at.Unix()},
			})
	}

	// linked_at captures the first transition to connected; ended_at
	// the first transition to a terminal state.
	return sqlitex.Execute(conn, `
		UPDATE connection_log SET
			status = ?,
			linked_at = CASE WHEN ? = 'connected' AND linked_at IS NULL THEN ? ELSE linked_at END,
			ended_at  = CASE WHEN ? IN ('failed', 'terminated') AND ended_at IS NULL THEN ? ELSE ended_at END
		WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				string(rec.status),
				string(rec.status), rec.at.Unix(),
				string(rec.status), rec.at.Unix(),
				rec.sessionID,
			},
		})
}

// Summarize aggregates the history relative to now (UTC day and month
// boundaries).
func (l *Log) Summarize(ctx context.Context, now time.Time) (Summary, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return Summary{}, err
	}
	defer l.pool.Put(conn)

	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Unix()
	monthStart := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()

	var summary Summary
	err = sqlitex.Execute(conn, `
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'connected'), 0),
			COALESCE(SUM(linked_at IS NOT NULL), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(created_at >= ?), 0),
			COALESCE(SUM(created_at >= ?), 0)
		FROM connection_log`,
		&sqlitex.ExecOptions{
			Args: []any{dayStart, monthStart},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				summary.Total = stmt.ColumnInt(0)
				summary.Active = stmt.ColumnInt(1)
				summary.Linked = stmt.ColumnInt(2)
				summary.Failed = stmt.ColumnInt(3)
				summary.Today = stmt.ColumnInt(4)
				summary.ThisMonth = stmt.ColumnInt(5)
				return nil
			},
		})
	if err != nil {
		return Summary{}, fmt.Errorf("connlog: summarize: %w", err)
	}
	return summary, nil
}

// Recent returns the most recently created sessions, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT session_id, method, status, created_at, linked_at, ended_at
		FROM connection_log
		ORDER BY created_at DESC, session_id DESC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry := Entry{
					SessionID: stmt.ColumnText(0),
					Method:    linking.Method(stmt.ColumnText(1)),
					Status:    linking.Status(stmt.ColumnText(2)),
					CreatedAt: time.Unix(stmt.ColumnInt64(3), 0).UTC(),
				}
				if stmt.ColumnType(4) != sqlite.TypeNull {
					linked := time.Unix(stmt.ColumnInt64(4), 0).UTC()
					entry.LinkedAt = &linked
				}
				if stmt.ColumnType(5) != sqlite.TypeNull {
					ended := time.Unix(stmt.ColumnInt64(5), 0).UTC()
					entry.EndedAt = &ended
				}
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("connlog: recent: %w", err)
	}
	return entries, nil
}
