// Package snapshot is the Time-Series Store's optional persistence mirror
// (spec §6.3: "a small deployment may keep them in a single embedded
// store"). It is an append-only msgpack-encoded log written to a WAL-mode
// sqlite database, adapted from trader-go/internal/database/db.go's
// sql.Open pattern. The in-memory store.Store remains authoritative for
// hot reads; Writer exists purely for restart recovery via Replay.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// Stream names a natural-key monotonicity stream (mirrors store.Store's
// Append* methods).
type Stream string

const (
	StreamIndexValue       Stream = "index_value"
	StreamRAY              Stream = "ray"
	StreamPegMetrics       Stream = "peg_metrics"
	StreamLiquidityMetrics Stream = "liquidity_metrics"
	StreamRegimeSample     Stream = "regime_sample"
)

// Writer appends msgpack-encoded records to an embedded sqlite database.
type Writer struct {
	conn *sql.DB
}

// Open creates (or reopens) the snapshot database at path in WAL mode and
// ensures its schema exists.
func Open(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping snapshot database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer append log; avoid sqlite write contention

	w := &Writer{conn: conn}
	if err := w.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) migrate() error {
	_, err := w.conn.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	stream      TEXT NOT NULL,
	natural_key TEXT NOT NULL,
	observed_at INTEGER NOT NULL,
	payload     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_stream ON snapshots (stream, natural_key, observed_at);
`)
	return err
}

func (w *Writer) Close() error { return w.conn.Close() }

// Append encodes v as msgpack and inserts it into the append-only log.
// observedAtUnixMilli orders replay within (stream, naturalKey).
func (w *Writer) Append(ctx context.Context, stream Stream, naturalKey string, observedAtUnixMilli int64, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", stream, err)
	}
	_, err = w.conn.ExecContext(ctx,
		`INSERT INTO snapshots (stream, natural_key, observed_at, payload) VALUES (?, ?, ?, ?)`,
		string(stream), naturalKey, observedAtUnixMilli, payload)
	return err
}

// Replay decodes every row for stream in insertion order, invoking decode
// on each payload. Callers use this at startup to rebuild store.Store.
func (w *Writer) Replay(ctx context.Context, stream Stream, decode func(payload []byte) error) error {
	rows, err := w.conn.QueryContext(ctx,
		`SELECT payload FROM snapshots WHERE stream = ? ORDER BY id ASC`, string(stream))
	if err != nil {
		return fmt.Errorf("query %s snapshots: %w", stream, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return err
		}
		if err := decode(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}
