package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Both surfaces write concurrently; a single connection serializes them.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS call_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at_utc TEXT NOT NULL,
	surface TEXT NOT NULL,
	operation TEXT NOT NULL,
	args_json TEXT,
	success INTEGER NOT NULL,
	error TEXT,
	duration_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_history_at ON call_history(at_utc, id);
CREATE INDEX IF NOT EXISTS idx_call_history_surface_at ON call_history(surface, at_utc, id);
CREATE INDEX IF NOT EXISTS idx_call_history_operation_at ON call_history(operation, at_utc, id);
`)
	if err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) InsertHistory(ctx context.Context, item protocol.HistoryItem) error {
	var argsJSON string
	if len(item.Args) > 0 {
		data, err := json.Marshal(item.Args)
		if err != nil {
			return fmt.Errorf("marshal history args: %w", err)
		}
		argsJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO call_history (at_utc, surface, operation, args_json, success, error, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		item.At.UTC().Format(time.RFC3339Nano),
		item.Surface,
		item.Operation,
		argsJSON,
		boolToInt(item.Success),
		item.Error,
		item.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns up to limit entries, oldest first. Empty filters match everything.
func (s *Store) ListHistory(ctx context.Context, surfaceFilter string, operationFilter string, limit int) ([]protocol.HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT at_utc, surface, operation, args_json, success, error, duration_ms FROM call_history`
	args := make([]any, 0, 3)
	where := ""
	if surfaceFilter != "" {
		where += " surface = ?"
		args = append(args, surfaceFilter)
	}
	if operationFilter != "" {
		if where != "" {
			where += " AND"
		}
		where += " operation = ?"
		args = append(args, operationFilter)
	}
	if where != "" {
		query += " WHERE" + where
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]protocol.HistoryItem, 0, limit)
	for rows.Next() {
		var atUTC string
		var surface string
		var operation string
		var argsJSON sql.NullString
		var success int
		var errText sql.NullString
		var durationMs int64
		if err := rows.Scan(&atUTC, &surface, &operation, &argsJSON, &success, &errText, &durationMs); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, atUTC)
		if err != nil {
			at = time.Now().UTC()
		}
		item := protocol.HistoryItem{
			At:         at,
			Surface:    surface,
			Operation:  operation,
			Success:    success == 1,
			DurationMs: durationMs,
		}
		if errText.Valid {
			item.Error = errText.String
		}
		if argsJSON.Valid && argsJSON.String != "" {
			argsMap := map[string]interface{}{}
			if err := json.Unmarshal([]byte(argsJSON.String), &argsMap); err == nil {
				item.Args = argsMap
			}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for left, right := 0, len(out)-1; left < right; left, right = left+1, right-1 {
		out[left], out[right] = out[right], out[left]
	}

	return out, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Recorder writes history entries on behalf of request handlers. Failures are
// logged and never reach the caller. A nil *Recorder records nothing.
type Recorder struct {
	store  *Store
	logger pslog.Logger
}

func NewRecorder(st *Store, logger pslog.Logger) *Recorder {
	if st == nil {
		return nil
	}
	return &Recorder{store: st, logger: logging.WithSubsystem(logger, "store.history")}
}

func (r *Recorder) Record(ctx context.Context, item protocol.HistoryItem) {
	if r == nil {
		return
	}
	// The request context may already be done once the response is written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.store.InsertHistory(writeCtx, item); err != nil {
		logging.FromContext(ctx, r.logger).Warn("history.insert.failed", "operation", item.Operation, "error", err)
	}
}
