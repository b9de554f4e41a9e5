package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
	"trailsim/internal/infrastructure/storage/rowcodec"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS trailing_positions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  state_key TEXT NOT NULL UNIQUE,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity REAL NOT NULL,
  entry_price REAL NOT NULL,
  extreme_price REAL NOT NULL,
  trailing_percent REAL NOT NULL,
  activation_price REAL NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  entry_order_id TEXT NOT NULL DEFAULT '',
  exit_order_id TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  triggered_at INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trailing_status ON trailing_positions(status);
CREATE INDEX IF NOT EXISTS idx_trailing_created ON trailing_positions(created_at);
`)
	return err
}

// SavePosition 按 state_key upsert；订单 ID 一旦写入不再覆盖
func (r *Repo) SavePosition(ctx context.Context, pos *model.Position) error {
	row := rowcodec.FromPosition(pos)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trailing_positions(
			state_key, symbol, side, quantity, entry_price, extreme_price, trailing_percent,
			activation_price, status, entry_order_id, exit_order_id, error_message,
			triggered_at, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET
		entry_price=excluded.entry_price,
		extreme_price=excluded.extreme_price,
		status=excluded.status,
		entry_order_id=COALESCE(NULLIF(trailing_positions.entry_order_id, ''), excluded.entry_order_id),
		exit_order_id=COALESCE(NULLIF(trailing_positions.exit_order_id, ''), excluded.exit_order_id),
		error_message=excluded.error_message,
		triggered_at=excluded.triggered_at,
		updated_at=excluded.updated_at
	`, row.StateKey, row.Symbol, row.Side, row.Quantity, row.EntryPrice, row.ExtremePrice, row.TrailingPercent,
		row.ActivationPrice, row.Status, row.EntryOrderID, row.ExitOrderID, row.ErrorMessage,
		row.TriggeredAt, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite save %s: %w", pos.StateKey, err)
	}
	return nil
}

func (r *Repo) GetPosition(ctx context.Context, stateKey string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+rowcodec.Columns+` FROM trailing_positions WHERE state_key = ?`, stateKey)
	pos, err := rowcodec.Scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", stateKey, err)
	}
	return pos, nil
}

func (r *Repo) ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error) {
	query := `SELECT ` + rowcodec.Columns + ` FROM trailing_positions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Position
	for rows.Next() {
		pos, err := rowcodec.Scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

var _ port.PositionStore = (*Repo)(nil)
