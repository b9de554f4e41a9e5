package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"trailsim/internal/application/port"
	"trailsim/internal/domain/model"
	"trailsim/internal/infrastructure/storage/rowcodec"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
  id BIGSERIAL PRIMARY KEY,
  state_key TEXT NOT NULL UNIQUE,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  entry_price DOUBLE PRECISION NOT NULL,
  extreme_price DOUBLE PRECISION NOT NULL,
  trailing_percent DOUBLE PRECISION NOT NULL,
  activation_price DOUBLE PRECISION NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  entry_order_id TEXT NOT NULL DEFAULT '',
  exit_order_id TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  triggered_at BIGINT NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trailing_status ON trailing_positions(status);
CREATE INDEX IF NOT EXISTS idx_trailing_created ON trailing_positions(created_at);
`)
	return err
}

func (r *Repo) SavePosition(ctx context.Context, pos *model.Position) error {
	row := rowcodec.FromPosition(pos)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trailing_positions(
			state_key, symbol, side, quantity, entry_price, extreme_price, trailing_percent,
			activation_price, status, entry_order_id, exit_order_id, error_message,
			triggered_at, created_at, updated_at
		) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT(state_key) DO UPDATE SET
		entry_price=EXCLUDED.entry_price,
		extreme_price=EXCLUDED.extreme_price,
		status=EXCLUDED.status,
		entry_order_id=COALESCE(NULLIF(trailing_positions.entry_order_id, ''), EXCLUDED.entry_order_id),
		exit_order_id=COALESCE(NULLIF(trailing_positions.exit_order_id, ''), EXCLUDED.exit_order_id),
		error_message=EXCLUDED.error_message,
		triggered_at=EXCLUDED.triggered_at,
		updated_at=EXCLUDED.updated_at
	`, row.StateKey, row.Symbol, row.Side, row.Quantity, row.EntryPrice, row.ExtremePrice, row.TrailingPercent,
		row.ActivationPrice, row.Status, row.EntryOrderID, row.ExitOrderID, row.ErrorMessage,
		row.TriggeredAt, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres save %s: %w", pos.StateKey, err)
	}
	return nil
}

func (r *Repo) GetPosition(ctx context.Context, stateKey string) (*model.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+rowcodec.Columns+` FROM trailing_positions WHERE state_key = $1`, stateKey)
	pos, err := rowcodec.Scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", stateKey, err)
	}
	return pos, nil
}

func (r *Repo) ListPositions(ctx context.Context, statuses ...model.Status) ([]*model.Position, error) {
	query := `SELECT ` + rowcodec.Columns + ` FROM trailing_positions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(ph, ", ") + `)`
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
