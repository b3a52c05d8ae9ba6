package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/minter"
)

// MinterRepository — персистентное состояние минтеров, одна строка на плечо.
type MinterRepository interface {
	// Create сохраняет начальное состояние. Дубликат — ErrConflict.
	Create(ctx context.Context, prefix string, state *minter.State) error
	// Get возвращает состояние без блокировки.
	Get(ctx context.Context, prefix string) (*minter.State, error)
	// GetForUpdate возвращает состояние с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, prefix string) (*minter.State, error)
	// Save перезаписывает состояние.
	Save(ctx context.Context, prefix string, state *minter.State) error
	// List возвращает префиксы всех минтеров.
	List(ctx context.Context) ([]string, error)
}

type minterRepo struct {
	db DBTX
}

// NewMinterRepository создаёт репозиторий минтеров.
func NewMinterRepository(db DBTX) MinterRepository {
	return &minterRepo{db: db}
}

func (r *minterRepo) Create(ctx context.Context, prefix string, state *minter.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ошибка кодирования состояния минтера: %w", err)
	}
	_, err = r.db.Exec(ctx, `INSERT INTO minters (prefix, state) VALUES ($1, $2)`, prefix, raw)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: минтер %s уже существует", ErrConflict, prefix)
		}
		return fmt.Errorf("ошибка создания минтера: %w", err)
	}
	return nil
}

func (r *minterRepo) Get(ctx context.Context, prefix string) (*minter.State, error) {
	return r.get(ctx, `SELECT state FROM minters WHERE prefix = $1`, prefix)
}

func (r *minterRepo) GetForUpdate(ctx context.Context, prefix string) (*minter.State, error) {
	return r.get(ctx, `SELECT state FROM minters WHERE prefix = $1 FOR UPDATE`, prefix)
}

func (r *minterRepo) get(ctx context.Context, query, prefix string) (*minter.State, error) {
	var raw []byte
	if err := r.db.QueryRow(ctx, query, prefix).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения минтера: %w", err)
	}
	var state minter.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", minter.ErrCorrupt, prefix, err)
	}
	return &state, nil
}

func (r *minterRepo) Save(ctx context.Context, prefix string, state *minter.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ошибка кодирования состояния минтера: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE minters SET state = $2, updated_at = NOW() WHERE prefix = $1`, prefix, raw)
	if err != nil {
		return fmt.Errorf("ошибка сохранения минтера: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *minterRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT prefix FROM minters ORDER BY prefix`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка минтеров: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
