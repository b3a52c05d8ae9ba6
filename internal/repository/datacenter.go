package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/domain/model"
)

// DatacenterRepository — датацентры DataCite.
type DatacenterRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Datacenter, error)
	GetBySymbol(ctx context.Context, symbol string) (*model.Datacenter, error)
	// Ensure возвращает датацентр по символу, создавая его при отсутствии.
	Ensure(ctx context.Context, symbol, name string) (*model.Datacenter, error)
	List(ctx context.Context) ([]*model.Datacenter, error)
}

type datacenterRepo struct {
	db DBTX
}

// NewDatacenterRepository создаёт репозиторий датацентров.
func NewDatacenterRepository(db DBTX) DatacenterRepository {
	return &datacenterRepo{db: db}
}

func (r *datacenterRepo) GetByID(ctx context.Context, id int64) (*model.Datacenter, error) {
	return r.getOne(ctx, `SELECT id, symbol, name FROM datacenters WHERE id = $1`, id)
}

func (r *datacenterRepo) GetBySymbol(ctx context.Context, symbol string) (*model.Datacenter, error) {
	return r.getOne(ctx, `SELECT id, symbol, name FROM datacenters WHERE symbol = $1`, symbol)
}

func (r *datacenterRepo) getOne(ctx context.Context, query string, arg any) (*model.Datacenter, error) {
	var d model.Datacenter
	if err := r.db.QueryRow(ctx, query, arg).Scan(&d.ID, &d.Symbol, &d.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения датацентра: %w", err)
	}
	return &d, nil
}

func (r *datacenterRepo) Ensure(ctx context.Context, symbol, name string) (*model.Datacenter, error) {
	query := `
		INSERT INTO datacenters (symbol, name) VALUES ($1, $2)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING id, symbol, name`

	var d model.Datacenter
	if err := r.db.QueryRow(ctx, query, symbol, name).Scan(&d.ID, &d.Symbol, &d.Name); err != nil {
		return nil, fmt.Errorf("ошибка создания датацентра: %w", err)
	}
	return &d, nil
}

func (r *datacenterRepo) List(ctx context.Context) ([]*model.Datacenter, error) {
	rows, err := r.db.Query(ctx, `SELECT id, symbol, name FROM datacenters ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка датацентров: %w", err)
	}
	defer rows.Close()

	var result []*model.Datacenter
	for rows.Next() {
		var d model.Datacenter
		if err := rows.Scan(&d.ID, &d.Symbol, &d.Name); err != nil {
			return nil, fmt.Errorf("ошибка чтения датацентра: %w", err)
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}
