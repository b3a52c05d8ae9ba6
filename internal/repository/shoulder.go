package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/domain/model"
)

// ShoulderRepository — конфигурация плеч.
type ShoulderRepository interface {
	// GetByPrefix возвращает плечо по префиксу.
	GetByPrefix(ctx context.Context, prefix string) (*model.Shoulder, error)
	// GetLongestMatch возвращает самое длинное плечо, являющееся префиксом id.
	GetLongestMatch(ctx context.Context, id string) (*model.Shoulder, error)
	// List возвращает все плечи, упорядоченные по префиксу.
	List(ctx context.Context) ([]*model.Shoulder, error)
	// Create создаёт плечо. Дубликат префикса — ErrConflict.
	Create(ctx context.Context, s *model.Shoulder) error
	// SetActive включает или выключает плечо.
	SetActive(ctx context.Context, prefix string, active bool) error
}

const shoulderColumns = `
	s.id, s.prefix, s.type, s.name, s.agency, s.datacenter_id, COALESCE(d.symbol, ''),
	COALESCE(s.minter, ''), s.active, s.is_test, s.is_super, s.created_at`

const shoulderFrom = `
	FROM shoulders s
	LEFT JOIN datacenters d ON d.id = s.datacenter_id`

type shoulderRepo struct {
	db DBTX
}

// NewShoulderRepository создаёт репозиторий плеч.
func NewShoulderRepository(db DBTX) ShoulderRepository {
	return &shoulderRepo{db: db}
}

func (r *shoulderRepo) GetByPrefix(ctx context.Context, prefix string) (*model.Shoulder, error) {
	return r.getOne(ctx, `SELECT `+shoulderColumns+shoulderFrom+` WHERE s.prefix = $1`, prefix)
}

func (r *shoulderRepo) GetLongestMatch(ctx context.Context, id string) (*model.Shoulder, error) {
	query := `SELECT ` + shoulderColumns + shoulderFrom + `
		WHERE starts_with($1, s.prefix)
		ORDER BY length(s.prefix) DESC
		LIMIT 1`
	return r.getOne(ctx, query, id)
}

func (r *shoulderRepo) getOne(ctx context.Context, query string, args ...any) (*model.Shoulder, error) {
	s, err := scanShoulder(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения плеча: %w", err)
	}
	return s, nil
}

func (r *shoulderRepo) List(ctx context.Context) ([]*model.Shoulder, error) {
	rows, err := r.db.Query(ctx, `SELECT `+shoulderColumns+shoulderFrom+` ORDER BY s.prefix`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка плеч: %w", err)
	}
	defer rows.Close()

	var result []*model.Shoulder
	for rows.Next() {
		s, err := scanShoulder(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения плеча: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *shoulderRepo) Create(ctx context.Context, s *model.Shoulder) error {
	var minterRef *string
	if s.Minter != "" {
		minterRef = &s.Minter
	}
	query := `
		INSERT INTO shoulders (prefix, type, name, agency, datacenter_id, minter, active, is_test, is_super)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		s.Prefix, string(s.Type), s.Name, string(s.Agency), s.DatacenterID, minterRef,
		s.Active, s.IsTest, s.IsSuper,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: плечо %s уже существует", ErrConflict, s.Prefix)
		}
		return fmt.Errorf("ошибка создания плеча: %w", err)
	}
	return nil
}

func (r *shoulderRepo) SetActive(ctx context.Context, prefix string, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE shoulders SET active = $2 WHERE prefix = $1`, prefix, active)
	if err != nil {
		return fmt.Errorf("ошибка обновления плеча: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanShoulder(row pgx.Row) (*model.Shoulder, error) {
	var (
		s           model.Shoulder
		typ, agency string
	)
	err := row.Scan(
		&s.ID, &s.Prefix, &typ, &s.Name, &agency, &s.DatacenterID, &s.DatacenterSymbol,
		&s.Minter, &s.Active, &s.IsTest, &s.IsSuper, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Type = model.ShoulderType(typ)
	s.Agency = model.Agency(agency)
	return &s, nil
}
