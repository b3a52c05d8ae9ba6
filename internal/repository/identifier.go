package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/model"
)

// IdentifierRepository — хранилище записей идентификаторов.
type IdentifierRepository interface {
	// Get возвращает запись по каноническому идентификатору.
	Get(ctx context.Context, id string) (*model.Identifier, error)
	// GetForUpdate возвращает запись с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.Identifier, error)
	// GetLongestPrefix возвращает самую длинную существующую запись из candidates.
	GetLongestPrefix(ctx context.Context, candidates []string) (*model.Identifier, error)
	// Exists сообщает, существует ли запись.
	Exists(ctx context.Context, id string) (bool, error)
	// Insert создаёт запись. Дубликат — ErrConflict.
	Insert(ctx context.Context, r *model.Identifier) error
	// Update перезаписывает изменяемые поля записи.
	Update(ctx context.Context, r *model.Identifier) error
	// Delete удаляет запись.
	Delete(ctx context.Context, id string) error
	// Iterate возвращает страницу записей, упорядоченных по идентификатору.
	Iterate(ctx context.Context, f IterateFilter) ([]*model.Identifier, error)
	// SetCrossrefStatus обновляет статус и сообщение Crossref без изменения updated_at.
	SetCrossrefStatus(ctx context.Context, id string, status model.CrossrefStatus, message string) error
}

// IterateFilter — параметры постраничного обхода идентификаторов.
type IterateFilter struct {
	// OwnerID — только записи владельца (nil — все)
	OwnerID *int64
	// UpdatedSince — только записи, обновлённые не раньше
	UpdatedSince *time.Time
	// AfterID — курсор: записи с id строго больше
	AfterID string
	Limit   int
}

const identifierColumns = `
	i.id, i.owner_id, i.owner_group_id, i.created_at, i.updated_at, i.status,
	i.unavailable_reason, i.exported, i.target, i.profile, i.datacenter_id,
	i.crossref_status, i.crossref_message, i.agent_role, i.metadata,
	COALESCE(u.username, ''), COALESCE(u.pid, ''),
	COALESCE(g.groupname, ''), COALESCE(g.pid, ''),
	COALESCE(d.symbol, '')`

const identifierFrom = `
	FROM identifiers i
	LEFT JOIN users u ON u.id = i.owner_id
	LEFT JOIN groups g ON g.id = i.owner_group_id
	LEFT JOIN datacenters d ON d.id = i.datacenter_id`

type identifierRepo struct {
	db DBTX
}

// NewIdentifierRepository создаёт репозиторий идентификаторов.
func NewIdentifierRepository(db DBTX) IdentifierRepository {
	return &identifierRepo{db: db}
}

func (r *identifierRepo) Get(ctx context.Context, id string) (*model.Identifier, error) {
	query := `SELECT ` + identifierColumns + identifierFrom + ` WHERE i.id = $1`
	return r.getOne(ctx, query, id)
}

func (r *identifierRepo) GetForUpdate(ctx context.Context, id string) (*model.Identifier, error) {
	query := `SELECT ` + identifierColumns + identifierFrom + ` WHERE i.id = $1 FOR UPDATE OF i`
	return r.getOne(ctx, query, id)
}

func (r *identifierRepo) GetLongestPrefix(ctx context.Context, candidates []string) (*model.Identifier, error) {
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	query := `SELECT ` + identifierColumns + identifierFrom + `
		WHERE i.id = ANY($1)
		ORDER BY length(i.id) DESC
		LIMIT 1`
	return r.getOne(ctx, query, candidates)
}

func (r *identifierRepo) getOne(ctx context.Context, query string, args ...any) (*model.Identifier, error) {
	rec, err := scanIdentifier(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения идентификатора: %w", err)
	}
	return rec, nil
}

func (r *identifierRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identifiers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки идентификатора: %w", err)
	}
	return exists, nil
}

func (r *identifierRepo) Insert(ctx context.Context, rec *model.Identifier) error {
	blob, err := metadata.Compress(rec.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO identifiers (id, owner_id, owner_group_id, created_at, updated_at, status,
			unavailable_reason, exported, target, profile, datacenter_id,
			crossref_status, crossref_message, agent_role, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.OwnerID, rec.OwnerGroupID, rec.CreatedAt, rec.UpdatedAt, string(rec.Status),
		rec.UnavailableReason, rec.Exported, rec.Target, rec.Profile, rec.DatacenterID,
		string(rec.CrossrefStatus), rec.CrossrefMessage, string(rec.AgentRole), blob,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: идентификатор %s уже существует", ErrConflict, rec.ID)
		}
		return fmt.Errorf("ошибка создания идентификатора: %w", err)
	}
	return nil
}

func (r *identifierRepo) Update(ctx context.Context, rec *model.Identifier) error {
	blob, err := metadata.Compress(rec.Metadata)
	if err != nil {
		return err
	}
	query := `
		UPDATE identifiers SET
			owner_id = $2, owner_group_id = $3, updated_at = $4, status = $5,
			unavailable_reason = $6, exported = $7, target = $8, profile = $9,
			datacenter_id = $10, crossref_status = $11, crossref_message = $12,
			agent_role = $13, metadata = $14
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		rec.ID, rec.OwnerID, rec.OwnerGroupID, rec.UpdatedAt, string(rec.Status),
		rec.UnavailableReason, rec.Exported, rec.Target, rec.Profile,
		rec.DatacenterID, string(rec.CrossrefStatus), rec.CrossrefMessage,
		string(rec.AgentRole), blob,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления идентификатора: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *identifierRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM identifiers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления идентификатора: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *identifierRepo) Iterate(ctx context.Context, f IterateFilter) ([]*model.Identifier, error) {
	var conditions []string
	var args []any
	argNum := 1

	if f.OwnerID != nil {
		conditions = append(conditions, fmt.Sprintf("i.owner_id = $%d", argNum))
		args = append(args, *f.OwnerID)
		argNum++
	}
	if f.UpdatedSince != nil {
		conditions = append(conditions, fmt.Sprintf("i.updated_at >= $%d", argNum))
		args = append(args, *f.UpdatedSince)
		argNum++
	}
	if f.AfterID != "" {
		conditions = append(conditions, fmt.Sprintf("i.id > $%d", argNum))
		args = append(args, f.AfterID)
		argNum++
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + identifierColumns + identifierFrom + where +
		fmt.Sprintf(` ORDER BY i.id LIMIT $%d`, argNum)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода идентификаторов: %w", err)
	}
	defer rows.Close()

	var result []*model.Identifier
	for rows.Next() {
		rec, err := scanIdentifier(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения идентификатора: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *identifierRepo) SetCrossrefStatus(ctx context.Context, id string, status model.CrossrefStatus, message string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE identifiers SET crossref_status = $2, crossref_message = $3 WHERE id = $1`,
		id, string(status), message,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса Crossref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanIdentifier читает строку в порядке identifierColumns.
func scanIdentifier(row pgx.Row) (*model.Identifier, error) {
	var (
		rec                     model.Identifier
		status, crossref, agent string
		blob                    []byte
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &rec.OwnerGroupID, &rec.CreatedAt, &rec.UpdatedAt, &status,
		&rec.UnavailableReason, &rec.Exported, &rec.Target, &rec.Profile, &rec.DatacenterID,
		&crossref, &rec.CrossrefMessage, &agent, &blob,
		&rec.OwnerName, &rec.OwnerPID, &rec.OwnerGroupName, &rec.OwnerGroupPID,
		&rec.DatacenterSymbol,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	rec.CrossrefStatus = model.CrossrefStatus(crossref)
	rec.AgentRole = model.AgentRole(agent)
	if err := metadata.Decompress(blob, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("метаданные %s: %w", rec.ID, err)
	}
	return &rec, nil
}
