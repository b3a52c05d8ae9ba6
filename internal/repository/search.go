package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goezid/internal/domain/model"
)

// SearchRepository — денормализованная таблица поиска search_identifiers.
type SearchRepository interface {
	// Upsert создаёт или заменяет строку идентификатора.
	Upsert(ctx context.Context, rec *model.SearchRecord) error
	// Delete удаляет строку. Отсутствие строки не является ошибкой.
	Delete(ctx context.Context, id string) error
}

type searchRepo struct {
	db DBTX
}

// NewSearchRepository создаёт репозиторий поисковой таблицы.
func NewSearchRepository(db DBTX) SearchRepository {
	return &searchRepo{db: db}
}

func (r *searchRepo) Upsert(ctx context.Context, rec *model.SearchRecord) error {
	query := `
		INSERT INTO search_identifiers (identifier, owner_name, owner_group_name, created_at,
			updated_at, status, exported, target, profile, is_test, crossref, datacite,
			agent_role, mapped_creator, mapped_title, mapped_publisher, mapped_date,
			mapped_type, keywords)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (identifier) DO UPDATE SET
			owner_name = EXCLUDED.owner_name,
			owner_group_name = EXCLUDED.owner_group_name,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			status = EXCLUDED.status,
			exported = EXCLUDED.exported,
			target = EXCLUDED.target,
			profile = EXCLUDED.profile,
			is_test = EXCLUDED.is_test,
			crossref = EXCLUDED.crossref,
			datacite = EXCLUDED.datacite,
			agent_role = EXCLUDED.agent_role,
			mapped_creator = EXCLUDED.mapped_creator,
			mapped_title = EXCLUDED.mapped_title,
			mapped_publisher = EXCLUDED.mapped_publisher,
			mapped_date = EXCLUDED.mapped_date,
			mapped_type = EXCLUDED.mapped_type,
			keywords = EXCLUDED.keywords`

	_, err := r.db.Exec(ctx, query,
		rec.Identifier, rec.OwnerName, rec.OwnerGroupName, rec.CreatedAt,
		rec.UpdatedAt, rec.Status, rec.Exported, rec.Target, rec.Profile, rec.IsTest,
		rec.Crossref, rec.Datacite, rec.AgentRole, rec.MappedCreator, rec.MappedTitle,
		rec.MappedPublisher, rec.MappedDate, rec.MappedType, rec.Keywords,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления поисковой строки: %w", err)
	}
	return nil
}

func (r *searchRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM search_identifiers WHERE identifier = $1`, id); err != nil {
		return fmt.Errorf("ошибка удаления поисковой строки: %w", err)
	}
	return nil
}
