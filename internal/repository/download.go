package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/domain/model"
)

// DownloadRepository — очередь запросов пакетной выгрузки.
type DownloadRepository interface {
	// Create добавляет запрос и заполняет Seq и RequestedAt.
	Create(ctx context.Context, d *model.DownloadRequest) error
	// Next возвращает самый старый запрос. Очередь пуста — ErrNotFound.
	Next(ctx context.Context) (*model.DownloadRequest, error)
	// SaveProgress сохраняет этап, курсор сбора, размер файла и ошибку.
	SaveProgress(ctx context.Context, d *model.DownloadRequest) error
	// Delete удаляет запрос.
	Delete(ctx context.Context, seq int64) error
	// Count возвращает число запросов в очереди.
	Count(ctx context.Context) (int, error)
}

const downloadColumns = `seq, requested_at, requestor, raw_request, format, compression, columns,
	constraints, options, notify, stage, filename, to_harvest, current_index, last_id,
	file_size, error`

type downloadRepo struct {
	db DBTX
}

// NewDownloadRepository создаёт репозиторий запросов выгрузки.
func NewDownloadRepository(db DBTX) DownloadRepository {
	return &downloadRepo{db: db}
}

func (r *downloadRepo) Create(ctx context.Context, d *model.DownloadRequest) error {
	constraints, err := json.Marshal(d.Constraints)
	if err != nil {
		return fmt.Errorf("ошибка кодирования ограничений: %w", err)
	}
	options, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("ошибка кодирования опций: %w", err)
	}
	if d.Stage == "" {
		d.Stage = model.StageCreate
	}
	query := `
		INSERT INTO download_queue (requestor, raw_request, format, compression, columns,
			constraints, options, notify, stage, filename, to_harvest, current_index,
			last_id, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq, requested_at`

	err = r.db.QueryRow(ctx, query,
		d.Requestor, d.RawRequest, string(d.Format), string(d.Compression), nonNil(d.Columns),
		constraints, options, nonNil(d.Notify), string(d.Stage), d.Filename, nonNil(d.ToHarvest),
		d.CurrentIndex, d.LastID, d.FileSize,
	).Scan(&d.Seq, &d.RequestedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл выгрузки %s уже существует", ErrConflict, d.Filename)
		}
		return fmt.Errorf("ошибка создания запроса выгрузки: %w", err)
	}
	return nil
}

func (r *downloadRepo) Next(ctx context.Context) (*model.DownloadRequest, error) {
	var (
		d                          model.DownloadRequest
		format, compression, stage string
		constraints, options       []byte
	)
	err := r.db.QueryRow(ctx, `SELECT `+downloadColumns+` FROM download_queue ORDER BY seq LIMIT 1`).Scan(
		&d.Seq, &d.RequestedAt, &d.Requestor, &d.RawRequest, &format, &compression, &d.Columns,
		&constraints, &options, &d.Notify, &stage, &d.Filename, &d.ToHarvest, &d.CurrentIndex,
		&d.LastID, &d.FileSize, &d.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запроса выгрузки: %w", err)
	}
	d.Format = model.DownloadFormat(format)
	d.Compression = model.Compression(compression)
	d.Stage = model.Stage(stage)
	if err := json.Unmarshal(constraints, &d.Constraints); err != nil {
		return nil, fmt.Errorf("ограничения запроса %d: %w", d.Seq, err)
	}
	if err := json.Unmarshal(options, &d.Options); err != nil {
		return nil, fmt.Errorf("опции запроса %d: %w", d.Seq, err)
	}
	return &d, nil
}

func (r *downloadRepo) SaveProgress(ctx context.Context, d *model.DownloadRequest) error {
	query := `
		UPDATE download_queue SET stage = $2, to_harvest = $3, current_index = $4,
			last_id = $5, file_size = $6, error = $7
		WHERE seq = $1`

	tag, err := r.db.Exec(ctx, query,
		d.Seq, string(d.Stage), nonNil(d.ToHarvest), d.CurrentIndex, d.LastID, d.FileSize, d.Error,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения запроса выгрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *downloadRepo) Delete(ctx context.Context, seq int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM download_queue WHERE seq = $1`, seq)
	if err != nil {
		return fmt.Errorf("ошибка удаления запроса выгрузки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *downloadRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM download_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта запросов выгрузки: %w", err)
	}
	return n, nil
}

// nonNil заменяет nil-срез пустым: колонки TEXT[] объявлены NOT NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
