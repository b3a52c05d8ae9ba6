package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goezid/internal/domain/model"
)

// QueueRepository — очереди нижестоящих сервисов, одна таблица на очередь.
type QueueRepository interface {
	// Enqueue добавляет строку в конец очереди и заполняет Seq и EnqueuedAt.
	Enqueue(ctx context.Context, q model.Queue, item *model.QueueItem) error
	// NextBatch возвращает до limit строк без постоянной ошибки в порядке seq.
	// Строки в статусах registered_with_warning и registration_failed
	// не возвращаются.
	NextBatch(ctx context.Context, q model.Queue, limit int) ([]*model.QueueItem, error)
	// RecordError сохраняет ошибку обработки строки.
	RecordError(ctx context.Context, q model.Queue, seq int64, message string, permanent bool) error
	// SaveProgress сохраняет статус, пакет и время отправки строки.
	SaveProgress(ctx context.Context, q model.Queue, item *model.QueueItem) error
	// Delete удаляет обработанную строку.
	Delete(ctx context.Context, q model.Queue, seq int64) error

	// Stats возвращает сводку по очереди.
	Stats(ctx context.Context, q model.Queue) (*model.QueueStats, error)
	// ListErrors возвращает строки с ошибкой заданного вида в порядке seq.
	ListErrors(ctx context.Context, q model.Queue, permanent bool, limit int) ([]*model.QueueItem, error)
	// ClearPermanent снимает признак постоянной ошибки со строк в диапазоне seq.
	ClearPermanent(ctx context.Context, q model.Queue, from, to int64) (int64, error)
	// DeleteRange удаляет строки в диапазоне seq.
	DeleteRange(ctx context.Context, q model.Queue, from, to int64) (int64, error)
	// Requeue возвращает строки диапазона в состояние awaiting без ошибки.
	Requeue(ctx context.Context, q model.Queue, from, to int64) (int64, error)
}

const queueColumns = `seq, enqueued_at, identifier, operation, snapshot, status, error,
	error_is_permanent, batch_id, submitted_at`

type queueRepo struct {
	db DBTX
}

// NewQueueRepository создаёт репозиторий очередей.
func NewQueueRepository(db DBTX) QueueRepository {
	return &queueRepo{db: db}
}

// queueTable возвращает имя таблицы очереди. Имя подставляется в SQL,
// поэтому допускаются только известные очереди.
func queueTable(q model.Queue) (string, error) {
	if !model.ValidQueue(string(q)) {
		return "", fmt.Errorf("неизвестная очередь %q", q)
	}
	return string(q) + "_queue", nil
}

func (r *queueRepo) Enqueue(ctx context.Context, q model.Queue, item *model.QueueItem) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}
	if item.Status == "" {
		item.Status = model.QueueAwaiting
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (identifier, operation, snapshot, status)
		VALUES ($1, $2, $3, $4)
		RETURNING seq, enqueued_at`, table)

	err = r.db.QueryRow(ctx, query,
		item.Identifier, string(item.Operation), item.Snapshot, string(item.Status),
	).Scan(&item.Seq, &item.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("ошибка постановки в очередь %s: %w", q, err)
	}
	return nil
}

func (r *queueRepo) NextBatch(ctx context.Context, q model.Queue, limit int) ([]*model.QueueItem, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE NOT error_is_permanent
			AND status NOT IN ('registered_with_warning', 'registration_failed')
		ORDER BY seq LIMIT $1`,
		queueColumns, table)
	return r.list(ctx, query, limit)
}

func (r *queueRepo) RecordError(ctx context.Context, q model.Queue, seq int64, message string, permanent bool) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET error = $2, error_is_permanent = $3 WHERE seq = $1`, table)
	return r.execOne(ctx, query, seq, message, permanent)
}

func (r *queueRepo) SaveProgress(ctx context.Context, q model.Queue, item *model.QueueItem) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, batch_id = $3, submitted_at = $4, error = $5
		WHERE seq = $1`, table)
	return r.execOne(ctx, query, item.Seq, string(item.Status), item.BatchID, item.SubmittedAt, item.Error)
}

func (r *queueRepo) Delete(ctx context.Context, q model.Queue, seq int64) error {
	table, err := queueTable(q)
	if err != nil {
		return err
	}
	return r.execOne(ctx, fmt.Sprintf(`DELETE FROM %s WHERE seq = $1`, table), seq)
}

func (r *queueRepo) Stats(ctx context.Context, q model.Queue) (*model.QueueStats, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'awaiting' AND error = ''),
			COUNT(*) FILTER (WHERE status IN ('submitted', 'submitted_unchecked')),
			COUNT(*) FILTER (WHERE error <> '' AND NOT error_is_permanent),
			COUNT(*) FILTER (WHERE error_is_permanent),
			COUNT(*) FILTER (WHERE status IN ('registered_with_warning', 'registration_failed')),
			MIN(enqueued_at)
		FROM %s`, table)

	st := &model.QueueStats{Queue: q}
	err = r.db.QueryRow(ctx, query).Scan(
		&st.Total, &st.Awaiting, &st.Submitted, &st.TransientError, &st.PermanentError, &st.Settled, &st.OldestAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения сводки очереди %s: %w", q, err)
	}
	return st, nil
}

func (r *queueRepo) ListErrors(ctx context.Context, q model.Queue, permanent bool, limit int) ([]*model.QueueItem, error) {
	table, err := queueTable(q)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE error <> '' AND error_is_permanent = $2
		ORDER BY seq LIMIT $1`, queueColumns, table)
	return r.list(ctx, query, limit, permanent)
}

func (r *queueRepo) ClearPermanent(ctx context.Context, q model.Queue, from, to int64) (int64, error) {
	return r.execRange(ctx, q, `UPDATE %s SET error_is_permanent = FALSE, error = ''
		WHERE error_is_permanent AND seq BETWEEN $1 AND $2`, from, to)
}

func (r *queueRepo) DeleteRange(ctx context.Context, q model.Queue, from, to int64) (int64, error) {
	return r.execRange(ctx, q, `DELETE FROM %s WHERE seq BETWEEN $1 AND $2`, from, to)
}

func (r *queueRepo) Requeue(ctx context.Context, q model.Queue, from, to int64) (int64, error) {
	return r.execRange(ctx, q, `UPDATE %s SET status = 'awaiting', error = '', error_is_permanent = FALSE,
		batch_id = '', submitted_at = NULL WHERE seq BETWEEN $1 AND $2`, from, to)
}

func (r *queueRepo) execRange(ctx context.Context, q model.Queue, tmpl string, from, to int64) (int64, error) {
	table, err := queueTable(q)
	if err != nil {
		return 0, err
	}
	if from > to {
		return 0, fmt.Errorf("некорректный диапазон %d-%d", from, to)
	}
	tag, err := r.db.Exec(ctx, fmt.Sprintf(tmpl, table), from, to)
	if err != nil {
		return 0, fmt.Errorf("ошибка изменения очереди %s: %w", q, err)
	}
	return tag.RowsAffected(), nil
}

func (r *queueRepo) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ошибка изменения строки очереди: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *queueRepo) list(ctx context.Context, query string, args ...any) ([]*model.QueueItem, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения очереди: %w", err)
	}
	defer rows.Close()

	var result []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения строки очереди: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func scanQueueItem(row pgx.Row) (*model.QueueItem, error) {
	var (
		item              model.QueueItem
		operation, status string
		submittedAt       *time.Time
	)
	err := row.Scan(
		&item.Seq, &item.EnqueuedAt, &item.Identifier, &operation, &item.Snapshot, &status,
		&item.Error, &item.ErrorIsPermanent, &item.BatchID, &submittedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item.Operation = model.Operation(operation)
	item.Status = model.QueueStatus(status)
	item.SubmittedAt = submittedAt
	return &item, nil
}
