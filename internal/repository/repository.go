// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Repos — набор репозиториев поверх одного DBTX: пула или транзакции.
type Repos struct {
	Identifiers IdentifierRepository
	Shoulders   ShoulderRepository
	Minters     MinterRepository
	Principals  PrincipalRepository
	Datacenters DatacenterRepository
	Queues      QueueRepository
	Downloads   DownloadRepository
	Search      SearchRepository
}

// NewRepos создаёт набор репозиториев поверх db.
func NewRepos(db DBTX) *Repos {
	return &Repos{
		Identifiers: NewIdentifierRepository(db),
		Shoulders:   NewShoulderRepository(db),
		Minters:     NewMinterRepository(db),
		Principals:  NewPrincipalRepository(db),
		Datacenters: NewDatacenterRepository(db),
		Queues:      NewQueueRepository(db),
		Downloads:   NewDownloadRepository(db),
		Search:      NewSearchRepository(db),
	}
}

// Store — доступ к репозиториям вне и внутри транзакции.
// Запись идентификатора и строки очередей коммитятся вместе через InTx.
type Store interface {
	// Repos возвращает репозитории поверх пула (без транзакции).
	Repos() *Repos
	// InTx выполняет fn с репозиториями внутри одной транзакции.
	InTx(ctx context.Context, fn func(r *Repos) error) error
}

// PgStore — Store поверх pgxpool.
type PgStore struct {
	repos  *Repos
	runner *TxRunner
}

// NewPgStore создаёт Store поверх пула подключений.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{repos: NewRepos(pool), runner: NewTxRunner(pool)}
}

func (s *PgStore) Repos() *Repos { return s.repos }

func (s *PgStore) InTx(ctx context.Context, fn func(r *Repos) error) error {
	return s.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepos(tx))
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyViolation проверяет, является ли ошибка нарушением внешнего ключа.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
