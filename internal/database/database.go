// Пакет database — пул PostgreSQL сервиса идентификаторов: миграции
// схемы EZID, проверка наличия таблиц и готовность для /health.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goezid/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RequiredTables — таблицы, без которых сервис и ezid-admin не работают.
var RequiredTables = []string{
	"realms", "groups", "users", "datacenters",
	"minters", "shoulders", "identifiers",
	"binder_queue", "datacite_queue", "crossref_queue", "search_queue", "broadcast_queue",
	"download_queue", "search_identifiers",
}

// Connect создаёт пул подключений к базе идентификаторов и проверяет
// её доступность.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора адреса БД: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL %s: %w", cfg.DatabaseURL(), err)
	}

	logger.Info("Подключение к базе идентификаторов установлено",
		slog.String("url", cfg.DatabaseURL()),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

// migrationURL — адрес БД для драйвера pgx5 golang-migrate.
func migrationURL(cfg *config.Config) (string, error) {
	u, err := url.Parse(cfg.DatabaseDSN())
	if err != nil {
		return "", fmt.Errorf("ошибка разбора адреса БД: %w", err)
	}
	u.Scheme = "pgx5"
	return u.String(), nil
}

// Migrate применяет встроенные миграции схемы EZID.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}
	dbURL, err := migrationURL(cfg)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций %s: %w", cfg.DatabaseURL(), err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Схема EZID актуальна",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// CheckSchema проверяет, что все RequiredTables существуют.
func CheckSchema(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `
		SELECT t FROM unnest($1::text[]) AS t
		WHERE NOT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = t
		)
		ORDER BY t`, RequiredTables)
	if err != nil {
		return fmt.Errorf("ошибка проверки схемы: %w", err)
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return fmt.Errorf("ошибка проверки схемы: %w", err)
		}
		missing = append(missing, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ошибка проверки схемы: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("схема EZID не применена, нет таблиц: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ReadinessChecker — проверка готовности базы идентификаторов для /health.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady проверяет подключение ping-ом. Возвращает "ok" или "fail".
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
