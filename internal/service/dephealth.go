// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// EZID мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - нижестоящие HTTP-сервисы (DataCite, Crossref, binder, поисковый индекс) — не critical:
//     их недоступность задерживает очереди, но не операции над идентификаторами
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
//   - app_dependency_status — категория статуса
//   - app_dependency_status_detail — детальный статус
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для нижестоящих сервисов
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"
)

// RemoteDependency — нижестоящий HTTP-сервис под мониторингом.
type RemoteDependency struct {
	// Name — имя вершины графа; нормализуется NormalizeDepName
	Name string
	URL  string
	// HealthPath — путь проверки; пустой — path самого URL или "/"
	HealthPath string
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	names  []string
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
//
// Параметры:
//   - serviceID — имя вершины графа текущего приложения (e.g. "ezid")
//   - group — имя группы в метриках (EZ_DEPHEALTH_GROUP)
//   - db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
//   - pgConnURL — URL подключения к PostgreSQL (для метрик/лейблов, не для подключения)
//   - remotes — нижестоящие сервисы; записи с пустым URL пропускаются
//   - checkInterval — интервал проверки зависимостей (EZ_DEPHEALTH_CHECK_INTERVAL)
func NewDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	remotes []RemoteDependency,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, remotes, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	remotes []RemoteDependency,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, db, pgConnURL, remotes, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	db *sql.DB,
	pgConnURL string,
	remotes []RemoteDependency,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	opts := make([]dephealth.Option, 0, 2+len(remotes)+len(extraOpts))
	opts = append(opts,
		dephealth.WithLogger(logger),
		// PostgreSQL — connection pool mode через существующий pgxpool.
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(pgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	)

	names := []string{"postgresql"}
	for _, r := range remotes {
		if r.URL == "" {
			continue
		}
		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(r.URL),
			dephealth.WithHTTPHealthPath(healthPath(r)),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		}
		if parsed, err := url.Parse(r.URL); err == nil && parsed.Scheme == "https" {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		name := NormalizeDepName(r.Name)
		opts = append(opts, dephealth.HTTP(name, depOpts...))
		names = append(names, name)
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		names:  names,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func healthPath(r RemoteDependency) string {
	if r.HealthPath != "" {
		return r.HealthPath
	}
	if parsed, err := url.Parse(r.URL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return "/"
}

var (
	depNameInvalidRE = regexp.MustCompile(`[^a-z0-9-]+`)
	depNameDashesRE  = regexp.MustCompile(`-{2,}`)
)

// maxDepNameLength — ограничение длины имени зависимости (как у DNS-метки).
const maxDepNameLength = 63

// NormalizeDepName приводит имя зависимости к виду, допустимому в
// метках графа: нижний регистр, [a-z0-9-], начало с буквы, до 63 символов.
func NormalizeDepName(name string) string {
	s := strings.ToLower(name)
	s = depNameInvalidRE.ReplaceAllString(s, "-")
	s = depNameDashesRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "unknown-dep"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "dep-" + s
	}
	if len(s) > maxDepNameLength {
		s = strings.TrimRight(s[:maxDepNameLength], "-")
	}
	return s
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен", slog.Any("dependencies", ds.names))
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
