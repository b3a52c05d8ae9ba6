// handler.go — основной обработчик EZID API.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	apierrors "github.com/bigkaa/goezid/internal/api/errors"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/metadata"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/objstore"
	"github.com/bigkaa/goezid/internal/service"
)

// Operations — операции над идентификаторами (service.Engine).
type Operations interface {
	Mint(ctx context.Context, pr *policy.Principal, shoulder string, md metadata.Map) (*service.Result, error)
	Create(ctx context.Context, pr *policy.Principal, id string, md metadata.Map, updateIfExists bool) (*service.Result, error)
	Update(ctx context.Context, pr *policy.Principal, id string, md metadata.Map) (*service.Result, error)
	Delete(ctx context.Context, pr *policy.Principal, id string) (*service.Result, error)
	Get(ctx context.Context, pr *policy.Principal, id string, prefixMatch bool) (*service.Result, error)
}

// DownloadRequests — постановка запросов выгрузки (service.DownloadService).
type DownloadRequests interface {
	Enqueue(ctx context.Context, pr *policy.Principal, params url.Values) (string, error)
}

// QueueOverview — сводка по очередям (service.AdminService).
type QueueOverview interface {
	Overview(ctx context.Context) (*service.QueueOverview, error)
}

// Locks — управление менеджером блокировок (lockmgr.Manager).
type Locks interface {
	Pause(paused bool) bool
	Status() lockmgr.Snapshot
}

// APIHandler — основной обработчик EZID API.
type APIHandler struct {
	health    *HealthHandler
	ops       Operations
	downloads DownloadRequests
	queues    QueueOverview
	locks     Locks
	objects   objstore.Store
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	ops Operations,
	downloads DownloadRequests,
	queues QueueOverview,
	locks Locks,
	objects objstore.Store,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		ops:       ops,
		downloads: downloads,
		queues:    queues,
		locks:     locks,
		objects:   objects,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeText записывает ответ text/plain: строку результата и, если md
// не пуст, элементы в ANVL.
func writeText(w http.ResponseWriter, status int, line string, md metadata.Map) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(line + "\n"))
	if md.Len() > 0 {
		_ = metadata.WriteElements(w, md)
	}
}

// writeStatus записывает только строку результата.
func writeStatus(w http.ResponseWriter, status int, line string) {
	writeText(w, status, line, metadata.Map{})
}

// writeError записывает ошибку операции. Анонимному вызывающему вместо
// отказа в доступе предлагается аутентифицироваться.
func writeError(w http.ResponseWriter, pr *policy.Principal, err error) {
	kind := ezerr.KindOf(err)
	if kind == ezerr.Forbidden && pr.Anonymous {
		apierrors.Unauthorized(w)
		return
	}
	apierrors.Operation(w, kind, service.ErrorStatus(err), service.TransactionID(err))
}
