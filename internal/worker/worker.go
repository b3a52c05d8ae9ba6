// Пакет worker — фоновые обработчики очередей нижестоящих сервисов.
//
// Каждая очередь обслуживается одним QueueWorker. Строки читаются
// пакетами в порядке seq и передаются Handler:
//   - терминальный статус (completed, ignored) — строка удаляется;
//   - Crossref registered_with_warning, registration_failed — статус
//     сохраняется, строка остаётся для оператора и больше не выбирается;
//   - нетерминальный статус (Crossref: submitted) — прогресс сохраняется,
//     последующие строки того же идентификатора в пакете пропускаются;
//   - RemotePermanent — строка помечается постоянной ошибкой и обходится;
//   - прочие ошибки — ошибка записывается, пакет прерывается, следующий
//     проход откладывается с экспоненциальной задержкой.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/retry"

	"github.com/bigkaa/goezid/internal/config"
	"github.com/bigkaa/goezid/internal/domain/ezerr"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/repository"
)

var (
	queueProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezid_queue_processed_total",
		Help: "Количество обработанных строк очередей по итоговому статусу.",
	}, []string{"queue", "status"})
	queueFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ezid_queue_failed_total",
		Help: "Количество ошибок обработки строк очередей.",
	}, []string{"queue", "kind"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ezid_queue_depth",
		Help: "Количество строк в очереди.",
	}, []string{"queue"})
)

// Пауза обработчика, у которого не задан IdleSleep.
const defaultIdleSleep = 5 * time.Second

// Handler выполняет внешний вызов для одной строки очереди.
// rec — снимок записи на момент постановки в очередь.
type Handler interface {
	Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error)
}

// HandlerFunc — функция как Handler.
type HandlerFunc func(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error)

func (f HandlerFunc) Handle(ctx context.Context, item *model.QueueItem, rec *model.Identifier) (model.QueueStatus, error) {
	return f(ctx, item, rec)
}

// QueueWorker — цикл обработки одной очереди.
type QueueWorker struct {
	queue    model.Queue
	repo     repository.QueueRepository
	handler  Handler
	tunables *config.TunablesCell
	logger   *slog.Logger

	// failures — число подряд неудачных проходов
	failures int
	// backoff задаёт паузы после неудачных проходов; nil — сбоев не было
	backoff retry.Iterator
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewQueueWorker создаёт обработчик очереди q.
func NewQueueWorker(
	q model.Queue,
	repo repository.QueueRepository,
	handler Handler,
	tunables *config.TunablesCell,
	logger *slog.Logger,
) *QueueWorker {
	return &QueueWorker{
		queue:    q,
		repo:     repo,
		handler:  handler,
		tunables: tunables,
		logger:   logger.With(slog.String("component", "worker"), slog.String("queue", string(q))),
		sleep:    sleepContext,
	}
}

// Name возвращает имя обработчика (имя очереди).
func (w *QueueWorker) Name() string { return string(w.queue) }

// Run обрабатывает очередь до отмены ctx. Параметры перечитываются
// на каждой итерации: выключенный обработчик простаивает, не теряя строк.
func (w *QueueWorker) Run(ctx context.Context) error {
	w.logger.Info("Обработчик очереди запущен")
	defer w.logger.Info("Обработчик очереди остановлен")

	for ctx.Err() == nil {
		t := w.tunables.Load()
		d := t.Daemon(string(w.queue))
		idle := d.IdleSleep
		if idle <= 0 {
			idle = defaultIdleSleep
		}
		if !d.Enabled {
			if w.sleep(ctx, idle) != nil {
				break
			}
			continue
		}

		done, err := w.RunOnce(ctx, t.MaxBatchSize)
		w.reportDepth(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			w.failures++
			if w.backoff == nil {
				w.backoff = NewBackoff(idle, t.BackoffCap)
			}
			wait = w.backoff.Next(ctx, err)
			w.logger.Warn("Проход очереди прерван, повтор отложен",
				slog.String("error", err.Error()),
				slog.Int("failures", w.failures),
				slog.Duration("wait", wait),
			)
		case done == 0:
			w.failures, w.backoff = 0, nil
			wait = idle
		default:
			w.failures, w.backoff = 0, nil
		}
		if wait > 0 && w.sleep(ctx, wait) != nil {
			break
		}
	}
	return nil
}

// RunOnce обрабатывает один пакет строк. Возвращает число строк,
// покинувших очередь или переведённых в постоянную ошибку; ошибка
// означает временный сбой, на котором пакет прерван.
func (w *QueueWorker) RunOnce(ctx context.Context, limit int) (int, error) {
	items, err := w.repo.NextBatch(ctx, w.queue, limit)
	if err != nil {
		return 0, fmt.Errorf("чтение очереди %s: %w", w.queue, err)
	}

	done := 0
	// Идентификаторы с незавершённой строкой: их следующие строки ждут.
	pending := make(map[string]bool)
	for _, item := range items {
		if ctx.Err() != nil {
			return done, nil
		}
		if pending[item.Identifier] {
			continue
		}

		status, err := w.process(ctx, item)
		switch {
		case err == nil && status.Terminal():
			if err := w.repo.Delete(ctx, w.queue, item.Seq); err != nil {
				return done, fmt.Errorf("удаление строки %d: %w", item.Seq, err)
			}
			queueProcessed.WithLabelValues(string(w.queue), string(status)).Inc()
			w.logger.Debug("Строка обработана",
				slog.Int64("seq", item.Seq),
				slog.String("identifier", item.Identifier),
				slog.String("status", string(status)),
			)
			done++

		case err == nil && status.Settled():
			item.Status, item.Error = status, ""
			if err := w.repo.SaveProgress(ctx, w.queue, item); err != nil {
				return done, fmt.Errorf("сохранение строки %d: %w", item.Seq, err)
			}
			queueProcessed.WithLabelValues(string(w.queue), string(status)).Inc()
			w.logger.Warn("Строка завершена с замечанием сервиса и оставлена в очереди",
				slog.Int64("seq", item.Seq),
				slog.String("identifier", item.Identifier),
				slog.String("status", string(status)),
			)
			done++

		case err == nil:
			pending[item.Identifier] = true
			if status == item.Status && item.Error == "" {
				continue
			}
			item.Status, item.Error = status, ""
			if err := w.repo.SaveProgress(ctx, w.queue, item); err != nil {
				return done, fmt.Errorf("сохранение строки %d: %w", item.Seq, err)
			}

		case ezerr.Is(err, ezerr.RemotePermanent):
			queueFailed.WithLabelValues(string(w.queue), "permanent").Inc()
			w.logger.Error("Постоянная ошибка, строка отложена до вмешательства оператора",
				slog.Int64("seq", item.Seq),
				slog.String("identifier", item.Identifier),
				slog.String("error", err.Error()),
			)
			if err := w.repo.RecordError(ctx, w.queue, item.Seq, ezerr.Message(err), true); err != nil {
				return done, fmt.Errorf("запись ошибки строки %d: %w", item.Seq, err)
			}
			done++

		default:
			if ctx.Err() != nil {
				return done, nil
			}
			queueFailed.WithLabelValues(string(w.queue), "transient").Inc()
			if rerr := w.repo.RecordError(ctx, w.queue, item.Seq, err.Error(), false); rerr != nil {
				w.logger.Error("Ошибка записи ошибки строки",
					slog.Int64("seq", item.Seq),
					slog.String("error", rerr.Error()),
				)
			}
			return done, fmt.Errorf("строка %d (%s): %w", item.Seq, item.Identifier, err)
		}
	}
	return done, nil
}

// process распаковывает снимок и вызывает обработчик. Повреждённый
// снимок — постоянная ошибка.
func (w *QueueWorker) process(ctx context.Context, item *model.QueueItem) (model.QueueStatus, error) {
	rec, err := model.FromSnapshot(item.Snapshot)
	if err != nil {
		return "", ezerr.Wrap(ezerr.RemotePermanent, err, "снимок записи %s повреждён", item.Identifier)
	}
	return w.handler.Handle(ctx, item, rec)
}

func (w *QueueWorker) reportDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	st, err := w.repo.Stats(ctx, w.queue)
	if err != nil {
		return
	}
	queueDepth.WithLabelValues(string(w.queue)).Set(float64(st.Total))
}

// NewBackoff возвращает бесконечный итератор пауз между неудачными
// проходами: base, 2·base, 4·base, ... но не больше limit (0 — без предела).
func NewBackoff(base, limit time.Duration) retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   base,
			Retries: -1,
		},
		MaxDelay:   limit,
		Multiplier: 2,
	}
}

// sleepContext ждёт d или отмены ctx.
func sleepContext(ctx context.Context, d time.Duration) error {
	return clock.Sleep(ctx, d).Err
}
