package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// DaemonTunables — параметры одного фонового обработчика.
type DaemonTunables struct {
	Enabled bool
	// Пауза при пустой очереди
	IdleSleep time.Duration
}

// Tunables — параметры, перечитываемые без перезапуска (SIGHUP).
type Tunables struct {
	// Ограничение одновременных операций одного пользователя
	MaxConcurrentOperationsPerUser int
	// Ограничение ожидающих операций одного пользователя
	MaxThreadsPerUser int
	// Размер пакета, выбираемого обработчиком очереди
	MaxBatchSize int
	// Верхняя граница паузы между повторами после ошибок
	BackoffCap time.Duration
	// Обработчики по имени очереди (binder, datacite, crossref, search,
	// broadcast) и "download"
	Daemons map[string]DaemonTunables
}

// DaemonNames — имена обработчиков, для которых читаются параметры.
var DaemonNames = []string{"binder", "datacite", "crossref", "search", "broadcast", "download"}

// Daemon возвращает параметры обработчика. Неизвестное имя — выключен.
func (t *Tunables) Daemon(name string) DaemonTunables {
	return t.Daemons[name]
}

// LoadTunables читает перечитываемые параметры из переменных окружения.
func LoadTunables() (*Tunables, error) {
	t := &Tunables{Daemons: make(map[string]DaemonTunables, len(DaemonNames))}
	var err error

	if t.MaxConcurrentOperationsPerUser, err = getEnvInt("EZ_MAX_CONCURRENT_OPERATIONS_PER_USER", 4); err != nil {
		return nil, fmt.Errorf("EZ_MAX_CONCURRENT_OPERATIONS_PER_USER: %w", err)
	}
	if t.MaxThreadsPerUser, err = getEnvInt("EZ_MAX_THREADS_PER_USER", 16); err != nil {
		return nil, fmt.Errorf("EZ_MAX_THREADS_PER_USER: %w", err)
	}
	if t.MaxConcurrentOperationsPerUser < 1 || t.MaxThreadsPerUser < t.MaxConcurrentOperationsPerUser {
		return nil, fmt.Errorf("EZ_MAX_THREADS_PER_USER: значение %d меньше EZ_MAX_CONCURRENT_OPERATIONS_PER_USER (%d)",
			t.MaxThreadsPerUser, t.MaxConcurrentOperationsPerUser)
	}
	if t.MaxBatchSize, err = getEnvInt("EZ_DAEMONS_MAX_BATCH_SIZE", 100); err != nil {
		return nil, fmt.Errorf("EZ_DAEMONS_MAX_BATCH_SIZE: %w", err)
	}
	if t.MaxBatchSize < 1 {
		return nil, fmt.Errorf("EZ_DAEMONS_MAX_BATCH_SIZE: значение должно быть положительным")
	}
	if t.BackoffCap, err = getEnvDuration("EZ_DAEMONS_BACKOFF_CAP", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("EZ_DAEMONS_BACKOFF_CAP: %w", err)
	}

	all, err := getEnvBool("EZ_DAEMONS_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("EZ_DAEMONS_ENABLED: %w", err)
	}
	for _, name := range DaemonNames {
		prefix := "EZ_DAEMONS_" + strings.ToUpper(name)
		var d DaemonTunables
		if d.Enabled, err = getEnvBool(prefix+"_ENABLED", true); err != nil {
			return nil, fmt.Errorf("%s_ENABLED: %w", prefix, err)
		}
		d.Enabled = d.Enabled && all
		if d.IdleSleep, err = getEnvDuration(prefix+"_IDLE_SLEEP", 5*time.Second); err != nil {
			return nil, fmt.Errorf("%s_IDLE_SLEEP: %w", prefix, err)
		}
		t.Daemons[name] = d
	}

	return t, nil
}

// TunablesCell хранит текущие Tunables и атомарно подменяет их
// при перечитывании. Читатели не блокируются.
type TunablesCell struct {
	ptr  atomic.Pointer[Tunables]
	load func() (*Tunables, error)
}

// NewTunablesCell создаёт ячейку с начальным значением.
// load используется при Reload; nil — LoadTunables.
func NewTunablesCell(initial *Tunables, load func() (*Tunables, error)) *TunablesCell {
	if load == nil {
		load = LoadTunables
	}
	c := &TunablesCell{load: load}
	c.ptr.Store(initial)
	return c
}

// Load возвращает текущие параметры.
func (c *TunablesCell) Load() *Tunables {
	return c.ptr.Load()
}

// Reload перечитывает параметры. При ошибке текущее значение сохраняется.
func (c *TunablesCell) Reload() error {
	t, err := c.load()
	if err != nil {
		return err
	}
	c.ptr.Store(t)
	return nil
}

// Watch перечитывает параметры по SIGHUP до отмены ctx.
func (c *TunablesCell) Watch(ctx context.Context, logger *slog.Logger) {
	logger = logger.With(slog.String("component", "tunables"))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if err := c.Reload(); err != nil {
				logger.Error("Ошибка перечитывания параметров, остаются прежние",
					slog.String("error", err.Error()),
				)
				continue
			}
			t := c.Load()
			logger.Info("Параметры перечитаны",
				slog.Int("max_concurrent_per_user", t.MaxConcurrentOperationsPerUser),
				slog.Int("max_batch_size", t.MaxBatchSize),
			)
		}
	}
}
