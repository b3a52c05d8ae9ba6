package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Runner — долгоживущая задача супервизора.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Supervisor запускает набор задач с общим сигналом завершения.
// Паника задачи превращается в ошибку и останавливает остальные.
type Supervisor struct {
	runners []Runner
	logger  *slog.Logger
}

// NewSupervisor создаёт супервизор.
func NewSupervisor(logger *slog.Logger, runners ...Runner) *Supervisor {
	return &Supervisor{
		runners: runners,
		logger:  logger.With(slog.String("component", "supervisor")),
	}
}

// Add добавляет задачу. Вызывается до Run.
func (s *Supervisor) Add(r Runner) { s.runners = append(s.runners, r) }

// Names возвращает имена задач.
func (s *Supervisor) Names() []string {
	out := make([]string, len(s.runners))
	for i, r := range s.runners {
		out[i] = r.Name()
	}
	return out
}

// Run запускает все задачи и ждёт их завершения. Возвращает первую
// ошибку задачи; отмена ctx ошибкой не считается.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.runners {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					s.logger.Error("Паника в фоновой задаче",
						slog.String("task", r.Name()),
						slog.Any("panic", p),
						slog.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("задача %s: паника: %v", r.Name(), p)
				}
			}()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("задача %s: %w", r.Name(), err)
			}
			return nil
		})
	}
	s.logger.Info("Фоновые задачи запущены", slog.Any("tasks", s.Names()))
	return g.Wait()
}
