// Утилита оператора EZID: очереди нижестоящих сервисов, минтеры, плечи,
// пользователи и группы. Работает напрямую с PostgreSQL сервиса и
// читает ту же конфигурацию из переменных окружения EZ_*.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/maruel/subcommands"

	"github.com/bigkaa/goezid/internal/config"
	"github.com/bigkaa/goezid/internal/database"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/minter"
	"github.com/bigkaa/goezid/internal/repository"
	"github.com/bigkaa/goezid/internal/service"
)

// backend — операторские операции (service.AdminService).
type backend interface {
	Overview(ctx context.Context) (*service.QueueOverview, error)
	ListErrors(ctx context.Context, queue string, permanent bool, limit int) ([]*model.QueueItem, error)
	ClearPermanentErrors(ctx context.Context, queue, seqRange string) (int64, error)
	DeleteRange(ctx context.Context, queue, seqRange string) (int64, error)
	Requeue(ctx context.Context, queue, seqRange string) (int64, error)

	CreateMinter(ctx context.Context, prefix, mask string) (*minter.State, error)
	Mint(ctx context.Context, prefix string, n int, dryRun bool) ([]string, error)
	Slice(prefix, mask string, skip, count int) ([]string, error)
	Dump(ctx context.Context, prefix string) (*minter.State, error)

	CreateShoulder(ctx context.Context, spec service.ShoulderSpec) (*model.Shoulder, error)
	SetShoulderActive(ctx context.Context, prefix string, active bool) error

	CreateGroup(ctx context.Context, spec service.GroupSpec) (*model.Group, error)
	DeleteGroup(ctx context.Context, groupname string) error
	CreateUser(ctx context.Context, spec service.UserSpec) (*model.User, error)
	MoveUser(ctx context.Context, username, groupname string) (int64, error)
	MoveGroup(ctx context.Context, groupname, realm string) (int64, error)
	DeleteUser(ctx context.Context, username string) error
	SetPassword(ctx context.Context, username, password string) error
}

// openBackend подключается к хранилищу. Подменяется в тестах.
var openBackend = openPostgres

// openPostgres собирает AdminService поверх PostgreSQL сервиса.
// Кэш принципалов работающего сервиса не сбрасывается: изменения
// пользователей видны ему после истечения EZ_PRINCIPAL_CACHE_TTL.
func openPostgres(ctx context.Context) (backend, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	tunables, err := config.LoadTunables()
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := database.CheckSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	store := repository.NewPgStore(pool)

	locks := lockmgr.New(func() lockmgr.Limits {
		return lockmgr.Limits{
			MaxConcurrent: tunables.MaxConcurrentOperationsPerUser,
			MaxThreads:    tunables.MaxThreadsPerUser,
		}
	})
	dir := service.NewPrincipalDirectory(store, cfg.PrincipalCacheSize, cfg.PrincipalCacheTTL, logger)
	engine := service.NewEngine(store, locks, dir, policy.New(cfg.TestShoulders()), service.EngineConfig{
		URLs:          cfg.URLs(),
		AdminUsername: cfg.AdminUsername,
		AgentShoulder: cfg.AgentShoulder,
		Downstreams: service.Downstreams{
			Binder:    cfg.BinderEnabled,
			Datacite:  cfg.DataciteEnabled,
			Crossref:  cfg.CrossrefEnabled,
			Broadcast: cfg.BroadcastEnabled(),
		},
	}, logger)
	return service.NewAdminService(store, engine, nil, logger), pool.Close, nil
}

// application — subcommands.Application с подменяемыми потоками вывода.
type application struct {
	subcommands.DefaultApplication
	out io.Writer
	err io.Writer
}

func (a *application) GetOut() io.Writer { return a.out }
func (a *application) GetErr() io.Writer { return a.err }

func newApplication(out, errOut io.Writer) *application {
	return &application{
		DefaultApplication: subcommands.DefaultApplication{
			Name:  "ezid-admin",
			Title: "Операторские операции EZID",
			Commands: []*subcommands.Command{
				subcommands.CmdHelp,

				cmdQueueOverview(),
				cmdQueueListPermanentErrors(),
				cmdQueueListTransientErrors(),
				cmdQueueClearPermanentErrors(),
				cmdQueueDelete(),
				cmdQueueRequeue(),

				cmdMinterCreate(),
				cmdMinterMint(),
				cmdMinterSlice(),
				cmdMinterDump(),

				cmdShoulderCreate(),
				cmdShoulderActivate(),
				cmdShoulderDeactivate(),

				cmdGroupCreate(),
				cmdGroupMove(),
				cmdGroupDelete(),
				cmdUserCreate(),
				cmdUserMove(),
				cmdUserDelete(),
				cmdUserSetPassword(),
			},
		},
		out: out,
		err: errOut,
	}
}

func main() {
	flag.Parse()
	os.Exit(subcommands.Run(newApplication(os.Stdout, os.Stderr), flag.Args()))
}

// commandBase — общая часть команд.
type commandBase struct {
	subcommands.CommandRunBase
}

// execute открывает хранилище и выполняет fn. Код выхода: 0 — успех,
// 1 — ошибка операции.
func (c *commandBase) execute(a subcommands.Application, fn func(ctx context.Context, b backend, out io.Writer) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, closeFn, err := openBackend(ctx)
	if err != nil {
		fmt.Fprintf(a.GetErr(), "ezid-admin: %v\n", err)
		return 1
	}
	defer closeFn()

	if err := fn(ctx, b, a.GetOut()); err != nil {
		fmt.Fprintf(a.GetErr(), "ezid-admin: %v\n", err)
		return 1
	}
	return 0
}

// usage сообщает об ошибке аргументов. Код выхода 2.
func (c *commandBase) usage(a subcommands.Application, format string, args ...any) int {
	fmt.Fprintf(a.GetErr(), "ezid-admin: "+format+"\n", args...)
	return 2
}

// required проверяет, что перечисленные флаги заданы.
func (c *commandBase) required(a subcommands.Application, args []string, flags map[string]string) int {
	if len(args) != 0 {
		return c.usage(a, "лишние аргументы: %s", strings.Join(args, " "))
	}
	for name, v := range flags {
		if v == "" {
			return c.usage(a, "не задан флаг -%s", name)
		}
	}
	return 0
}

// listFlag — флаг со списком значений: повторяется или через запятую.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*l = append(*l, s)
		}
	}
	return nil
}

// newTable возвращает tabwriter для табличного вывода.
func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}
