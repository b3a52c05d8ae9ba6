// Точка входа EZID — сервиса выпуска и сопровождения постоянных
// идентификаторов (ARK, DOI, UUID).
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// собирает движок операций, адаптеры внешних сервисов и обработчики
// очередей, запускает HTTP-сервер и завершает работу по SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goezid/internal/api/handlers"
	"github.com/bigkaa/goezid/internal/api/middleware"
	"github.com/bigkaa/goezid/internal/binder"
	"github.com/bigkaa/goezid/internal/broadcast"
	"github.com/bigkaa/goezid/internal/config"
	"github.com/bigkaa/goezid/internal/crossref"
	"github.com/bigkaa/goezid/internal/database"
	"github.com/bigkaa/goezid/internal/datacite"
	"github.com/bigkaa/goezid/internal/domain/model"
	"github.com/bigkaa/goezid/internal/domain/policy"
	"github.com/bigkaa/goezid/internal/domain/profile"
	"github.com/bigkaa/goezid/internal/download"
	"github.com/bigkaa/goezid/internal/indexer"
	"github.com/bigkaa/goezid/internal/lockmgr"
	"github.com/bigkaa/goezid/internal/mailer"
	"github.com/bigkaa/goezid/internal/objstore"
	"github.com/bigkaa/goezid/internal/remote"
	"github.com/bigkaa/goezid/internal/repository"
	"github.com/bigkaa/goezid/internal/server"
	"github.com/bigkaa/goezid/internal/service"
	"github.com/bigkaa/goezid/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("EZID завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// 1. Конфигурация и логирование
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.SetupLogger(cfg)
	logger.Info("EZID запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	tunables, err := config.LoadTunables()
	if err != nil {
		return err
	}
	cell := config.NewTunablesCell(tunables, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. PostgreSQL
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		return err
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.CheckSchema(ctx, pool); err != nil {
		return err
	}

	// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	store := repository.NewPgStore(pool)

	// 3. Движок операций
	locks := lockmgr.New(func() lockmgr.Limits {
		t := cell.Load()
		return lockmgr.Limits{
			MaxConcurrent: t.MaxConcurrentOperationsPerUser,
			MaxThreads:    t.MaxThreadsPerUser,
		}
	})
	pol := policy.New(cfg.TestShoulders())
	directory := service.NewPrincipalDirectory(store, cfg.PrincipalCacheSize, cfg.PrincipalCacheTTL, logger)
	engine := service.NewEngine(store, locks, directory, pol, service.EngineConfig{
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
	admin := service.NewAdminService(store, engine, directory.Invalidate, logger)

	// 4. Объектное хранилище и почта
	var objects objstore.Store = objstore.NewLocal(cfg.DownloadPublicDir)
	if cfg.S3Endpoint != "" {
		s3, err := objstore.NewS3(objstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.S3BucketDownloadPath,
			LinkTTL:   cfg.DownloadFileLifetime,
		}, logger)
		if err != nil {
			return err
		}
		objects = s3
	}
	mail := mailer.New(mailer.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}, logger)

	linkBase := cfg.BaseURL + "/s3_download"
	downloads := service.NewDownloadService(store, directory, pol, linkBase, logger)

	// 5. Обработчики очередей
	runners, remotes, err := buildWorkers(cfg, store, cell, mail, logger)
	if err != nil {
		return err
	}
	runners = append(runners, download.New(store, objects, mail, cell, download.Config{
		WorkDir:      cfg.DownloadWorkDir,
		PublicDir:    cfg.DownloadPublicDir,
		LinkBase:     linkBase,
		PageSize:     cfg.QueryPageSize,
		FileLifetime: cfg.DownloadFileLifetime,
		Tests:        cfg.TestShoulders(),
	}, logger))
	supervisor := worker.NewSupervisor(logger, runners...)

	// 6. topologymetrics
	var deps handlers.DependencyHealth
	dephealthSvc, err := service.NewDephealthService(
		"ezid",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		remotes,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
		deps = dephealthSvc
	}

	// 7. Аутентификация операторов по JWT (опционально)
	var (
		jwtAuth    *middleware.JWTAuth
		idpChecker handlers.ReadinessChecker
	)
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTOptions{
			JWKSURL:        cfg.JWTJWKSURL,
			CACertPath:     cfg.RemoteCACertPath,
			Issuer:         cfg.JWTIssuer,
			GroupsClaim:    cfg.JWTGroupsClaim,
			AdminGroups:    cfg.RoleAdminGroups,
			ReadonlyGroups: cfg.RoleReadonlyGroups,
			ClientTimeout:  10 * time.Second,
		}, logger)
		if err != nil {
			return err
		}
		checker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.RemoteCACertPath, 5*time.Second)
		if err != nil {
			return err
		}
		idpChecker = checker
		logger.Info("JWT-аутентификация операторов включена",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	}

	// 8. HTTP API
	health := handlers.NewHealthHandler(database.NewReadinessChecker(pool), idpChecker, deps)
	api := handlers.NewAPIHandler(health, engine, downloads, admin, locks, objects, logger)
	auth := middleware.NewAuth(directory, jwtAuth, logger)
	srv := server.New(cfg.Port, cfg.ShutdownTimeout, logger, server.NewRouter(logger, api, auth))

	// 9. Запуск: сервер, обработчики и перечитывание параметров по SIGHUP
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error {
		cell.Watch(gctx, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("EZID остановлен")
	return err
}

// buildWorkers создаёт обработчики включённых очередей и список
// нижестоящих сервисов для topologymetrics.
func buildWorkers(
	cfg *config.Config,
	store *repository.PgStore,
	cell *config.TunablesCell,
	mail mailer.Sender,
	logger *slog.Logger,
) ([]worker.Runner, []service.RemoteDependency, error) {
	var (
		runners []worker.Runner
		remotes []service.RemoteDependency
	)
	queues := store.Repos().Queues
	newClient := func(name, username, password string, p remote.Policy) (*remote.Client, error) {
		return remote.New(remote.Options{
			Service:    name,
			CACertPath: cfg.RemoteCACertPath,
			RateLimit:  cfg.RemoteRateLimit,
			Policy:     p,
			Username:   username,
			Password:   password,
		}, logger)
	}
	add := func(q model.Queue, h worker.Handler) {
		runners = append(runners, worker.NewQueueWorker(q, queues, h, cell, logger))
	}

	if cfg.BinderEnabled {
		rc, err := newClient("binder", cfg.BinderUsername, cfg.BinderPassword, remote.Policy{
			Attempts: cfg.BinderNumAttempts,
			Delay:    cfg.BinderReattemptDelay,
			Timeout:  cfg.BinderTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		add(model.QueueBinder, worker.NewBinderHandler(binder.New(rc, cfg.BinderURL), cfg.URLs()))
		remotes = append(remotes, service.RemoteDependency{Name: "binder", URL: cfg.BinderURL})
	}

	if cfg.DataciteEnabled {
		rc, err := newClient("datacite", "", "", remote.Policy{
			Attempts: cfg.DataciteNumAttempts,
			Delay:    cfg.DataciteReattemptDelay,
			MaxDelay: 4 * cfg.DataciteReattemptDelay,
			Timeout:  cfg.DataciteTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		dc := datacite.New(rc, cfg.DataciteDOIURL, cfg.DataciteMetadataURL, cfg.AllocatorPasswords)
		add(model.QueueDatacite, worker.NewDataciteHandler(dc, cfg.URLs(), cfg.TestShoulders()))
		remotes = append(remotes, service.RemoteDependency{Name: "datacite", URL: cfg.DataciteDOIURL, HealthPath: "/heartbeat"})
	}

	if cfg.CrossrefEnabled {
		rc, err := newClient("crossref", "", "", remote.Policy{
			Attempts: cfg.CrossrefNumAttempts,
			Timeout:  cfg.CrossrefTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		cr := crossref.New(rc, cfg.CrossrefDepositURL, cfg.CrossrefResultsURL, cfg.CrossrefUsername, cfg.CrossrefPassword)
		add(model.QueueCrossref, worker.NewCrossrefHandler(cr, store, mail, worker.CrossrefConfig{
			Depositor: profile.Depositor{
				Name:  cfg.CrossrefDepositorName,
				Email: cfg.CrossrefDepositorEmail,
			},
			URLs:         cfg.URLs(),
			PollInterval: cfg.CrossrefPollInterval,
			PollTimeout:  cfg.CrossrefPollTimeout,
		}, logger))
		remotes = append(remotes, service.RemoteDependency{Name: "crossref", URL: cfg.CrossrefDepositURL})
	}

	// Таблица поиска обновляется всегда; внешний индекс — если задан URL.
	var searchClient *remote.Client
	if cfg.SearchURL != "" {
		rc, err := newClient("search", "", "", remote.Policy{Attempts: 1})
		if err != nil {
			return nil, nil, err
		}
		searchClient = rc
		remotes = append(remotes, service.RemoteDependency{Name: "search", URL: cfg.SearchURL})
	}
	ix := indexer.New(store.Repos().Search, searchClient, cfg.SearchURL, cfg.SearchIndex)
	add(model.QueueSearch, worker.NewSearchHandler(ix, cfg.TestShoulders()))

	if cfg.BroadcastEnabled() {
		pub := broadcast.New(broadcast.Config{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
			Channel:  cfg.BroadcastChannel,
		}, logger)
		add(model.QueueBroadcast, worker.NewBroadcastHandler(pub))
	}

	return runners, remotes, nil
}
