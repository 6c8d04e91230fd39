// Точка входа координатора bitpreserve.
// Загружает конфигурацию, подключается к PostgreSQL и брокеру, применяет
// миграции, собирает слой бесед (медиатор, таймеры, события), модель
// целостности и планировщик сверки, запускает topologymetrics,
// HTTP-сервер с JWT middleware (опционально) и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/bitpreserve/internal/alarm"
	apihandlers "github.com/bigkaa/bitpreserve/internal/api/handlers"
	"github.com/bigkaa/bitpreserve/internal/api/middleware"
	"github.com/bigkaa/bitpreserve/internal/config"
	"github.com/bigkaa/bitpreserve/internal/conversation"
	"github.com/bigkaa/bitpreserve/internal/database"
	"github.com/bigkaa/bitpreserve/internal/integrity"
	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/server"
	"github.com/bigkaa/bitpreserve/internal/service"
	"github.com/bigkaa/bitpreserve/internal/workflow"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Координатор bitpreserve запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Int("collections", len(cfg.Collections)),
		slog.Int("pillars", len(cfg.Pillars)),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Подключение к брокеру сообщений
	bus, err := messagebus.NewAMQPBus(cfg.BrokerURL, logger)
	if err != nil {
		logger.Error("Ошибка подключения к брокеру", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer bus.Close()

	// 6. Слой бесед: медиатор, таймеры, события
	mediator := conversation.NewMediator(logger)
	timers := conversation.NewScheduler()
	events := conversation.NewLogEventHandler(logger)

	// Ответы pillar-ов приходят в очередь координатора и маршрутизируются
	// медиатором по correlation id
	if err := bus.AddListener(cfg.ReplyTo, mediator); err != nil {
		logger.Error("Ошибка подписки на очередь ответов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	deps := conversation.Deps{
		Bus:         bus,
		Mediator:    mediator,
		Scheduler:   timers,
		Events:      events,
		ComponentID: cfg.ComponentID,
		ReplyTo:     cfg.ReplyTo,
		Timeout:     cfg.ConversationTimeout,
		Logger:      logger,
	}

	// 7. Модель целостности и сверка
	store := integrity.NewPgStore(pool)
	checker := integrity.NewChecker(store, logger)
	alarmer := alarm.NewAlarmer(bus, cfg.AlarmDestination, cfg.ComponentID, logger)
	collector := workflow.NewCollector(deps, store, logger)

	pillars := make([]conversation.Pillar, 0, len(cfg.Pillars))
	for _, p := range cfg.Pillars {
		pillars = append(pillars, conversation.Pillar{ID: p.ID, Destination: p.Destination})
	}

	scheduler := workflow.NewScheduler(
		cfg.Collections, pillars,
		collector, checker, store, alarmer,
		cfg.CheckInterval,
		logger,
	)
	scheduler.Start(ctx)

	// 8. topologymetrics — мониторинг зависимостей (PostgreSQL + брокер)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.ComponentID,
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.BrokerMgmtURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. Readiness checkers (PostgreSQL + брокер) и API handlers
	pgChecker := database.NewReadinessChecker(pool)
	brokerChecker := messagebus.NewReadinessChecker(bus)
	healthHandler := apihandlers.NewHealthHandler("preservation-service", pgChecker, brokerChecker)

	integrityHandler := apihandlers.NewIntegrityHandler(
		store, scheduler, cfg.Collections, cfg.ReportCacheTTL, logger,
	)
	operationsHandler := apihandlers.NewOperationsHandler(
		deps, pillars, cfg.Collections, logger,
	)
	apiHandler := apihandlers.NewHandler(healthHandler, integrityHandler, operationsHandler)

	// 10. JWT middleware (опционально: пустой BP_JWT_JWKS_URL отключает аутентификацию)
	middlewares := []func(http.Handler) http.Handler{
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
	}

	var adminGuard func(http.Handler) http.Handler
	if cfg.JWTJWKSURL != "" {
		jwtAuth, jwtErr := middleware.NewJWTAuth(cfg.JWTJWKSURL, cfg.JWTIssuer, logger)
		if jwtErr != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", jwtErr.Error()))
			os.Exit(1)
		}
		// health и metrics доступны без токена
		middlewares = append(middlewares,
			server.AuthWithExclusions(jwtAuth.Middleware(), "/health", "/metrics"),
		)
		adminGuard = middleware.RequireRole(middleware.RoleAdmin)
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("BP_JWT_JWKS_URL не задан, API работает без аутентификации")
	}

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg.Port, cfg.ShutdownTimeout, logger,
		func(r chi.Router) {
			apiHandler.RegisterRoutes(r, adminGuard)
		},
		middlewares...,
	)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	scheduler.Stop()

	logger.Info("Координатор bitpreserve остановлен")
}
