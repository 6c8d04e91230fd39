// Точка входа референсного pillar-а bitpreserve.
// Загружает конфигурацию, сканирует файловый архив, подключается к брокеру,
// подписывается на очередь запросов и поднимает минимальный HTTP-сервер
// (liveness probe и Prometheus-метрики) с graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/bitpreserve/internal/alarm"
	"github.com/bigkaa/bitpreserve/internal/config"
	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/pillar"
	"github.com/bigkaa/bitpreserve/internal/server"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.LoadPillar()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupPillarLogger(cfg)
	logger.Info("Pillar bitpreserve запускается",
		slog.String("version", config.Version),
		slog.String("pillar_id", cfg.PillarID),
		slog.String("destination", cfg.Destination),
		slog.Int("port", cfg.Port),
	)

	// 3. Сканирование файлового архива
	archive, err := pillar.NewArchive(cfg.DataDir, cfg.Collections)
	if err != nil {
		logger.Error("Ошибка инициализации архива",
			slog.String("data_dir", cfg.DataDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	totalFiles := 0
	for _, collectionID := range cfg.Collections {
		totalFiles += archive.Count(collectionID)
	}
	logger.Info("Архив готов",
		slog.String("data_dir", cfg.DataDir),
		slog.Int("collections", len(cfg.Collections)),
		slog.Int("files", totalFiles),
	)

	// 4. Подключение к брокеру сообщений
	bus, err := messagebus.NewAMQPBus(cfg.BrokerURL, logger)
	if err != nil {
		logger.Error("Ошибка подключения к брокеру", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer bus.Close()

	// 5. Обработчик протокольных запросов
	alarmer := alarm.NewAlarmer(bus, cfg.AlarmDestination, cfg.PillarID, logger)
	svc := pillar.NewService(
		cfg.PillarID, cfg.Destination,
		bus, archive, cfg.Collections, alarmer,
		logger,
	)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		logger.Error("Ошибка подписки на очередь запросов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Минимальный HTTP-сервер: liveness probe и метрики
	brokerChecker := messagebus.NewReadinessChecker(bus)
	srv := server.New(cfg.Port, cfg.ShutdownTimeout, logger, func(r chi.Router) {
		r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
			writeHealth(w, http.StatusOK, map[string]any{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"version":   config.Version,
				"service":   "pillar",
				"pillar_id": cfg.PillarID,
			})
		})
		r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
			status, message := brokerChecker.CheckReady()
			code := http.StatusOK
			if status != "ok" {
				code = http.StatusServiceUnavailable
			}
			writeHealth(w, code, map[string]any{
				"status":    status,
				"message":   message,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"pillar_id": cfg.PillarID,
			})
		})
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	})
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Graceful shutdown
	svc.Stop()
	logger.Info("Pillar bitpreserve остановлен")
}

// writeHealth записывает JSON-ответ health endpoint-а.
func writeHealth(w http.ResponseWriter, status int, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
