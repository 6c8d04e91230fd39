// scheduler.go — планировщик проходов сверки.
//
// Проход по коллекции: сбор перечней файлов → сбор контрольных сумм →
// сверка существования → сверка сумм → тревоги по расхождениям.
// Запускается как горутина с периодическим тикером (BP_CHECK_INTERVAL);
// ручной запуск — через RunOnce (API-триггер).
//
// Неудавшийся проход не повторяется немедленно: следующий тик начнёт
// новый. Частичные результаты сбора (таймаут беседы) в сверке
// участвуют — отсутствие ответа pillar-а само по себе расхождение.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/alarm"
	"github.com/bigkaa/bitpreserve/internal/conversation"
	"github.com/bigkaa/bitpreserve/internal/integrity"
)

// Метрики планировщика.
var (
	workflowRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_workflow_runs_total",
		Help: "Количество проходов сверки по коллекциям",
	}, []string{"collection", "result"})
	workflowDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bp_workflow_duration_seconds",
		Help:    "Длительность прохода сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// Scheduler — планировщик проходов сверки по коллекциям.
type Scheduler struct {
	collections []string
	pillars     []conversation.Pillar
	collector   *Collector
	checker     *integrity.Checker
	store       integrity.Store
	alarmer     *alarm.Alarmer
	interval    time.Duration
	logger      *slog.Logger

	mu        sync.Mutex      // защита от параллельного запуска
	inProcess map[string]bool // проход по коллекции в процессе выполнения
	cancel    context.CancelFunc

	repMu       sync.RWMutex
	lastReports map[string]*integrity.Report
}

// NewScheduler создаёт планировщик сверки.
func NewScheduler(
	collections []string,
	pillars []conversation.Pillar,
	collector *Collector,
	checker *integrity.Checker,
	store integrity.Store,
	alarmer *alarm.Alarmer,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		collections: collections,
		pillars:     pillars,
		collector:   collector,
		checker:     checker,
		store:       store,
		alarmer:     alarmer,
		interval:    interval,
		inProcess:   make(map[string]bool),
		lastReports: make(map[string]*integrity.Report),
		logger:      logger.With(slog.String("component", "workflow")),
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (s *Scheduler) Start(ctx context.Context) {
	sCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(sCtx)

	s.logger.Info("Плановая сверка запущена",
		slog.String("interval", s.interval.String()),
		slog.Int("collections", len(s.collections)),
	)
}

// Stop останавливает фоновый процесс сверки.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Плановая сверка остановлена")
}

// IsInProgress возвращает true, если проход по коллекции выполняется.
func (s *Scheduler) IsInProgress(collectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProcess[collectionID]
}

// LastReport возвращает последний отчёт сверки коллекции или nil.
func (s *Scheduler) LastReport(collectionID string) *integrity.Report {
	s.repMu.RLock()
	defer s.repMu.RUnlock()
	return s.lastReports[collectionID]
}

// run — основной цикл фоновой горутины.
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, collectionID := range s.collections {
				if ctx.Err() != nil {
					return
				}
				s.RunOnce(ctx, collectionID)
			}
		}
	}
}

// RunOnce выполняет один проход сверки по коллекции.
// Потокобезопасен: если проход по коллекции уже выполняется,
// возвращает nil, true.
//
// Возвращает:
//   - *integrity.Report — итог сверки (nil при ошибке инфраструктуры)
//   - bool — true если проход уже выполнялся (skipped)
func (s *Scheduler) RunOnce(ctx context.Context, collectionID string) (*integrity.Report, bool) {
	s.mu.Lock()
	if s.inProcess[collectionID] {
		s.mu.Unlock()
		s.logger.Warn("Проход сверки уже выполняется, пропуск",
			slog.String("collection", collectionID))
		return nil, true
	}
	s.inProcess[collectionID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProcess[collectionID] = false
		s.mu.Unlock()
	}()

	startedAt := time.Now().UTC()
	s.logger.Info("Проход сверки начат", slog.String("collection", collectionID))

	// Сбор состояния с pillar-ов. Таймаут беседы не прерывает проход:
	// частичные результаты загружены, неответившие pillar-ы проявятся
	// в сверке существования.
	if err := s.collector.CollectFileIDs(ctx, collectionID, s.pillars); err != nil {
		s.logger.Warn("Сбор перечней файлов с ошибкой",
			slog.String("collection", collectionID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.collector.CollectChecksums(ctx, collectionID, s.pillars, nil); err != nil {
		s.logger.Warn("Сбор контрольных сумм с ошибкой",
			slog.String("collection", collectionID),
			slog.String("error", err.Error()),
		)
	}

	expected := make([]string, 0, len(s.pillars))
	for _, p := range s.pillars {
		expected = append(expected, p.ID)
	}

	report, err := s.checker.CheckFileIDs(ctx, collectionID, expected, nil)
	if err != nil {
		workflowRunsTotal.WithLabelValues(collectionID, "error").Inc()
		s.logger.Error("Ошибка сверки существования файлов",
			slog.String("collection", collectionID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	checksumReport, err := s.checker.CheckChecksums(ctx, collectionID, expected, nil)
	if err != nil {
		workflowRunsTotal.WithLabelValues(collectionID, "error").Inc()
		s.logger.Error("Ошибка сверки контрольных сумм",
			slog.String("collection", collectionID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	report.Merge(checksumReport)

	s.alarmer.RaiseForReport(ctx, report)

	s.repMu.Lock()
	s.lastReports[collectionID] = report
	s.repMu.Unlock()

	duration := time.Since(startedAt)
	workflowRunsTotal.WithLabelValues(collectionID, "ok").Inc()
	workflowDurationSeconds.Observe(duration.Seconds())

	s.logger.Info("Проход сверки завершён",
		slog.String("collection", collectionID),
		slog.Int("files_checked", report.CheckedFiles),
		slog.Bool("issues", report.HasIntegrityIssues()),
		slog.Duration("duration", duration),
	)

	return report, false
}
