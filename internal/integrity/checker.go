// checker.go — сверка состояния реплик.
//
// Checker сравнивает записи хранилища с ожидаемым составом pillar-ов
// коллекции и фиксирует расхождения: отсутствующие файлы, отсутствующие
// контрольные суммы, несовпадающие контрольные суммы. Результаты
// записываются обратно в хранилище и собираются в Report.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики сверки.
var (
	checkerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_checker_runs_total",
		Help: "Количество запусков сверки по типам проверок.",
	}, []string{"check"})
	checkerIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_checker_issues_total",
		Help: "Количество найденных расхождений по типам.",
	}, []string{"type"})
	checkerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bp_checker_duration_seconds",
		Help:    "Длительность сверки.",
		Buckets: prometheus.DefBuckets,
	}, []string{"check"})
)

// Checker — механизм сверки реплик коллекции.
type Checker struct {
	store  Store
	logger *slog.Logger
}

// NewChecker создаёт механизм сверки.
func NewChecker(store Store, logger *slog.Logger) *Checker {
	return &Checker{
		store:  store,
		logger: logger.With("component", "integrity-checker"),
	}
}

// scopeFiles возвращает файлы для проверки: scope, либо все файлы коллекции.
func (c *Checker) scopeFiles(ctx context.Context, collectionID string, scope []string) ([]string, error) {
	if len(scope) > 0 {
		return scope, nil
	}
	return c.store.ListFileIDs(ctx, collectionID)
}

// CheckFileIDs сверяет существование файлов с ожидаемым составом pillar-ов.
//
// Файл, не отчитанный частью ожидаемых pillar-ов, помечается на них
// отсутствующим. Файл, отсутствующий на всех ожидаемых pillar-ах,
// попадает в кандидаты на удаление из модели — записи не трогаются,
// решение за workflow-ом.
func (c *Checker) CheckFileIDs(ctx context.Context, collectionID string, expectedPillars []string, scope []string) (*Report, error) {
	start := time.Now()
	defer func() { checkerDuration.WithLabelValues("file_ids").Observe(time.Since(start).Seconds()) }()
	checkerRuns.WithLabelValues("file_ids").Inc()

	report := NewReport(collectionID)

	files, err := c.scopeFiles(ctx, collectionID, scope)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения перечня файлов: %w", err)
	}

	for _, fileID := range files {
		infos, err := c.store.GetFileInfos(ctx, collectionID, fileID)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения состояния файла %s: %w", fileID, err)
		}

		present := make(map[string]bool, len(infos))
		for _, fi := range infos {
			if fi.FileState == FileExisting {
				present[fi.PillarID] = true
			}
		}

		var missingAt []string
		for _, pillarID := range expectedPillars {
			if !present[pillarID] {
				missingAt = append(missingAt, pillarID)
			}
		}
		report.CheckedFiles++
		if len(missingAt) == 0 {
			continue
		}

		if err := c.store.SetFileMissing(ctx, collectionID, fileID, missingAt); err != nil {
			return nil, fmt.Errorf("ошибка пометки отсутствия файла %s: %w", fileID, err)
		}

		if len(missingAt) == len(expectedPillars) {
			// отсутствует везде — кандидат на удаление из модели
			report.DeleteableFiles = append(report.DeleteableFiles, fileID)
			checkerIssues.WithLabelValues("deleteable_file").Inc()
			c.logger.Warn("Файл отсутствует на всех pillar-ах",
				"collection", collectionID, "file", fileID)
			continue
		}

		report.MissingFiles[fileID] = missingAt
		checkerIssues.WithLabelValues("missing_file").Inc()
		c.logger.Warn("Файл отсутствует на части pillar-ов",
			"collection", collectionID, "file", fileID, "pillars", missingAt)
	}

	c.logger.Info("Сверка существования файлов завершена",
		"collection", collectionID,
		"checked", report.CheckedFiles,
		"missing", len(report.MissingFiles),
		"deleteable", len(report.DeleteableFiles))
	return report, nil
}

// CheckChecksums сверяет контрольные суммы реплик каждого файла.
//
// Реплики с состоянием MISSING в голосовании не участвуют. Единственная
// различная сумма — согласие: отчитавшиеся pillar-ы получают VALID.
// Более одной — расхождение: ни один pillar не получает VALID,
// отчитавшиеся помечаются ERROR до выяснения.
func (c *Checker) CheckChecksums(ctx context.Context, collectionID string, expectedPillars []string, scope []string) (*Report, error) {
	start := time.Now()
	defer func() { checkerDuration.WithLabelValues("checksums").Observe(time.Since(start).Seconds()) }()
	checkerRuns.WithLabelValues("checksums").Inc()

	report := NewReport(collectionID)

	files, err := c.scopeFiles(ctx, collectionID, scope)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения перечня файлов: %w", err)
	}

	for _, fileID := range files {
		infos, err := c.store.GetFileInfos(ctx, collectionID, fileID)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения состояния файла %s: %w", fileID, err)
		}

		distinct := make(map[string]struct{})
		byPillar := make(map[string]string)
		var reporting []string
		for _, fi := range infos {
			if fi.FileState == FileMissing {
				continue
			}
			if fi.Checksum == nil {
				if fi.FileState == FileExisting {
					report.MissingChecksums[fileID] = append(report.MissingChecksums[fileID], fi.PillarID)
					checkerIssues.WithLabelValues("missing_checksum").Inc()
				}
				continue
			}
			distinct[*fi.Checksum] = struct{}{}
			byPillar[fi.PillarID] = *fi.Checksum
			reporting = append(reporting, fi.PillarID)
		}
		report.CheckedFiles++

		switch {
		case len(distinct) == 0:
			// сумм нет — нечего сверять
		case len(distinct) == 1:
			if err := c.store.SetChecksumValid(ctx, collectionID, fileID, reporting); err != nil {
				return nil, fmt.Errorf("ошибка подтверждения сумм файла %s: %w", fileID, err)
			}
		default:
			if err := c.store.SetChecksumError(ctx, collectionID, fileID, reporting); err != nil {
				return nil, fmt.Errorf("ошибка пометки расхождения сумм файла %s: %w", fileID, err)
			}
			report.InconsistentChecksums[fileID] = byPillar
			checkerIssues.WithLabelValues("inconsistent_checksum").Inc()
			c.logger.Warn("Контрольные суммы файла расходятся",
				"collection", collectionID, "file", fileID, "checksums", byPillar)
		}
	}

	c.logger.Info("Сверка контрольных сумм завершена",
		"collection", collectionID,
		"checked", report.CheckedFiles,
		"inconsistent", len(report.InconsistentChecksums),
		"without_checksum", len(report.MissingChecksums))
	return report, nil
}
