// Пакет workflow — плановые проходы сверки целостности коллекций.
//
// Collector собирает состояние с pillar-ов беседами GetFileIDs и
// GetChecksums и загружает отчёты в хранилище модели целостности.
// Scheduler запускает проходы по тикеру и складывает итоговые отчёты.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/conversation"
	"github.com/bigkaa/bitpreserve/internal/integrity"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// Алгоритм контрольной суммы референсного протокола.
const checksumAlgorithm = "md5"

// waitGrace — запас ожидания Wait сверх таймаута беседы, чтобы
// финальное состояние успело установиться по дедлайну самой беседы.
const waitGrace = 10 * time.Second

// Метрики сбора.
var (
	collectorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_collector_runs_total",
		Help: "Количество сборов состояния с pillar-ов",
	}, []string{"kind", "result"})
	collectorItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_collector_items_total",
		Help: "Количество принятых элементов отчётов pillar-ов",
	}, []string{"kind"})
)

// Collector собирает состояние коллекции с pillar-ов.
type Collector struct {
	deps   conversation.Deps
	store  integrity.Store
	logger *slog.Logger
}

// NewCollector создаёт сборщик состояния.
func NewCollector(deps conversation.Deps, store integrity.Store, logger *slog.Logger) *Collector {
	return &Collector{
		deps:   deps,
		store:  store,
		logger: logger.With(slog.String("component", "collector")),
	}
}

// waitBudget — время ожидания завершения беседы.
func (c *Collector) waitBudget() time.Duration {
	timeout := c.deps.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return timeout + waitGrace
}

// CollectFileIDs запрашивает перечни файлов у всех pillar-ов и
// загружает их в хранилище. Частичные результаты (часть pillar-ов не
// ответила) загружаются; ошибка беседы возвращается вызывающему.
func (c *Collector) CollectFileIDs(ctx context.Context, collectionID string, pillars []conversation.Pillar) error {
	conv := conversation.NewGetFileIDsConversation(c.deps, collectionID, protocol.GetFileIDsRequest{}, pillars)
	if err := conv.Start(ctx); err != nil {
		collectorRunsTotal.WithLabelValues("file_ids", "error").Inc()
		return fmt.Errorf("ошибка запуска беседы GetFileIDs: %w", err)
	}
	waitErr := conv.Wait(c.waitBudget())

	checkTime := time.Now().UTC()
	for pillarID, items := range conv.FileIDs() {
		if err := c.store.UpdateFileIDs(ctx, collectionID, pillarID, items, checkTime); err != nil {
			collectorRunsTotal.WithLabelValues("file_ids", "error").Inc()
			return fmt.Errorf("ошибка загрузки перечня файлов pillar-а %s: %w", pillarID, err)
		}
		collectorItemsTotal.WithLabelValues("file_ids").Add(float64(len(items)))
	}

	if waitErr != nil {
		collectorRunsTotal.WithLabelValues("file_ids", "timeout").Inc()
		c.logger.Warn("Сбор перечня файлов завершён не полностью",
			slog.String("collection", collectionID),
			slog.String("error", waitErr.Error()),
		)
		return waitErr
	}

	collectorRunsTotal.WithLabelValues("file_ids", "ok").Inc()
	return nil
}

// CollectChecksums запрашивает контрольные суммы у всех pillar-ов и
// загружает их в хранилище. Семантика частичных результатов — как у
// CollectFileIDs.
func (c *Collector) CollectChecksums(ctx context.Context, collectionID string, pillars []conversation.Pillar, fileIDs []string) error {
	request := protocol.GetChecksumsRequest{
		FileIDs:   fileIDs,
		Algorithm: checksumAlgorithm,
	}
	conv := conversation.NewGetChecksumsConversation(c.deps, collectionID, request, pillars)
	if err := conv.Start(ctx); err != nil {
		collectorRunsTotal.WithLabelValues("checksums", "error").Inc()
		return fmt.Errorf("ошибка запуска беседы GetChecksums: %w", err)
	}
	waitErr := conv.Wait(c.waitBudget())

	checkTime := time.Now().UTC()
	for pillarID, items := range conv.Checksums() {
		if err := c.store.UpdateChecksums(ctx, collectionID, pillarID, items, checkTime); err != nil {
			collectorRunsTotal.WithLabelValues("checksums", "error").Inc()
			return fmt.Errorf("ошибка загрузки контрольных сумм pillar-а %s: %w", pillarID, err)
		}
		collectorItemsTotal.WithLabelValues("checksums").Add(float64(len(items)))
	}

	if waitErr != nil {
		collectorRunsTotal.WithLabelValues("checksums", "timeout").Inc()
		c.logger.Warn("Сбор контрольных сумм завершён не полностью",
			slog.String("collection", collectionID),
			slog.String("error", waitErr.Error()),
		)
		return waitErr
	}

	collectorRunsTotal.WithLabelValues("checksums", "ok").Inc()
	return nil
}
