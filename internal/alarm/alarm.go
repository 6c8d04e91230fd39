// Пакет alarm — публикация тревог в очередь тревог.
//
// Тревога — протокольное сообщение о нарушении целостности или отказе
// операции. Координатор публикует тревоги по итогам сверки; pillar-ы —
// при отказах обработки запросов.
package alarm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/integrity"
	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// alarmsTotal — количество опубликованных тревог по кодам.
var alarmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bp_alarms_total",
	Help: "Количество опубликованных тревог",
}, []string{"code"})

// Alarmer публикует тревоги в очередь тревог.
type Alarmer struct {
	bus         messagebus.Bus
	destination string
	componentID string
	logger      *slog.Logger
}

// NewAlarmer создаёт публикатор тревог.
func NewAlarmer(bus messagebus.Bus, destination, componentID string, logger *slog.Logger) *Alarmer {
	return &Alarmer{
		bus:         bus,
		destination: destination,
		componentID: componentID,
		logger:      logger.With(slog.String("component", "alarmer")),
	}
}

// Raise публикует одну тревогу.
// Ошибка публикации логируется и возвращается; тревога не критична
// для хода сверки, решение об обработке за вызывающим.
func (a *Alarmer) Raise(ctx context.Context, collectionID string, al protocol.Alarm) error {
	al.CollectionID = collectionID
	if al.Timestamp.IsZero() {
		al.Timestamp = time.Now().UTC()
	}

	msg, err := protocol.NewMessage(protocol.MsgAlarm, collectionID, al)
	if err != nil {
		return err
	}
	msg.From = a.componentID

	if err := a.bus.Send(ctx, a.destination, msg); err != nil {
		a.logger.Error("Ошибка публикации тревоги",
			slog.String("code", string(al.Code)),
			slog.String("collection", collectionID),
			slog.String("error", err.Error()),
		)
		return err
	}

	alarmsTotal.WithLabelValues(string(al.Code)).Inc()
	a.logger.Warn("Тревога опубликована",
		slog.String("code", string(al.Code)),
		slog.String("collection", collectionID),
		slog.String("file", al.FileID),
		slog.String("text", al.Text),
	)
	return nil
}

// RaiseForReport публикует тревоги по расхождениям отчёта сверки.
// Файл с расходящимися суммами и отсутствующий файл дают по одной
// тревоге каждый; ошибки публикации не прерывают обход.
func (a *Alarmer) RaiseForReport(ctx context.Context, report *integrity.Report) {
	if report == nil || !report.HasIntegrityIssues() {
		return
	}

	for fileID := range report.InconsistentChecksums {
		_ = a.Raise(ctx, report.CollectionID, protocol.Alarm{
			Code:   protocol.AlarmChecksumInconsistency,
			FileID: fileID,
			Text:   "контрольные суммы реплик расходятся",
		})
	}
	for fileID, pillars := range report.MissingFiles {
		_ = a.Raise(ctx, report.CollectionID, protocol.Alarm{
			Code:   protocol.AlarmMissingFile,
			FileID: fileID,
			Text:   "файл отсутствует на pillar-ах: " + strings.Join(pillars, ", "),
		})
	}
	for _, fileID := range report.DeleteableFiles {
		_ = a.Raise(ctx, report.CollectionID, protocol.Alarm{
			Code:   protocol.AlarmMissingFile,
			FileID: fileID,
			Text:   "файл отсутствует на всех ожидаемых pillar-ах",
		})
	}
}
