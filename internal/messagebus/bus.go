// Пакет messagebus — транспортная граница системы.
//
// Шина предоставляет минимальный контракт: отправка сообщения на
// destination и регистрация обработчика входящих сообщений destination-а.
// Семантика доставки — at-least-once, без гарантий порядка; слой бесед
// обязан быть устойчив к дубликатам и переупорядочиванию.
//
// Реализации:
//   - AMQPBus — RabbitMQ (amqp091-go), промышленная
//   - LocalBus — in-memory, для тестов и single-process запуска
package messagebus

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// Ошибки транспортного слоя.
var (
	// ErrBusClosed — шина закрыта, отправка невозможна.
	ErrBusClosed = errors.New("шина сообщений закрыта")
)

// Prometheus метрики шины
var (
	// busPublishedTotal — количество опубликованных сообщений по типу.
	busPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_bus_published_total",
		Help: "Общее количество сообщений, опубликованных на шину",
	}, []string{"type"})

	// busConsumedTotal — количество доставленных сообщений по типу.
	busConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_bus_consumed_total",
		Help: "Общее количество сообщений, доставленных обработчикам",
	}, []string{"type"})

	// busErrorsTotal — ошибки публикации/разбора сообщений.
	busErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_bus_errors_total",
		Help: "Общее количество ошибок шины сообщений",
	}, []string{"kind"})
)

// Handler — обработчик входящих сообщений destination-а.
// Вызывается на потоках доставки транспорта, возможно конкурентно.
type Handler interface {
	HandleMessage(msg *protocol.Message)
}

// HandlerFunc — адаптер функции к интерфейсу Handler.
type HandlerFunc func(msg *protocol.Message)

// HandleMessage реализует Handler.
func (f HandlerFunc) HandleMessage(msg *protocol.Message) { f(msg) }

// Bus — транспортная граница: отправка и подписка.
type Bus interface {
	// Send публикует сообщение на destination. Поле To заполняется
	// значением destination до сериализации.
	Send(ctx context.Context, destination string, msg *protocol.Message) error
	// AddListener регистрирует обработчик входящих сообщений destination-а.
	// Повторная регистрация того же destination заменяет обработчик.
	AddListener(destination string, h Handler) error
	// RemoveListener снимает обработчик destination-а. Идемпотентна.
	RemoveListener(destination string) error
	// Close закрывает шину и освобождает ресурсы.
	Close() error
}
