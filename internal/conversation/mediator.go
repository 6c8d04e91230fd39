// mediator.go — реестр активных бесед и маршрутизация входящих ответов.
//
// Инвариант: не более одной живой беседы на correlation id.
// Маршрутизация never-throws: сообщение без адресата логируется и
// отбрасывается, транспорт не роняется. Недавно завершённые id
// хранятся в expirable LRU, чтобы отличать «поздний ответ завершённой
// беседы» от «неизвестная беседа» в диагностике.
package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// ErrDuplicateConversation — повторная регистрация correlation id.
// Дубликат id — ошибка программирования или протокола, не рабочая ситуация.
var ErrDuplicateConversation = errors.New("беседа с таким correlation id уже зарегистрирована")

// Prometheus метрики медиатора
var (
	// mediatorActiveConversations — текущее количество активных бесед.
	mediatorActiveConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bp_mediator_active_conversations",
		Help: "Текущее количество активных бесед",
	})

	// mediatorDroppedTotal — отброшенные сообщения по причинам.
	mediatorDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_mediator_dropped_total",
		Help: "Общее количество отброшенных медиатором сообщений",
	}, []string{"reason"})
)

// finishedCacheSize — ёмкость LRU недавно завершённых бесед.
const finishedCacheSize = 1024

// finishedCacheTTL — время хранения id завершённой беседы.
const finishedCacheTTL = 10 * time.Minute

// Mediator — реестр correlation id → активная беседа.
// Потокобезопасен: register/route/unregister идут конкурентно с потоков
// доставки транспорта и жизненных циклов бесед.
type Mediator struct {
	mu     sync.RWMutex
	active map[string]Conversation
	// finished — недавно завершённые беседы (для диагностики поздних ответов)
	finished *expirable.LRU[string, time.Time]
	logger   *slog.Logger
}

// NewMediator создаёт пустой реестр бесед.
func NewMediator(logger *slog.Logger) *Mediator {
	return &Mediator{
		active:   make(map[string]Conversation),
		finished: expirable.NewLRU[string, time.Time](finishedCacheSize, nil, finishedCacheTTL),
		logger:   logger.With(slog.String("component", "mediator")),
	}
}

// Register добавляет беседу в реестр.
// Возвращает ErrDuplicateConversation, если id уже занят.
func (m *Mediator) Register(conv Conversation) error {
	id := conv.ID()
	if id == "" {
		return fmt.Errorf("регистрация беседы без correlation id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConversation, id)
	}
	m.active[id] = conv
	mediatorActiveConversations.Set(float64(len(m.active)))
	return nil
}

// Unregister убирает беседу из реестра. Идемпотентна: повторный
// вызов или снятие незарегистрированной беседы — no-op.
func (m *Mediator) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[id]; !ok {
		return
	}
	delete(m.active, id)
	m.finished.Add(id, time.Now().UTC())
	mediatorActiveConversations.Set(float64(len(m.active)))
}

// Route доставляет входящее сообщение беседе по correlation id.
// Сообщение без адресата отбрасывается с логированием; метод никогда
// не паникует в транспорт.
func (m *Mediator) Route(msg *protocol.Message) {
	m.mu.RLock()
	conv, ok := m.active[msg.CorrelationID]
	m.mu.RUnlock()

	if !ok {
		if _, late := m.finished.Get(msg.CorrelationID); late {
			mediatorDroppedTotal.WithLabelValues("late").Inc()
			m.logger.Debug("Поздний ответ для завершённой беседы",
				slog.String("correlation_id", msg.CorrelationID),
				slog.String("type", string(msg.Type)),
			)
		} else {
			mediatorDroppedTotal.WithLabelValues("unknown").Inc()
			m.logger.Warn("Сообщение для неизвестной беседы",
				slog.String("correlation_id", msg.CorrelationID),
				slog.String("type", string(msg.Type)),
			)
		}
		return
	}

	// Доставка вне лока медиатора: беседа сериализует обработку сама
	conv.OnMessage(msg)
}

// HandleMessage реализует messagebus.Handler: медиатор подписывается
// на клиентский destination и маршрутизирует все входящие ответы.
func (m *Mediator) HandleMessage(msg *protocol.Message) {
	m.Route(msg)
}

// ActiveCount возвращает количество активных бесед.
func (m *Mediator) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
