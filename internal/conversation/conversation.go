// Пакет conversation — машины состояний многосторонних бесед протокола.
//
// Беседа — один клиентский запрос к N pillar-ам: веерная рассылка,
// сбор асинхронных, неупорядоченных, возможно отсутствующих или
// дублирующихся ответов, политика таймаута и детерминированный итог
// (успех, частичный успех, сбой).
//
// Модель конкурентности:
//   - все мутации состояния одной беседы сериализованы её мьютексом;
//     беседы независимы, общих локов между ними нет
//   - входящие сообщения доставляются на произвольных потоках транспорта
//   - терминальный переход защищён guard-ом «первый побеждает»: гонка
//     таймаута и последнего ответа даёт ровно один консистентный исход
//   - дедлайны взводятся в общем планировщике (timer.go) и отменяются
//     при завершении беседы
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// Prometheus метрики слоя бесед
var (
	// conversationsStartedTotal — количество начатых бесед по операциям.
	conversationsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_conversations_started_total",
		Help: "Общее количество начатых бесед",
	}, []string{"operation"})

	// conversationsFinishedTotal — количество завершённых бесед по исходам.
	conversationsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_conversations_finished_total",
		Help: "Общее количество завершённых бесед по терминальным состояниям",
	}, []string{"operation", "state"})

	// conversationDuration — длительность бесед от старта до терминала.
	conversationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bp_conversation_duration_seconds",
		Help:    "Длительность бесед в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	// responsesTotal — ответы contributor-ов по классам исходов.
	responsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bp_contributor_responses_total",
		Help: "Общее количество учтённых ответов contributor-ов",
	}, []string{"code"})
)

// Ошибки слоя бесед.
var (
	// ErrConversationTimedOut — дедлайн беседы истёк до получения всех ответов.
	ErrConversationTimedOut = errors.New("беседа завершилась по таймауту")
	// ErrWaitTimeout — истёк таймаут ожидания Wait, беседа ещё активна.
	ErrWaitTimeout = errors.New("таймаут ожидания завершения беседы")
)

// ConversationError — сбой беседы с человекочитаемой причиной.
type ConversationError struct {
	Reason string
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("беседа завершилась сбоем: %s", e.Reason)
}

// State — фаза беседы.
type State int

const (
	// StateNew — беседа создана, Start ещё не вызван.
	StateNew State = iota
	// StateIdentifying — идёт фаза идентификации.
	StateIdentifying
	// StateExecuting — идёт фаза исполнения операции.
	StateExecuting
	// StateFinished — терминальное: все ответы собраны.
	StateFinished
	// StateFailed — терминальное: беседа завершена сбоем.
	StateFailed
	// StateTimedOut — терминальное: дедлайн истёк.
	StateTimedOut
)

// String возвращает имя состояния.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateIdentifying:
		return "identifying"
	case StateExecuting:
		return "executing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal возвращает true для терминальных состояний.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateTimedOut
}

// Pillar — участник беседы: идентификатор и destination на шине.
type Pillar struct {
	ID          string
	Destination string
}

// ContributorResult — итог одного contributor-а.
// Пустой Code означает «нет ответа» (таймаут).
type ContributorResult struct {
	PillarID string
	Code     protocol.ResponseCode
	// Payload — декодированное тело ответа
	Payload any
	Info    string
}

// Failed возвращает true для негативных итогов и «нет ответа».
func (r *ContributorResult) Failed() bool {
	return r.Code == "" || r.Code.Class() != protocol.ClassSuccess
}

// Conversation — активная беседа с точки зрения медиатора.
type Conversation interface {
	// ID возвращает correlation id. Валиден только после Start.
	ID() string
	// OnMessage доставляет входящее сообщение беседе.
	// Вызывается на потоках доставки транспорта, возможно конкурентно.
	OnMessage(msg *protocol.Message)
}

// Deps — явные зависимости беседы (без глобальных фабрик).
type Deps struct {
	Bus       messagebus.Bus
	Mediator  *Mediator
	Scheduler *Scheduler
	Events    EventHandler
	// ComponentID — идентификатор клиента (поле From исходящих сообщений)
	ComponentID string
	// ReplyTo — destination клиента для ответов pillar-ов
	ReplyTo string
	// Timeout — абсолютный дедлайн беседы (0 → значение по умолчанию)
	Timeout time.Duration
	Logger  *slog.Logger
}

// defaultTimeout — дедлайн беседы по умолчанию.
const defaultTimeout = time.Minute

// timeout возвращает настроенный дедлайн беседы.
func (d Deps) timeout() time.Duration {
	if d.Timeout <= 0 {
		return defaultTimeout
	}
	return d.Timeout
}

// base — общее ядро машины состояний беседы.
// Конкретные операции (getfile.go и др.) встраивают base и дополняют
// его таблицей диспетчеризации по типам сообщений.
type base struct {
	deps         Deps
	operation    string
	collectionID string
	logger       *slog.Logger

	// ctx хранится со Start для отправок из обработчиков ответов
	ctx context.Context

	mu          sync.Mutex
	id          string
	state       State
	outstanding map[string]struct{}
	results     map[string]*ContributorResult
	// destinations — известные адреса участников (id → destination)
	destinations map[string]string
	failReason   string
	startedAt    time.Time
	done         chan struct{}
}

// newBase создаёт ядро беседы указанной операции.
func newBase(deps Deps, operation, collectionID string) *base {
	return &base{
		deps:         deps,
		operation:    operation,
		collectionID: collectionID,
		logger: deps.Logger.With(
			slog.String("component", "conversation"),
			slog.String("operation", operation),
		),
		state:        StateNew,
		outstanding:  make(map[string]struct{}),
		results:      make(map[string]*ContributorResult),
		destinations: make(map[string]string),
		done:         make(chan struct{}),
	}
}

// ID возвращает correlation id беседы.
func (c *base) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// State возвращает текущую фазу беседы.
func (c *base) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Results возвращает копию накопленных итогов contributor-ов.
func (c *base) Results() map[string]*ContributorResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*ContributorResult, len(c.results))
	for k, v := range c.results {
		copied := *v
		out[k] = &copied
	}
	return out
}

// FailReason возвращает причину сбоя (пустая строка для успеха).
func (c *base) FailReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failReason
}

// open назначает correlation id, регистрирует беседу в медиаторе и
// взводит дедлайн. Вызывается из Start конкретной операции до первой
// отправки; id иммутабелен после назначения.
func (c *base) open(ctx context.Context, outer Conversation, deadline time.Duration) error {
	c.mu.Lock()
	c.ctx = ctx
	c.id = protocol.NewCorrelationID()
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.deps.Mediator.Register(outer); err != nil {
		return err
	}

	c.deps.Scheduler.Arm(c.id, deadline, c.onDeadline)
	conversationsStartedTotal.WithLabelValues(c.operation).Inc()
	return nil
}

// beginPhaseLocked открывает фазу: устанавливает состояние и
// outstanding-набор участников фазы.
func (c *base) beginPhaseLocked(state State, pillars []Pillar) {
	c.state = state
	c.outstanding = make(map[string]struct{}, len(pillars))
	for _, p := range pillars {
		c.outstanding[p.ID] = struct{}{}
		c.destinations[p.ID] = p.Destination
	}
}

// sendLocked отправляет сообщение на destination и извещает о RequestSent.
func (c *base) sendLocked(destination, pillarID string, msg *protocol.Message) {
	msg.CorrelationID = c.id
	msg.From = c.deps.ComponentID
	msg.ReplyTo = c.deps.ReplyTo

	if err := c.deps.Bus.Send(c.ctx, destination, msg); err != nil {
		c.logger.Error("Ошибка отправки запроса",
			slog.String("conversation_id", c.id),
			slog.String("destination", destination),
			slog.String("error", err.Error()),
		)
		return
	}
	c.emitLocked(EventRequestSent, pillarID, string(msg.Type))
}

// respondLocked вычёркивает contributor-а из outstanding.
// Возвращает false для дубликата или неизвестного отправителя —
// в этом случае эмитится Warning и состояние не мутирует.
func (c *base) respondLocked(pillarID string) bool {
	if _, ok := c.outstanding[pillarID]; !ok {
		c.emitLocked(EventWarning, pillarID, "дубликат или поздний ответ")
		return false
	}
	delete(c.outstanding, pillarID)
	return true
}

// accumulateLocked сохраняет итог contributor-а.
// Итог фазы исполнения замещает итог идентификации того же contributor-а;
// не более одной записи на contributor-а.
func (c *base) accumulateLocked(res *ContributorResult) {
	c.results[res.PillarID] = res
	responsesTotal.WithLabelValues(string(res.Code)).Inc()
}

// maybeFinishLocked завершает беседу, если outstanding пуст.
// Эмитит Complete либо PartiallyComplete (при негативных итогах).
func (c *base) maybeFinishLocked() {
	if len(c.outstanding) != 0 {
		return
	}

	partial := false
	for _, r := range c.results {
		if r.Failed() {
			partial = true
			break
		}
	}

	if !c.finishLocked(StateFinished, "") {
		return
	}
	if partial {
		c.emitLocked(EventPartiallyComplete, "", "часть contributor-ов вернула негативный результат")
	} else {
		c.emitLocked(EventComplete, "", "")
	}
}

// failLocked переводит беседу в StateFailed.
func (c *base) failLocked(reason string) {
	if c.finishLocked(StateFailed, reason) {
		c.emitLocked(EventFailed, "", reason)
	}
}

// finishLocked — единственная точка терминального перехода.
// Первый переход побеждает: повторные вызовы (гонка таймаута и
// последнего ответа, внешний Fail после завершения) — no-op.
func (c *base) finishLocked(target State, reason string) bool {
	if c.state.Terminal() {
		return false
	}
	c.state = target
	c.failReason = reason

	c.deps.Scheduler.Cancel(c.id)
	c.deps.Mediator.Unregister(c.id)
	close(c.done)

	conversationsFinishedTotal.WithLabelValues(c.operation, target.String()).Inc()
	conversationDuration.Observe(time.Since(c.startedAt).Seconds())
	return true
}

// onDeadline — срабатывание дедлайна. Не ответившие contributor-ы
// фиксируются как «нет ответа».
func (c *base) onDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return
	}

	for pillarID := range c.outstanding {
		if _, ok := c.results[pillarID]; !ok {
			c.results[pillarID] = &ContributorResult{
				PillarID: pillarID,
				Info:     "нет ответа в срок",
			}
		}
	}
	c.outstanding = make(map[string]struct{})

	if c.finishLocked(StateTimedOut, "дедлайн беседы истёк") {
		c.emitLocked(EventTimedOut, "", "дедлайн беседы истёк")
	}
}

// Fail завершает беседу извне (например, «ни один pillar не ответил
// положительно»). После терминального состояния — no-op.
func (c *base) Fail(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(reason)
}

// Wait блокирует вызывающий поток до терминального состояния беседы
// или истечения собственного таймаута ожидания.
//
// Возвращает:
//   - nil — беседа завершена (Finished, включая частичный успех)
//   - ErrConversationTimedOut — дедлайн беседы истёк
//   - *ConversationError — беседа завершена сбоем
//   - ErrWaitTimeout — таймаут ожидания, беседа ещё активна
func (c *base) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.done:
	case <-t.C:
		return ErrWaitTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateFinished:
		return nil
	case StateTimedOut:
		return ErrConversationTimedOut
	case StateFailed:
		return &ConversationError{Reason: c.failReason}
	default:
		return nil
	}
}

// dispatchMessage — общий вход OnMessage конкретных операций:
// сериализует обработку мьютексом, отбрасывает сообщения для
// терминальной беседы и неожиданные типы с предупреждением.
func (c *base) dispatchMessage(msg *protocol.Message, table map[protocol.MessageType]func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		// Поздний ответ после завершения: warn and discard
		c.emitLocked(EventWarning, "", fmt.Sprintf("сообщение %s после завершения беседы", msg.Type))
		return
	}

	h, ok := table[msg.Type]
	if !ok {
		c.emitLocked(EventWarning, "", fmt.Sprintf("неожиданный тип сообщения %s", msg.Type))
		return
	}
	h(msg)
}

// handleIdentifyLocked — общая обработка ответа идентификации.
// Положительные ответы передаются селектору; когда outstanding пуст,
// возвращает выбранных исполнителей (second result = true).
func (c *base) handleIdentifyLocked(msg *protocol.Message, sel Selector) ([]Pillar, bool) {
	var resp protocol.IdentifyResponse
	if err := msg.DecodePayload(&resp); err != nil {
		c.emitLocked(EventWarning, "", "нечитаемый ответ идентификации: "+err.Error())
		return nil, false
	}

	if !c.respondLocked(resp.PillarID) {
		return nil, false
	}

	c.emitLocked(EventContributorIdentified, resp.PillarID, string(resp.Code))
	c.accumulateLocked(&ContributorResult{
		PillarID: resp.PillarID,
		Code:     resp.Code,
		Payload:  resp,
		Info:     resp.Info,
	})

	if resp.Code.IsPositive() {
		sel.Consider(resp)
	}

	if len(c.outstanding) != 0 {
		return nil, false
	}

	chosen, err := sel.Choose()
	if err != nil {
		c.failLocked(err.Error())
		return nil, false
	}

	pillars := make([]Pillar, 0, len(chosen))
	for _, id := range chosen {
		pillars = append(pillars, Pillar{ID: id, Destination: c.destinations[id]})
	}
	return pillars, true
}

// emitLocked отправляет событие обработчику.
// EventHandler обязан быть неблокирующим и не вызывать методы беседы.
func (c *base) emitLocked(t EventType, pillarID, message string) {
	if c.deps.Events == nil {
		return
	}
	c.deps.Events.HandleEvent(Event{
		Type:           t,
		ConversationID: c.id,
		CollectionID:   c.collectionID,
		PillarID:       pillarID,
		Message:        message,
		Timestamp:      time.Now().UTC(),
	})
}
