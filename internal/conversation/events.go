// events.go — события жизненного цикла беседы.
//
// Беседа извещает EventHandler о каждом значимом переходе: отправке
// запросов, предупреждениях протокола, прогрессе и терминальном исходе.
// Обработчик вызывается под локом беседы: он обязан быть быстрым,
// неблокирующим и не вызывать методы беседы.
package conversation

import (
	"context"
	"log/slog"
	"time"
)

// EventType — тип события беседы.
type EventType string

const (
	// EventRequestSent — запрос отправлен pillar-у.
	EventRequestSent EventType = "request_sent"
	// EventContributorIdentified — получен ответ идентификации.
	EventContributorIdentified EventType = "contributor_identified"
	// EventProgress — промежуточный ответ операции.
	EventProgress EventType = "progress"
	// EventWarning — протокольная аномалия (дубликат, поздний или
	// нечитаемый ответ); не влияет на завершение беседы.
	EventWarning EventType = "warning"
	// EventComplete — беседа завершена, все contributor-ы успешны.
	EventComplete EventType = "complete"
	// EventPartiallyComplete — беседа завершена, часть contributor-ов
	// вернула негативный результат.
	EventPartiallyComplete EventType = "partially_complete"
	// EventFailed — беседа завершена сбоем.
	EventFailed EventType = "failed"
	// EventTimedOut — дедлайн истёк до получения всех ответов.
	EventTimedOut EventType = "timed_out"
)

// Event — одно событие жизненного цикла беседы.
type Event struct {
	Type           EventType
	ConversationID string
	CollectionID   string
	// PillarID — contributor, к которому относится событие (если применимо)
	PillarID  string
	Message   string
	Timestamp time.Time
}

// EventHandler — получатель событий беседы.
type EventHandler interface {
	HandleEvent(e Event)
}

// LogEventHandler — обработчик по умолчанию: пишет события в slog.
type LogEventHandler struct {
	logger *slog.Logger
}

// NewLogEventHandler создаёт обработчик событий поверх slog.
func NewLogEventHandler(logger *slog.Logger) *LogEventHandler {
	return &LogEventHandler{
		logger: logger.With(slog.String("component", "conversation_events")),
	}
}

// HandleEvent логирует событие. Предупреждения — уровнем WARN,
// сбои и таймауты — ERROR, остальное — DEBUG.
func (h *LogEventHandler) HandleEvent(e Event) {
	level := slog.LevelDebug
	switch e.Type {
	case EventWarning:
		level = slog.LevelWarn
	case EventFailed, EventTimedOut:
		level = slog.LevelError
	case EventComplete, EventPartiallyComplete:
		level = slog.LevelInfo
	}

	h.logger.LogAttrs(context.Background(), level, "Событие беседы",
		slog.String("event", string(e.Type)),
		slog.String("conversation_id", e.ConversationID),
		slog.String("collection_id", e.CollectionID),
		slog.String("pillar_id", e.PillarID),
		slog.String("message", e.Message),
	)
}
