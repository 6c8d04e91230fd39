// local.go — in-memory реализация шины для тестов и single-process запуска.
//
// Повторяет семантику транспорта: асинхронная доставка на отдельных
// горутинах, без гарантий порядка между destination-ами. Сообщение
// проходит JSON-сериализацию, как и на реальной шине, чтобы тесты
// ловили ошибки маршалинга payload-ов.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// LocalBus — in-memory шина сообщений.
type LocalBus struct {
	mu        sync.RWMutex
	listeners map[string]Handler
	closed    bool
	wg        sync.WaitGroup
}

// NewLocalBus создаёт пустую in-memory шину.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		listeners: make(map[string]Handler),
	}
}

// Send доставляет сообщение обработчику destination-а асинхронно.
// Если обработчик не зарегистрирован, сообщение отбрасывается —
// как и на реальной шине с очередью без consumer-а, доставка не
// гарантирована немедленно; для тестов это эквивалент потери.
func (b *LocalBus) Send(ctx context.Context, destination string, msg *protocol.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	h, ok := b.listeners[destination]
	b.mu.RUnlock()

	msg.To = destination

	// Прогоняем через JSON: копия + проверка сериализуемости
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	busPublishedTotal.WithLabelValues(string(msg.Type)).Inc()

	if !ok {
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		var copied protocol.Message
		if err := json.Unmarshal(body, &copied); err != nil {
			return
		}
		busConsumedTotal.WithLabelValues(string(copied.Type)).Inc()
		h.HandleMessage(&copied)
	}()

	return nil
}

// AddListener регистрирует обработчик destination-а.
func (b *LocalBus) AddListener(destination string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.listeners[destination] = h
	return nil
}

// RemoveListener снимает обработчик destination-а. Идемпотентна.
func (b *LocalBus) RemoveListener(destination string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, destination)
	return nil
}

// Close закрывает шину и дожидается завершения доставок в полёте.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Проверка на этапе компиляции
var _ Bus = (*LocalBus)(nil)
