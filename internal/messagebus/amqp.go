// amqp.go — реализация шины сообщений поверх RabbitMQ (amqp091-go).
//
// Отображение контракта на AMQP:
//   - destination → durable queue с тем же именем (default exchange)
//   - Send → Channel.PublishWithContext в очередь destination
//   - AddListener → Channel.Consume с auto-ack и горутиной доставки
//
// Каждый listener живёт на собственном канале: AMQP-каналы не
// потокобезопасны, а публикация идёт через выделенный канал под мьютексом.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// AMQPBus — шина сообщений поверх RabbitMQ.
type AMQPBus struct {
	conn   *amqp.Connection
	logger *slog.Logger

	pubMu sync.Mutex // защита канала публикации
	pub   *amqp.Channel

	mu        sync.Mutex
	listeners map[string]*amqpListener // destination → listener
	closed    bool
}

// amqpListener — подписка на одну очередь.
type amqpListener struct {
	channel *amqp.Channel
	cancel  context.CancelFunc
}

// NewAMQPBus подключается к RabbitMQ по указанному URL.
func NewAMQPBus(url string, logger *slog.Logger) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка открытия канала публикации: %w", err)
	}

	logger.Info("Подключение к RabbitMQ установлено")

	return &AMQPBus{
		conn:      conn,
		pub:       pub,
		logger:    logger.With(slog.String("component", "messagebus")),
		listeners: make(map[string]*amqpListener),
	}, nil
}

// declareQueue объявляет durable-очередь destination-а.
func declareQueue(ch *amqp.Channel, destination string) error {
	_, err := ch.QueueDeclare(
		destination,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("ошибка объявления очереди %s: %w", destination, err)
	}
	return nil
}

// Send публикует сообщение в очередь destination.
func (b *AMQPBus) Send(ctx context.Context, destination string, msg *protocol.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	msg.To = destination

	body, err := json.Marshal(msg)
	if err != nil {
		busErrorsTotal.WithLabelValues("marshal").Inc()
		return fmt.Errorf("ошибка сериализации сообщения: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := declareQueue(b.pub, destination); err != nil {
		busErrorsTotal.WithLabelValues("declare").Inc()
		return err
	}

	err = b.pub.PublishWithContext(ctx,
		"",          // default exchange
		destination, // routing key = имя очереди
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: msg.CorrelationID,
			Body:          body,
		},
	)
	if err != nil {
		busErrorsTotal.WithLabelValues("publish").Inc()
		return fmt.Errorf("ошибка публикации в %s: %w", destination, err)
	}

	busPublishedTotal.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// AddListener подписывает обработчик на очередь destination.
// Доставка выполняется в отдельной горутине consumer-а.
func (b *AMQPBus) AddListener(destination string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	// Существующая подписка заменяется
	if old, ok := b.listeners[destination]; ok {
		old.cancel()
		_ = old.channel.Close()
		delete(b.listeners, destination)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("ошибка открытия канала для %s: %w", destination, err)
	}

	if err := declareQueue(ch, destination); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(
		destination,
		"",    // consumer tag — автогенерация
		true,  // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("ошибка подписки на %s: %w", destination, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.listeners[destination] = &amqpListener{channel: ch, cancel: cancel}

	go b.consume(ctx, destination, deliveries, h)

	b.logger.Info("Подписка на destination оформлена",
		slog.String("destination", destination),
	)
	return nil
}

// consume — цикл доставки входящих сообщений обработчику.
func (b *AMQPBus) consume(ctx context.Context, destination string, deliveries <-chan amqp.Delivery, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				// Нечитаемое сообщение — логируем и отбрасываем,
				// транспорт никогда не роняем
				busErrorsTotal.WithLabelValues("unmarshal").Inc()
				b.logger.Warn("Нечитаемое сообщение на шине",
					slog.String("destination", destination),
					slog.String("error", err.Error()),
				)
				continue
			}
			busConsumedTotal.WithLabelValues(string(msg.Type)).Inc()
			h.HandleMessage(&msg)
		}
	}
}

// RemoveListener снимает подписку destination-а. Идемпотентна.
func (b *AMQPBus) RemoveListener(destination string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.listeners[destination]
	if !ok {
		return nil
	}
	l.cancel()
	_ = l.channel.Close()
	delete(b.listeners, destination)
	return nil
}

// Close закрывает все подписки и соединение.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for dest, l := range b.listeners {
		l.cancel()
		_ = l.channel.Close()
		delete(b.listeners, dest)
	}

	b.pubMu.Lock()
	_ = b.pub.Close()
	b.pubMu.Unlock()

	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия соединения RabbitMQ: %w", err)
	}

	b.logger.Info("Шина сообщений закрыта")
	return nil
}

// Проверка на этапе компиляции
var _ Bus = (*AMQPBus)(nil)

// ReadinessChecker — проверка готовности брокера для health endpoints.
type ReadinessChecker struct {
	bus *AMQPBus
}

// NewReadinessChecker создаёт checker готовности брокера.
func NewReadinessChecker(bus *AMQPBus) *ReadinessChecker {
	return &ReadinessChecker{bus: bus}
}

// CheckReady возвращает статус "ok" или "fail" с сообщением об ошибке.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	c.bus.mu.Lock()
	closed := c.bus.closed
	c.bus.mu.Unlock()

	if closed || c.bus.conn.IsClosed() {
		return "fail", "соединение с брокером потеряно"
	}
	return "ok", ""
}
