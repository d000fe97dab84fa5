package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/dmn-worker/internal/domain"
	"github.com/shaiso/dmn-worker/internal/queue"
)

const defaultRetries = 3

var (
	// errMissingKey — у сообщения нет MessageId.
	errMissingKey = errors.New("message has no id")

	// errForeignType — тип task в сообщении не совпадает с подпиской.
	errForeignType = errors.New("foreign task type")
)

// Broker — реализация queue.Client поверх RabbitMQ.
//
// Подписка = отдельный канал с Qos(prefetch = credits) и Consume на
// очередь типа task. Неподтверждённые сообщения RabbitMQ возвращает
// в очередь при закрытии канала — это аналог lock timeout.
type Broker struct {
	conn           *Connection
	logger         *slog.Logger
	defaultRetries int
}

// BrokerConfig — конфигурация Broker.
type BrokerConfig struct {
	// DefaultRetries — попытки для task без заголовка x-retries.
	DefaultRetries int
}

// NewBroker создаёт новый Broker.
func NewBroker(conn *Connection, logger *slog.Logger, cfg BrokerConfig) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	retries := cfg.DefaultRetries
	if retries <= 0 {
		retries = defaultRetries
	}

	return &Broker{
		conn:           conn,
		logger:         logger,
		defaultRetries: retries,
	}
}

// Open открывает подписку на очередь типа task.
func (b *Broker) Open(_ context.Context, taskType string, credits int) (queue.Stream, error) {
	if credits <= 0 {
		credits = 1
	}

	ch, err := b.conn.OpenChannel()
	if err != nil {
		return nil, err
	}

	// Prefetch = credits: брокер не выдаст больше неподтверждённых сообщений
	if err := ch.Qos(credits, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: set qos: %v", queue.ErrConnection, err)
	}

	tag := "dmn-worker-" + uuid.New().String()

	deliveries, err := ch.Consume(
		string(TaskQueue(taskType)), // queue
		tag,                         // consumer tag
		false,                       // auto-ack (мы ack вручную)
		false,                       // exclusive
		false,                       // no-local
		false,                       // no-wait
		nil,                         // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: consume: %v", queue.ErrConnection, err)
	}

	b.logger.Info("subscription opened",
		"queue", TaskQueue(taskType),
		"consumer_tag", tag,
		"credits", credits,
	)

	return &stream{
		ch:             ch,
		tag:            tag,
		taskType:       taskType,
		defaultRetries: b.defaultRetries,
		deliveries:     deliveries,
		locked:         make(map[string]amqp.Delivery),
		logger:         b.logger.With("consumer_tag", tag),
	}, nil
}

// stream — подписка на одном AMQP канале.
type stream struct {
	ch             *amqp.Channel
	tag            string
	taskType       string
	defaultRetries int
	deliveries     <-chan amqp.Delivery
	logger         *slog.Logger

	mu     sync.Mutex
	locked map[string]amqp.Delivery
	closed bool
}

// Next ждёт следующее сообщение.
func (s *stream) Next(ctx context.Context) (*domain.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case raw, ok := <-s.deliveries:
			if !ok {
				if s.isClosed() {
					return nil, queue.ErrStreamClosed
				}
				return nil, fmt.Errorf("%w: deliveries channel closed", queue.ErrConnection)
			}

			task, err := decodeDelivery(raw, s.taskType, s.defaultRetries)
			if err != nil {
				s.logger.Error("invalid task message, sending to DLQ",
					"delivery_tag", raw.DeliveryTag,
					"error", err,
				)
				// Некорректное сообщение — отправляем в DLQ
				raw.Nack(false, false)
				continue
			}

			s.mu.Lock()
			if _, dup := s.locked[task.Key]; dup {
				s.mu.Unlock()
				// Дубликат task, который уже в работе на этой подписке
				s.logger.Warn("duplicate delivery dropped", "task_key", task.Key)
				raw.Ack(false)
				continue
			}
			s.locked[task.Key] = raw
			s.mu.Unlock()

			return task, nil
		}
	}
}

// take забирает delivery по ключу task.
func (s *stream) take(key string) (amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.locked[key]
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("%w: %s", queue.ErrUnknownTask, key)
	}
	delete(s.locked, key)
	return raw, nil
}

// Complete публикует task.completed и подтверждает сообщение.
func (s *stream) Complete(ctx context.Context, key string, payload []byte) error {
	raw, err := s.take(key)
	if err != nil {
		return err
	}

	msg, err := eventPublishing(MessageTypeTaskCompleted, TaskCompletedPayload{
		TaskKey:  key,
		TaskType: s.taskType,
		Result:   payload,
	})
	if err != nil {
		// Вернём сообщение в очередь, сигнал не отправлен
		raw.Nack(false, true)
		return err
	}

	if err := s.ch.PublishWithContext(ctx, string(ExchangeResults), string(RoutingKeyCompleted), false, false, msg); err != nil {
		return fmt.Errorf("%w: publish completion: %v", queue.ErrConnection, err)
	}

	if err := raw.Ack(false); err != nil {
		return fmt.Errorf("%w: ack %s: %v", queue.ErrUnacknowledged, key, err)
	}
	return nil
}

// Fail сообщает об ошибке task.
//
// retries > 0 — task публикуется заново с уменьшенным x-retries,
// исходное сообщение подтверждается.
// retries == 0 — публикуется task.failed, сообщение уходит в DLQ.
func (s *stream) Fail(ctx context.Context, key string, retries int, message string) error {
	raw, err := s.take(key)
	if err != nil {
		return err
	}

	if retries > 0 {
		headers := stringHeaders(raw.Headers)
		msg := taskPublishing(key, s.taskType, headers, raw.Body, retries, message)
		if err := s.ch.PublishWithContext(ctx, string(ExchangeTasks), string(TaskRoutingKey(s.taskType)), false, false, msg); err != nil {
			return fmt.Errorf("%w: requeue task: %v", queue.ErrConnection, err)
		}
		if err := raw.Ack(false); err != nil {
			return fmt.Errorf("%w: ack %s: %v", queue.ErrUnacknowledged, key, err)
		}
		return nil
	}

	msg, err := eventPublishing(MessageTypeTaskFailed, TaskFailedPayload{
		TaskKey:  key,
		TaskType: s.taskType,
		Retries:  0,
		Error:    message,
	})
	if err != nil {
		raw.Nack(false, true)
		return err
	}

	if err := s.ch.PublishWithContext(ctx, string(ExchangeResults), string(RoutingKeyFailed), false, false, msg); err != nil {
		return fmt.Errorf("%w: publish failure: %v", queue.ErrConnection, err)
	}

	if err := raw.Nack(false, false); err != nil {
		return fmt.Errorf("%w: nack %s: %v", queue.ErrUnacknowledged, key, err)
	}
	return nil
}

// Skip подтверждает сообщение без публикации события.
func (s *stream) Skip(_ context.Context, key string) error {
	raw, err := s.take(key)
	if err != nil {
		return err
	}

	if err := raw.Ack(false); err != nil {
		return fmt.Errorf("%w: ack %s: %v", queue.ErrConnection, key, err)
	}
	return nil
}

// Close отменяет consumer и закрывает канал.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ch.IsClosed() {
		return nil
	}

	if err := s.ch.Cancel(s.tag, false); err != nil {
		s.logger.Debug("cancel consumer failed", "error", err)
	}

	if err := s.ch.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}

	s.logger.Info("subscription closed")
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// decodeDelivery собирает domain.Task из AMQP-сообщения.
func decodeDelivery(raw amqp.Delivery, taskType string, defaultRetries int) (*domain.Task, error) {
	if raw.MessageId == "" {
		return nil, errMissingKey
	}

	t := &domain.Task{
		Key:     raw.MessageId,
		Type:    taskType,
		Headers: stringHeaders(raw.Headers),
		Payload: raw.Body,
		Retries: defaultRetries,
		State:   domain.TaskStateCreated,
	}

	// Сообщение другого типа попало не в свою очередь
	if v, ok := raw.Headers[HeaderTaskType].(string); ok && v != "" && v != taskType {
		return nil, fmt.Errorf("%w: got %q, subscribed to %q", errForeignType, v, taskType)
	}

	if v, ok := raw.Headers[HeaderRetries]; ok {
		n, err := tableInt(v)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", HeaderRetries, err)
		}
		t.Retries = n
	}

	if v, ok := raw.Headers[HeaderError].(string); ok {
		t.Error = v
	}

	return t, nil
}

// stringHeaders оставляет пользовательские строковые заголовки.
// Служебные x-* заголовки не копируются.
func stringHeaders(table amqp.Table) map[string]string {
	out := make(map[string]string, len(table))
	for k, v := range table {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		}
	}
	return out
}

// tableInt приводит числовое значение заголовка к int.
func tableInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
