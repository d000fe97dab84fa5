package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип события в очереди результатов.
type MessageType string

// Типы событий.
const (
	MessageTypeTaskCompleted MessageType = "task.completed"
	MessageTypeTaskFailed    MessageType = "task.failed"
)

// Заголовки сообщения task.
const (
	HeaderTaskType = "x-task-type"
	HeaderRetries  = "x-retries"
	HeaderError    = "x-error"
)

// Message — событие, публикуемое воркером.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskCompletedPayload — payload события о завершённом task.
type TaskCompletedPayload struct {
	TaskKey  string          `json:"task_key"`
	TaskType string          `json:"task_type"`
	Result   json.RawMessage `json:"result"`
}

// TaskFailedPayload — payload события об окончательно упавшем task (incident).
type TaskFailedPayload struct {
	TaskKey  string `json:"task_key"`
	TaskType string `json:"task_type"`
	Retries  int    `json:"retries"`
	Error    string `json:"error"`
}

// TaskSpec — описание нового task для публикации.
type TaskSpec struct {
	// Key — ключ task; пустой — сгенерируется.
	Key string

	// Type — тип task (routing key).
	Type string

	// Headers — заголовки task (в том числе ссылка на decision).
	Headers map[string]string

	// Payload — входные данные (JSON-объект).
	Payload []byte

	// Retries — количество попыток.
	Retries int
}

// Publisher публикует tasks в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// PublishTask публикует новый task и возвращает его ключ.
func (p *Publisher) PublishTask(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.Key == "" {
		spec.Key = uuid.New().String()
	}

	err := p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(
			ctx,
			string(ExchangeTasks),             // exchange
			string(TaskRoutingKey(spec.Type)), // routing key
			false,                             // mandatory
			false,                             // immediate
			taskPublishing(spec.Key, spec.Type, spec.Headers, spec.Payload, spec.Retries, ""),
		)
	})
	if err != nil {
		return "", fmt.Errorf("publish task %s: %w", spec.Key, err)
	}

	p.logger.Debug("published task",
		"task_key", spec.Key,
		"type", spec.Type,
		"retries", spec.Retries,
	)

	return spec.Key, nil
}

// taskPublishing собирает AMQP-сообщение task.
func taskPublishing(key, taskType string, headers map[string]string, payload []byte, retries int, errMsg string) amqp.Publishing {
	table := amqp.Table{
		HeaderTaskType: taskType,
		HeaderRetries:  int32(retries),
	}
	for k, v := range headers {
		table[k] = v
	}
	if errMsg != "" {
		table[HeaderError] = errMsg
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // task переживёт рестарт RabbitMQ
		MessageId:    key,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         payload,
	}
}

// eventPublishing собирает AMQP-сообщение события.
func eventPublishing(msgType MessageType, payload any) (amqp.Publishing, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msgType),
		Body:         body,
	}, nil
}
