package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks   Exchange = "dmn.tasks"
	ExchangeResults Exchange = "dmn.results"
	ExchangeDLQ     Exchange = "dmn.dlq"
)

// Queues — имена очередей (очереди tasks создаются по типу, см. TaskQueue).
const (
	QueueResultsCompleted Queue = "dmn.results.completed"
	QueueResultsFailed    Queue = "dmn.results.failed"
	QueueDLQTasks         Queue = "dmn.dlq.tasks"
)

// Routing keys.
const (
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyFailed    RoutingKey = "failed"
	RoutingKeyDLQTasks  RoutingKey = "tasks"
)

// TaskQueue возвращает имя очереди для типа task.
func TaskQueue(taskType string) Queue {
	return Queue("dmn.tasks." + strings.ToLower(taskType))
}

// TaskRoutingKey возвращает ключ маршрутизации для типа task.
func TaskRoutingKey(taskType string) RoutingKey {
	return RoutingKey(taskType)
}

// SetupTopology объявляет exchanges, очереди и привязки.
// Для каждого из taskTypes создаётся своя очередь tasks.
func SetupTopology(ctx context.Context, conn *Connection, taskTypes ...string) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch, taskTypes); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		return bindQueues(ch, taskTypes)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeTasks, ExchangeResults, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel, taskTypes []string) error {
	// Исчерпавшие попытки tasks уходят в DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueResultsCompleted, nil},
		{QueueResultsFailed, nil},
		{QueueDLQTasks, nil},
	}
	for _, t := range taskTypes {
		queues = append(queues, struct {
			name Queue
			args amqp.Table
		}{TaskQueue(t), dlqArgs})
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel, taskTypes []string) error {
	type binding struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}

	bindings := []binding{
		{QueueResultsCompleted, RoutingKeyCompleted, ExchangeResults},
		{QueueResultsFailed, RoutingKeyFailed, ExchangeResults},
		{QueueDLQTasks, RoutingKeyDLQTasks, ExchangeDLQ},
	}
	for _, t := range taskTypes {
		bindings = append(bindings, binding{TaskQueue(t), TaskRoutingKey(t), ExchangeTasks})
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}
