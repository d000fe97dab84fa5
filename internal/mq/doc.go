// Package mq реализует транспорт tasks поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (ленивое подключение, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация tasks и событий о результатах
//   - consumer.go   — Broker: подписка на tasks (queue.Client поверх AMQP)
//
// Типы событий:
//   - task.completed — task завершён, payload содержит {"result": ...}
//   - task.failed    — task упал без оставшихся попыток (incident)
//
// Exchanges:
//   - dmn.tasks   — tasks, routing key = тип task
//   - dmn.results — события о результатах
//   - dmn.dlq     — dead letter queue
//
// Заголовки task: x-task-type, x-retries, x-error; остальные заголовки
// (например, decisionRef) передаются обработчику как есть.
package mq
