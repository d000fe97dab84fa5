// Package cli реализует инструмент командной строки dmn-cli.
//
// # Обзор
//
// CLI — утилита для эксплуатации воркера: объявляет топологию RabbitMQ,
// публикует tasks и вычисляет decision напрямую через движок, минуя очередь.
//
// # Ключевые компоненты
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: dmn-cli task create ... --json | jq .
//
// ## Commands
//
//   - topology: объявить exchanges и очереди для типов tasks
//   - task create: опубликовать task
//   - evaluate: вычислить decision без очереди
//
// Каждая команда создаётся через фабричную функцию (NewTaskCmd и т.д.),
// принимающую замыкания для ленивого создания зависимостей после
// парсинга PersistentFlags.
package cli
