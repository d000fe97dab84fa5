// Package worker вычисляет decisions для tasks из очереди.
//
// # Обзор
//
// Worker — долгоживущий компонент, который подписывается на tasks
// одного типа (по умолчанию "DMN"), вычисляет decision, указанный
// в заголовке task, и возвращает результат в очередь. Worker отвечает за:
//
//   - Захват tasks с ограничением credits (backpressure)
//   - Конкурентную обработку без потери и дублирования tasks
//   - Отображение результата вычисления на complete/fail
//   - Переподключение с exponential backoff при потере подписки
//
// # Ключевые компоненты
//
// ## ClaimManager
//
// Владеет подпиской и счётчиком credits. Credit занимается при захвате
// task и возвращается, когда task достиг терминального состояния.
//
// ## Handler
//
// Pipeline одного task:
//
//  1. Заголовок decisionRef (нет — FAILED, terminal)
//  2. Декодирование payload (ошибка — FAILED, terminal)
//  3. Вычисление decision (ErrEvaluation — terminal, недоступность/таймаут — transient)
//  4. Кодирование результата {"result": value | null}
//  5. Complete
//
// ## Worker
//
// Жизненный цикл: Start(ctx), Stop(timeout), Healthy().
//
//	w := worker.New(worker.Config{
//	    Client:    broker,
//	    Evaluator: gateway,
//	    Credits:   32,
//	    Logger:    logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop(30 * time.Second)
//
// # Ошибки
//
// Classify делит ошибки на три класса:
//   - ClassTerminal — заголовок, payload, семантика decision; Fail с retries = 0
//   - ClassTransient — сеть, таймаут; Fail с retries - 1, очередь повторит
//   - ClassConnection — потеря подписки; переподключение, task не трогаем
//
// Ошибки отдельных tasks никогда не выходят за пределы Handler.
//
// # At-most-once
//
// По каждому ключу task воркер отправляет не больше одного терминального
// сигнала. Состояние task (domain.Task) запрещает повторное завершение,
// а Journal отсекает повторные доставки уже завершённых tasks.
package worker
