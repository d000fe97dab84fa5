// Package scheduler запускает периодическое обслуживание воркера.
//
// Сейчас это одна задача: очистка журнала завершённых tasks
// (repo.JournalRepo) от записей старше retention.
//
// Структура:
//   - pruner.go — Pruner (Tick, Run)
//   - cron.go   — парсинг cron-выражений и вычисление следующего времени
//
// Использование:
//
//	pruner, err := scheduler.New(scheduler.Config{
//	    Store:     journalRepo,
//	    Schedule:  "@hourly",
//	    Retention: 7 * 24 * time.Hour,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//
//	go pruner.Run(ctx)
//
// Несколько экземпляров воркера могут чистить журнал одновременно:
// DELETE по времени идемпотентен.
package scheduler
