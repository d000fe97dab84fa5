// Package telemetry обеспечивает наблюдаемость воркера.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики
//   - http.go    — /healthz и /metrics
//
// Метрики экспортируются на /metrics endpoint воркера.
package telemetry
