// Package decision — шлюз к внешнему движку вычисления decisions.
//
// Воркер не реализует семантику decision-таблиц (сопоставление правил,
// hit policy). Он только вызывает Evaluator и интерпретирует результат:
//
//   - Result с Matched=true — значение decision
//   - NoResult() — ни одно правило не сработало (это не ошибка)
//   - ErrEvaluation — decision неизвестен или вход несовместим (terminal)
//   - ErrUnavailable — движок недоступен или не ответил вовремя (transient)
//
// Evaluator не хранит изменяемого состояния между вызовами и
// разделяется всеми обработчиками.
package decision

import (
	"context"
	"errors"
)

// Ошибки вычисления.
var (
	// ErrEvaluation — движок отверг вычисление: неизвестный decision
	// или вход, не совместимый с ожидаемыми входами decision.
	ErrEvaluation = errors.New("decision evaluation failed")

	// ErrUnavailable — движок недоступен (сеть, таймаут, 5xx).
	ErrUnavailable = errors.New("decision engine unavailable")
)

// Result — результат вычисления decision.
type Result struct {
	// Value — значение результата (любое JSON-представимое значение).
	Value any

	// Matched — false, если ни одно правило не сработало.
	Matched bool
}

// Of возвращает результат с найденным значением.
func Of(value any) Result {
	return Result{Value: value, Matched: true}
}

// NoResult возвращает результат "нет совпавшего правила".
func NoResult() Result {
	return Result{}
}

// Output возвращает значение для выходного документа.
// Для "нет результата" — nil (кодируется как null).
func (r Result) Output() any {
	if !r.Matched {
		return nil
	}
	return r.Value
}

// Evaluator вычисляет decision по идентификатору и входному контексту.
type Evaluator interface {
	Evaluate(ctx context.Context, decisionID string, input map[string]any) (Result, error)
}

// EvaluatorFunc — адаптер функции к Evaluator.
type EvaluatorFunc func(ctx context.Context, decisionID string, input map[string]any) (Result, error)

// Evaluate вызывает f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, decisionID string, input map[string]any) (Result, error) {
	return f(ctx, decisionID, input)
}
