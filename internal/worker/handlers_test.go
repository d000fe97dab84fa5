package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/dmn-worker/internal/decision"
	"github.com/shaiso/dmn-worker/internal/domain"
	"github.com/shaiso/dmn-worker/internal/queue"
)

// discountEvaluator — decision "discount": скидка по типу клиента.
func discountEvaluator(calls *atomic.Int32) decision.Evaluator {
	return decision.EvaluatorFunc(func(_ context.Context, id string, input map[string]any) (decision.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		if id != "discount" {
			return decision.Result{}, decision.ErrEvaluation
		}

		switch input["customer"] {
		case "Business":
			return decision.Of(0.15), nil
		case "Private":
			return decision.Of(0.05), nil
		default:
			return decision.NoResult(), nil
		}
	})
}

func newTask(key, ref, payload string) domain.Task {
	headers := map[string]string{}
	if ref != "" {
		headers[domain.DefaultDecisionHeader] = ref
	}
	return domain.Task{
		Key:     key,
		Type:    DefaultTaskType,
		Headers: headers,
		Payload: []byte(payload),
		Retries: 3,
	}
}

// claimOne кладёт task в брокер и захватывает его.
func claimOne(t *testing.T, broker *queue.Memory, task domain.Task) (*ClaimManager, *Claim) {
	t.Helper()

	broker.Enqueue(task)

	claims := NewClaimManager(broker, DefaultTaskType, 4, nil)
	if err := claims.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { claims.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	claim, err := claims.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if claim.Task.Key != task.Key {
		t.Fatalf("expected task %s, got %s", task.Key, claim.Task.Key)
	}
	return claims, claim
}

func onlySignal(t *testing.T, broker *queue.Memory, key string) queue.Signal {
	t.Helper()

	signals := broker.SignalsFor(key)
	if len(signals) != 1 {
		t.Fatalf("expected exactly 1 signal for %s, got %d: %+v", key, len(signals), signals)
	}
	return signals[0]
}

// --- Handler Tests ---

func TestHandler_CompletesWithResult(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
		matched  bool
	}{
		{"business", `{"customer":"Business","orderSize":7}`, `{"result":0.15}`, true},
		{"private", `{"customer":"Private","orderSize":12}`, `{"result":0.05}`, true},
		{"no rule matched", `{"customer":"VIP","orderSize":7}`, `{"result":null}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := queue.NewMemory()
			_, claim := claimOne(t, broker, newTask("t-1", "discount", tt.payload))

			h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(nil)})
			out := h.Handle(context.Background(), claim)

			if out.State != domain.TaskStateCompleted {
				t.Fatalf("expected COMPLETED, got %s (err: %v)", out.State, out.Err)
			}

			sig := onlySignal(t, broker, "t-1")
			if sig.Kind != queue.SignalComplete {
				t.Fatalf("expected complete signal, got %s", sig.Kind)
			}
			if string(sig.Payload) != tt.expected {
				t.Errorf("expected payload %s, got %s", tt.expected, sig.Payload)
			}
		})
	}
}

func TestHandler_MissingDecisionRef(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "", `{"customer":"Business"}`))

	var calls atomic.Int32
	h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(&calls)})
	out := h.Handle(context.Background(), claim)

	if out.State != domain.TaskStateFailed {
		t.Fatalf("expected FAILED, got %s", out.State)
	}
	if out.Class != ClassTerminal {
		t.Errorf("expected terminal class, got %s", out.Class)
	}
	if !errors.Is(out.Err, domain.ErrMissingDecisionRef) {
		t.Errorf("expected ErrMissingDecisionRef, got %v", out.Err)
	}
	if calls.Load() != 0 {
		t.Errorf("evaluator should not be called, got %d calls", calls.Load())
	}

	sig := onlySignal(t, broker, "t-1")
	if sig.Kind != queue.SignalFail || sig.Retries != 0 {
		t.Errorf("expected fail with 0 retries, got %+v", sig)
	}
	if broker.Pending(DefaultTaskType) != 0 {
		t.Error("terminal failure should not be redelivered")
	}
}

func TestHandler_CustomDecisionHeader(t *testing.T) {
	broker := queue.NewMemory()
	task := newTask("t-1", "", `{"customer":"Business"}`)
	task.Headers["ruleRef"] = "discount"
	_, claim := claimOne(t, broker, task)

	h := NewHandler(HandlerConfig{
		Evaluator:      discountEvaluator(nil),
		DecisionHeader: "ruleRef",
	})
	out := h.Handle(context.Background(), claim)

	if out.State != domain.TaskStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err: %v)", out.State, out.Err)
	}
}

func TestHandler_MalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"broken json", `{"customer":`},
		{"array", `[1,2,3]`},
		{"string", `"Business"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := queue.NewMemory()
			_, claim := claimOne(t, broker, newTask("t-1", "discount", tt.payload))

			var calls atomic.Int32
			h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(&calls)})
			out := h.Handle(context.Background(), claim)

			if out.State != domain.TaskStateFailed || out.Class != ClassTerminal {
				t.Fatalf("expected terminal FAILED, got %s/%s", out.State, out.Class)
			}
			if calls.Load() != 0 {
				t.Error("evaluator should not be called")
			}
			if sig := onlySignal(t, broker, "t-1"); sig.Retries != 0 {
				t.Errorf("expected 0 retries, got %d", sig.Retries)
			}
		})
	}
}

func TestHandler_EmptyPayload(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", ""))

	h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(nil)})
	out := h.Handle(context.Background(), claim)

	// Пустой документ — валидный вход, ни одно правило не сработало
	if out.State != domain.TaskStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err: %v)", out.State, out.Err)
	}
	if sig := onlySignal(t, broker, "t-1"); string(sig.Payload) != `{"result":null}` {
		t.Errorf("unexpected payload %s", sig.Payload)
	}
}

func TestHandler_EvaluationError(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "unknown-decision", `{}`))

	h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(nil)})
	out := h.Handle(context.Background(), claim)

	if out.Class != ClassTerminal {
		t.Fatalf("expected terminal class, got %s", out.Class)
	}
	if sig := onlySignal(t, broker, "t-1"); sig.Kind != queue.SignalFail || sig.Retries != 0 {
		t.Errorf("expected fail with 0 retries, got %+v", sig)
	}
}

func TestHandler_EngineUnavailable(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{}`))

	h := NewHandler(HandlerConfig{
		Evaluator: decision.EvaluatorFunc(func(context.Context, string, map[string]any) (decision.Result, error) {
			return decision.Result{}, decision.ErrUnavailable
		}),
	})
	out := h.Handle(context.Background(), claim)

	if out.Class != ClassTransient {
		t.Fatalf("expected transient class, got %s", out.Class)
	}
	if out.Retries != 2 {
		t.Errorf("expected 2 retries left, got %d", out.Retries)
	}

	sig := onlySignal(t, broker, "t-1")
	if sig.Retries != 2 {
		t.Errorf("expected signal with 2 retries, got %d", sig.Retries)
	}
	if broker.Pending(DefaultTaskType) != 1 {
		t.Error("task with retries left should be back in queue")
	}
}

func TestHandler_EvaluationTimeout(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{}`))

	h := NewHandler(HandlerConfig{
		EvalTimeout: 20 * time.Millisecond,
		Evaluator: decision.EvaluatorFunc(func(ctx context.Context, _ string, _ map[string]any) (decision.Result, error) {
			<-ctx.Done()
			return decision.Result{}, ctx.Err()
		}),
	})

	start := time.Now()
	out := h.Handle(context.Background(), claim)

	if time.Since(start) > time.Second {
		t.Errorf("handler should respect eval timeout, took %v", time.Since(start))
	}
	if out.Class != ClassTransient || out.Retries != 2 {
		t.Errorf("expected transient with 2 retries, got %s/%d", out.Class, out.Retries)
	}
}

func TestHandler_LateReplyIsUnavailable(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{}`))

	h := NewHandler(HandlerConfig{
		EvalTimeout: 10 * time.Millisecond,
		Evaluator: decision.EvaluatorFunc(func(ctx context.Context, _ string, _ map[string]any) (decision.Result, error) {
			<-ctx.Done()
			return decision.Of(0.15), nil
		}),
	})
	out := h.Handle(context.Background(), claim)

	if !errors.Is(out.Err, decision.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", out.Err)
	}
	if out.State != domain.TaskStateFailed {
		t.Errorf("expected FAILED, got %s", out.State)
	}
}

func TestHandler_EvaluatorPanic(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{}`))

	h := NewHandler(HandlerConfig{
		Evaluator: decision.EvaluatorFunc(func(context.Context, string, map[string]any) (decision.Result, error) {
			panic("rule table corrupted")
		}),
	})
	out := h.Handle(context.Background(), claim)

	if !errors.Is(out.Err, ErrEvaluatorPanic) {
		t.Fatalf("expected ErrEvaluatorPanic, got %v", out.Err)
	}
	if out.Class != ClassTerminal {
		t.Errorf("expected terminal class, got %s", out.Class)
	}
}

func TestHandler_LastRetry(t *testing.T) {
	broker := queue.NewMemory()
	task := newTask("t-1", "discount", `{}`)
	task.Retries = 1
	_, claim := claimOne(t, broker, task)

	h := NewHandler(HandlerConfig{
		Evaluator: decision.EvaluatorFunc(func(context.Context, string, map[string]any) (decision.Result, error) {
			return decision.Result{}, decision.ErrUnavailable
		}),
	})
	out := h.Handle(context.Background(), claim)

	if out.Retries != 0 {
		t.Errorf("expected 0 retries left, got %d", out.Retries)
	}
	if broker.Pending(DefaultTaskType) != 0 {
		t.Error("exhausted task should not be redelivered")
	}
}

func TestHandler_SkipsResolvedTask(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{"customer":"Business"}`))

	journal := NewMemoryJournal(0)
	journal.Record(context.Background(), "t-1", domain.TaskStateCompleted, "")

	var calls atomic.Int32
	h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(&calls), Journal: journal})
	out := h.Handle(context.Background(), claim)

	if !out.Skipped {
		t.Fatal("expected redelivery to be skipped")
	}
	if calls.Load() != 0 {
		t.Error("evaluator should not be called for resolved task")
	}
	if sig := onlySignal(t, broker, "t-1"); sig.Kind != queue.SignalSkip {
		t.Errorf("expected skip signal, got %s", sig.Kind)
	}
}

func TestHandler_SingleTerminalSignal(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{"customer":"Business"}`))

	h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(nil)})
	h.Handle(context.Background(), claim)

	// Повторная обработка того же claim не даёт второго сигнала
	second := h.Handle(context.Background(), claim)
	if second.State == domain.TaskStateCompleted && !second.Skipped {
		t.Error("second handle must not complete task again")
	}

	if sig := onlySignal(t, broker, "t-1"); sig.Kind != queue.SignalComplete {
		t.Errorf("expected complete signal, got %s", sig.Kind)
	}
}

func TestHandler_LostSubscription(t *testing.T) {
	broker := queue.NewMemory()
	_, claim := claimOne(t, broker, newTask("t-1", "discount", `{"customer":"Business"}`))

	broker.Disconnect()

	journal := NewMemoryJournal(0)
	h := NewHandler(HandlerConfig{Evaluator: discountEvaluator(nil), Journal: journal})
	out := h.Handle(context.Background(), claim)

	if !out.Abandoned {
		t.Fatal("task should be abandoned to queue")
	}
	if !errors.Is(out.Err, queue.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", out.Err)
	}
	if len(broker.SignalsFor("t-1")) != 0 {
		t.Error("no signal should reach broker")
	}
	if journal.Len() != 0 {
		t.Error("abandoned task should not be recorded")
	}
	if broker.Pending(DefaultTaskType) != 1 {
		t.Error("abandoned task should be back in queue")
	}
}

// --- ClaimManager Tests ---

func TestClaimManager_CreditsBound(t *testing.T) {
	broker := queue.NewMemory()
	for _, key := range []string{"t-1", "t-2", "t-3"} {
		broker.Enqueue(newTask(key, "discount", `{}`))
	}

	claims := NewClaimManager(broker, DefaultTaskType, 2, nil)
	if err := claims.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer claims.Close()

	ctx := context.Background()
	first, err := claims.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := claims.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	// Credits исчерпаны — третий task не выдаётся
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := claims.Next(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if claims.InFlight() != 2 {
		t.Errorf("expected 2 in flight, got %d", claims.InFlight())
	}

	// Завершение возвращает credit
	if err := first.Complete(ctx, []byte(`{"result":null}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	claims.Resolve(first)
	claims.Resolve(first) // повторный Resolve ничего не делает

	waitCtx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	third, err := claims.Next(waitCtx2)
	if err != nil {
		t.Fatalf("expected third task after credit release: %v", err)
	}
	if third.Task.Key != "t-3" {
		t.Errorf("expected t-3, got %s", third.Task.Key)
	}
	if broker.MaxInFlight() > 2 {
		t.Errorf("expected at most 2 in flight, got %d", broker.MaxInFlight())
	}
}

func TestClaimManager_RedeliveryBeforeResolve(t *testing.T) {
	broker := queue.NewMemory()
	claims, first := claimOne(t, broker, newTask("t-1", "discount", `{}`))
	ctx := context.Background()

	// Fail возвращает task в очередь, но credit ещё не возвращён
	if err := first.Fail(ctx, 2, "engine down"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retry, err := claims.Next(waitCtx)
	if err != nil {
		t.Fatalf("retry should be delivered before resolve: %v", err)
	}
	if retry.Task.Key != "t-1" || retry.Task.Retries != 2 {
		t.Errorf("expected t-1 with 2 retries, got %s with %d", retry.Task.Key, retry.Task.Retries)
	}
	if claims.InFlight() != 2 {
		t.Errorf("expected 2 held claims, got %d", claims.InFlight())
	}

	// Resolve старого claim не трогает повторную доставку
	claims.Resolve(first)
	if claims.InFlight() != 1 {
		t.Errorf("expected 1 held claim, got %d", claims.InFlight())
	}
	if err := retry.Complete(ctx, []byte(`{"result":0.15}`)); err != nil {
		t.Fatalf("complete retry: %v", err)
	}
	claims.Resolve(retry)

	signals := broker.SignalsFor("t-1")
	if len(signals) != 2 || signals[1].Kind != queue.SignalComplete {
		t.Errorf("expected fail then complete, got %+v", signals)
	}
	if claims.InFlight() != 0 {
		t.Errorf("expected nothing held, got %d", claims.InFlight())
	}
}

func TestClaimManager_NotOpen(t *testing.T) {
	claims := NewClaimManager(queue.NewMemory(), DefaultTaskType, 1, nil)

	if _, err := claims.Next(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if claims.Healthy() {
		t.Error("should not be healthy before Open")
	}
}

func TestClaimManager_LostSubscription(t *testing.T) {
	broker := queue.NewMemory()
	claims := NewClaimManager(broker, DefaultTaskType, 1, nil)
	if err := claims.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer claims.Close()

	broker.Disconnect()

	if _, err := claims.Next(context.Background()); !errors.Is(err, queue.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if claims.Healthy() {
		t.Error("should not be healthy after connection loss")
	}

	// Credit не потерян: после переоткрытия задачи снова выдаются
	if err := claims.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	broker.Enqueue(newTask("t-1", "discount", `{}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := claims.Next(ctx); err != nil {
		t.Fatalf("next after reopen: %v", err)
	}
}
