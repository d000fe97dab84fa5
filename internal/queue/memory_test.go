package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/dmn-worker/internal/domain"
)

func newTask(key string) domain.Task {
	return domain.Task{
		Key:     key,
		Type:    "DMN",
		Headers: map[string]string{"decisionRef": "discount"},
		Retries: 3,
	}
}

func TestMemory_DeliversOnlyOwnType(t *testing.T) {
	m := NewMemory()
	m.Enqueue(domain.Task{Key: "other", Type: "email"})
	m.Enqueue(newTask("1"))

	s, err := m.Open(context.Background(), "DMN", 4)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	task, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if task.Key != "1" {
		t.Errorf("expected task 1, got %s", task.Key)
	}
	if m.Pending("email") != 1 {
		t.Error("foreign task type should stay in queue")
	}
}

func TestMemory_CreditsLimitDelivery(t *testing.T) {
	m := NewMemory()
	for _, key := range []string{"1", "2", "3"} {
		m.Enqueue(newTask(key))
	}

	s, _ := m.Open(context.Background(), "DMN", 2)
	defer s.Close()

	ctx := context.Background()
	first, _ := s.Next(ctx)
	_, _ = s.Next(ctx)

	// Третий task не выдаётся, пока не освободится credit
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := s.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if err := s.Complete(ctx, first.Key, []byte(`{"result":null}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	third, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next after complete: %v", err)
	}
	if third.Key != "3" {
		t.Errorf("expected task 3, got %s", third.Key)
	}
	if m.MaxInFlight() != 2 {
		t.Errorf("expected max in flight 2, got %d", m.MaxInFlight())
	}
}

func TestMemory_FailWithRetriesRequeues(t *testing.T) {
	m := NewMemory()
	m.Enqueue(newTask("1"))

	s, _ := m.Open(context.Background(), "DMN", 1)
	defer s.Close()

	ctx := context.Background()
	task, _ := s.Next(ctx)
	if err := s.Fail(ctx, task.Key, 2, "engine timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	again, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if again.Retries != 2 {
		t.Errorf("expected retries 2, got %d", again.Retries)
	}
	if again.Error != "engine timeout" {
		t.Errorf("expected error message to be carried, got %q", again.Error)
	}
}

func TestMemory_FailTerminal(t *testing.T) {
	m := NewMemory()
	m.Enqueue(newTask("1"))

	s, _ := m.Open(context.Background(), "DMN", 1)
	defer s.Close()

	ctx := context.Background()
	task, _ := s.Next(ctx)
	_ = s.Fail(ctx, task.Key, 0, "bad input")

	if m.Pending("DMN") != 0 {
		t.Error("terminal failure should not requeue")
	}
	signals := m.SignalsFor("1")
	if len(signals) != 1 || signals[0].Kind != SignalFail {
		t.Errorf("expected one fail signal, got %+v", signals)
	}
}

func TestMemory_DoubleCompleteRejected(t *testing.T) {
	m := NewMemory()
	m.Enqueue(newTask("1"))

	s, _ := m.Open(context.Background(), "DMN", 1)
	defer s.Close()

	ctx := context.Background()
	task, _ := s.Next(ctx)
	_ = s.Complete(ctx, task.Key, nil)

	if err := s.Complete(ctx, task.Key, nil); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestMemory_DisconnectRedelivers(t *testing.T) {
	m := NewMemory()
	m.Enqueue(newTask("1"))

	ctx := context.Background()
	s, _ := m.Open(ctx, "DMN", 1)
	task, _ := s.Next(ctx)

	m.Disconnect()

	if _, err := s.Next(ctx); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection from lost stream, got %v", err)
	}
	if err := s.Complete(ctx, task.Key, nil); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection on complete, got %v", err)
	}

	s2, _ := m.Open(ctx, "DMN", 1)
	defer s2.Close()

	again, err := s2.Next(ctx)
	if err != nil {
		t.Fatalf("next on new stream: %v", err)
	}
	if again.Key != "1" {
		t.Errorf("expected redelivery of task 1, got %s", again.Key)
	}
}

func TestMemory_Unreachable(t *testing.T) {
	m := NewMemory()
	m.SetUnreachable(true)

	if _, err := m.Open(context.Background(), "DMN", 1); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestMemory_CloseUnblocksNext(t *testing.T) {
	m := NewMemory()
	s, _ := m.Open(context.Background(), "DMN", 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStreamClosed) {
			t.Errorf("expected ErrStreamClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}
