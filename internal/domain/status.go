package domain

// TaskState — состояние task с точки зрения воркера.
//
// Жизненный цикл:
//
//	CREATED → LOCKED → COMPLETED
//	                 ↘ FAILED (очередь вернёт в CREATED, если остались retries)
type TaskState string

const (
	// TaskStateCreated — task создан и ожидает захвата.
	TaskStateCreated TaskState = "CREATED"

	// TaskStateLocked — task захвачен этим воркером.
	TaskStateLocked TaskState = "LOCKED"

	// TaskStateCompleted — task успешно завершён.
	TaskStateCompleted TaskState = "COMPLETED"

	// TaskStateFailed — task завершился с ошибкой.
	TaskStateFailed TaskState = "FAILED"
)

// IsResolved возвращает true, если воркер уже отправил по task
// терминальный сигнал (complete или fail).
func (s TaskState) IsResolved() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление TaskState.
func (s TaskState) String() string {
	return string(s)
}

// ParseTaskState парсит строку в TaskState.
func ParseTaskState(s string) TaskState {
	switch s {
	case "LOCKED":
		return TaskStateLocked
	case "COMPLETED":
		return TaskStateCompleted
	case "FAILED":
		return TaskStateFailed
	default:
		return TaskStateCreated
	}
}
