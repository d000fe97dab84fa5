package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/dmn-worker/internal/codec"
	"github.com/shaiso/dmn-worker/internal/mq"
)

// TaskPublisher публикует tasks.
type TaskPublisher interface {
	PublishTask(ctx context.Context, spec mq.TaskSpec) (string, error)
}

// TaskDefaults — значения флагов по умолчанию (из конфигурации).
type TaskDefaults struct {
	Type           string
	Retries        int
	DecisionHeader string
}

// NewTaskCmd создаёт группу команд для работы с tasks.
func NewTaskCmd(publisherFn func() TaskPublisher, outputFn func() *Output, defaults TaskDefaults) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	cmd.AddCommand(newTaskCreateCmd(publisherFn, outputFn, defaults))

	return cmd
}

func newTaskCreateCmd(publisherFn func() TaskPublisher, outputFn func() *Output, defaults TaskDefaults) *cobra.Command {
	var (
		key         string
		decisionRef string
		payload     string
		taskType    string
		retries     int
		header      string
		extra       map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a new decision task",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if retries < 0 {
				return fmt.Errorf("--retries must not be negative, got %d", retries)
			}

			// Невалидный payload воркер всё равно отклонит terminal-ошибкой
			if _, err := codec.Decode([]byte(payload)); err != nil {
				return fmt.Errorf("--payload: %w", err)
			}

			headers := make(map[string]string, len(extra)+1)
			for k, v := range extra {
				headers[k] = v
			}
			headers[header] = decisionRef

			spec := mq.TaskSpec{
				Key:     key,
				Type:    taskType,
				Headers: headers,
				Payload: []byte(payload),
				Retries: retries,
			}

			taskKey, err := publisherFn().PublishTask(cmd.Context(), spec)
			if err != nil {
				return err
			}

			type published struct {
				Key      string `json:"key"`
				Type     string `json:"type"`
				Decision string `json:"decision"`
				Retries  int    `json:"retries"`
			}
			p := published{Key: taskKey, Type: taskType, Decision: decisionRef, Retries: retries}

			out.Success(fmt.Sprintf("Task published: %s", taskKey))
			out.Print(
				[]string{"KEY", "TYPE", "DECISION", "RETRIES"},
				[][]string{{p.Key, p.Type, p.Decision, strconv.Itoa(p.Retries)}},
				p,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Task key (generated if empty)")
	cmd.Flags().StringVar(&decisionRef, "decision", "", "Decision ID (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Input variables as JSON object")
	cmd.Flags().StringVar(&taskType, "type", defaults.Type, "Task type")
	cmd.Flags().IntVar(&retries, "retries", defaults.Retries, "Retry budget")
	cmd.Flags().StringVar(&header, "decision-header", defaults.DecisionHeader, "Header carrying the decision ID")
	cmd.Flags().StringToStringVar(&extra, "header", nil, "Extra task headers (key=value)")
	cmd.MarkFlagRequired("decision")

	return cmd
}
