package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaiso/dmn-worker/internal/mq"
)

// TopologyFunc объявляет топологию для типов tasks.
type TopologyFunc func(ctx context.Context, taskTypes ...string) error

// NewTopologyCmd создаёт команду объявления топологии RabbitMQ.
func NewTopologyCmd(setupFn func() TopologyFunc, outputFn func() *Output, defaultType string) *cobra.Command {
	var taskTypes []string

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare exchanges and queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			if err := setupFn()(cmd.Context(), taskTypes...); err != nil {
				return fmt.Errorf("setup topology: %w", err)
			}

			type queueInfo struct {
				TaskType   string `json:"task_type"`
				Queue      string `json:"queue"`
				RoutingKey string `json:"routing_key"`
			}

			infos := make([]queueInfo, len(taskTypes))
			rows := make([][]string, len(taskTypes))
			for i, t := range taskTypes {
				infos[i] = queueInfo{
					TaskType:   t,
					Queue:      string(mq.TaskQueue(t)),
					RoutingKey: string(mq.TaskRoutingKey(t)),
				}
				rows[i] = []string{infos[i].TaskType, infos[i].Queue, infos[i].RoutingKey}
			}

			out.Success("Topology declared")
			out.Print([]string{"TYPE", "QUEUE", "ROUTING KEY"}, rows, infos)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&taskTypes, "type", []string{defaultType}, "Task types to declare queues for")

	return cmd
}
