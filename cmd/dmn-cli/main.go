// DMN CLI — инструмент командной строки для эксплуатации dmn-worker.
//
// Использование:
//
//	dmn-cli [--amqp-url URL] [--engine-url URL] [--json] <command> [flags]
//
// Команды:
//
//	topology  Объявить exchanges и очереди
//	task      Публикация tasks
//	evaluate  Вычислить decision без очереди
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/dmn-worker/internal/cli"
	"github.com/shaiso/dmn-worker/internal/config"
	"github.com/shaiso/dmn-worker/internal/decision"
	"github.com/shaiso/dmn-worker/internal/mq"
	"github.com/shaiso/dmn-worker/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	// Логи CLI — только в stderr, stdout занят данными
	logger := telemetry.NewLogger(os.Stderr, "text")

	var amqpURL, engineURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "dmn-cli",
		Short:         "DMN CLI — decision task tooling",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&amqpURL, "amqp-url", cfg.RabbitMQURL, "RabbitMQ URL")
	rootCmd.PersistentFlags().StringVar(&engineURL, "engine-url", cfg.EngineURL, "Decision engine URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	// Соединение создаётся только командами, которым нужен RabbitMQ
	var conn *mq.Connection
	connFn := func() *mq.Connection {
		if conn == nil {
			conn = mq.NewConnection(amqpURL, logger)
		}
		return conn
	}

	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }
	publisherFn := func() cli.TaskPublisher { return mq.NewPublisher(connFn(), logger) }
	topologyFn := func() cli.TopologyFunc {
		return func(ctx context.Context, taskTypes ...string) error {
			return mq.SetupTopology(ctx, connFn(), taskTypes...)
		}
	}
	evaluatorFn := func() decision.Evaluator { return decision.NewHTTPGateway(engineURL, cfg.EvalTimeout) }

	rootCmd.AddCommand(
		cli.NewTopologyCmd(topologyFn, outputFn, cfg.TaskType),
		cli.NewTaskCmd(publisherFn, outputFn, cli.TaskDefaults{
			Type:           cfg.TaskType,
			Retries:        cfg.DefaultRetries,
			DecisionHeader: cfg.DecisionHeader,
		}),
		cli.NewEvaluateCmd(evaluatorFn, outputFn),
	)

	err = rootCmd.ExecuteContext(context.Background())
	if conn != nil {
		conn.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
