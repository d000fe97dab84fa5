package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaiso/dmn-worker/internal/codec"
	"github.com/shaiso/dmn-worker/internal/decision"
)

// NewEvaluateCmd создаёт команду вычисления decision без очереди.
// Выводит тот же документ, который воркер отправил бы в Complete.
func NewEvaluateCmd(evaluatorFn func() decision.Evaluator, outputFn func() *Output) *cobra.Command {
	var (
		decisionRef string
		payload     string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a decision directly against the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			input, err := codec.Decode([]byte(payload))
			if err != nil {
				return fmt.Errorf("--payload: %w", err)
			}

			result, err := evaluatorFn().Evaluate(cmd.Context(), decisionRef, input)
			if err != nil {
				return err
			}

			doc, err := codec.EncodeResult(result.Output())
			if err != nil {
				return err
			}

			if !result.Matched {
				out.Success("No rule matched")
			}
			out.Raw(doc)
			return nil
		},
	}

	cmd.Flags().StringVar(&decisionRef, "decision", "", "Decision ID (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Input variables as JSON object")
	cmd.MarkFlagRequired("decision")

	return cmd
}
