package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/baaaht/dispatch/pkg/ids"
	"github.com/spf13/cobra"
)

func newIDsCmd() *cobra.Command {
	idsCmd := &cobra.Command{
		Use:   "ids",
		Short: "Generate and inspect structured identifiers",
	}

	idsCmd.AddCommand(
		newIDsGenerateCmd(),
		newIDsRunCmd(),
		newIDsExtractCmd(),
		newIDsResolveCmd(),
		newIDsParseCmd(),
	)
	return idsCmd
}

func idManager() *ids.Manager {
	return ids.NewManager(rootCfg.Identifiers, rootLog)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newIDsGenerateCmd() *cobra.Command {
	var (
		idType string
		scope  string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate structured identifiers",
		Example: `  dispatch ids generate --type session --scope user-42
  dispatch ids generate --type thread --count 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			m := idManager()
			for i := 0; i < count; i++ {
				id, err := m.GenerateString(ids.Type(idType), scope)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&idType, "type", string(ids.TypeSession),
		"Identifier type: user, session, execution, websocket, thread")
	cmd.Flags().StringVar(&scope, "scope", "", "Optional scope segment")
	cmd.Flags().IntVar(&count, "count", 1, "Number of identifiers to generate")
	return cmd
}

func newIDsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [thread-id]",
		Short: "Start a turn: print a thread/run pair, creating the thread when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread := ""
			if len(args) == 1 {
				thread = args[0]
			}
			pair, err := idManager().NewTurn(thread)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), pair)
		},
	}
}

func newIDsExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <run-id>",
		Short: "Print the thread embedded in a run identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, ok := ids.ExtractThreadID(args[0])
			if !ok {
				return fmt.Errorf("%q is not a run identifier", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), thread)
			return nil
		},
	}
}

func newIDsResolveCmd() *cobra.Command {
	var runID, threadID, legacy string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a thread from a run id, thread id and legacy thread id, in that order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, ok := idManager().ResolveThreadID(runID, threadID, legacy)
			if !ok {
				return fmt.Errorf("no thread id could be resolved")
			}
			fmt.Fprintln(cmd.OutOrStdout(), thread)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run identifier")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread identifier")
	cmd.Flags().StringVar(&legacy, "legacy", "", "Legacy thread identifier")
	return cmd
}

func newIDsParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <id>",
		Short: "Decode a structured identifier into its parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if thread, ok := ids.ExtractThreadID(args[0]); ok {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"type":      string(ids.TypeRun),
					"thread_id": thread,
				})
			}

			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"type":     id.Type,
				"scope":    id.Scope,
				"sequence": id.Sequence,
				"random":   id.Random,
			})
		},
	}
}
