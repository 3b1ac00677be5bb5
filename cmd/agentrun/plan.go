package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var contextText string
	var noExecute bool

	cmd := &cobra.Command{
		Use:   "plan <description>",
		Short: "Plan a task and execute it once, printing the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := strings.Join(args, " ")

			rt, cleanup, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			main, err := rt.planner.Plan(cmd.Context(), description, contextText)
			if err != nil {
				if main != nil {
					printTask(main)
				}
				return err
			}

			if !noExecute {
				if err := rt.exec.Execute(cmd.Context(), main.ID); err != nil {
					fmt.Fprintln(os.Stderr, "execution failed:", err)
				}
			}

			printTask(rt.manager.GetTask(main.ID))
			for _, sub := range rt.manager.GetSubtasks(main.ID) {
				printTask(sub)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contextText, "context", "", "additional context for the planner")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "stop after planning")
	return cmd
}

func printTask(t any) {
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode task:", err)
		return
	}
	fmt.Println(string(out))
}
