package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/cron"
)

// newCronCmd manages the scheduled-run store. The serve command picks
// changes up on its next restart; the store file is the contract.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled plan runs",
	}

	var schedule, name, contextText string
	add := &cobra.Command{
		Use:   "add <description>",
		Short: "Add a scheduled run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCronStore()
			if err != nil {
				return err
			}
			job, err := svc.Add(name, schedule, args[0], contextText)
			if err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		},
	}
	add.Flags().StringVar(&schedule, "schedule", "", "cron expression (required)")
	add.Flags().StringVar(&name, "name", "", "job name")
	add.Flags().StringVar(&contextText, "context", "", "planner context")
	add.MarkFlagRequired("schedule")

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCronStore()
			if err != nil {
				return err
			}
			for _, job := range svc.List() {
				state := "enabled"
				if !job.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-10s  %s  %q\n", job.ID, state, job.Schedule, job.Description)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCronStore()
			if err != nil {
				return err
			}
			return svc.Remove(args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

// openCronStore loads the job store without starting the scheduler.
func openCronStore() (*cron.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	svc := cron.NewService(cfg.CronStore, func(context.Context, string, string) {})
	if err := svc.Load(); err != nil {
		return nil, err
	}
	return svc, nil
}
