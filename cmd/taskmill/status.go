package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oweller/taskmill/internal/model"
)

func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth per lifecycle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer rt.close()

			for _, status := range model.AllStatuses() {
				tasks, err := rt.tasks.ListByStatus(ctx, status)
				if err != nil {
					return err
				}
				fmt.Printf("%-20s %d\n", status, len(tasks))
				for _, t := range tasks {
					fmt.Printf("  %s  %s\n", t.ID, t.Title)
				}
			}
			return nil
		},
	}
}
