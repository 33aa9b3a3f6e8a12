package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oweller/taskmill/internal/model"
)

func enqueueCmd(cfgPath *string) *cobra.Command {
	var (
		id       string
		priority string
		meta     []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <title>",
		Short: "Add a task to the run queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer rt.close()

			if id == "" {
				id = model.NewTaskID()
			}
			metadata := map[string]string{}
			for _, kv := range meta {
				k, v, ok := splitKV(kv)
				if !ok {
					return fmt.Errorf("invalid metadata %q, want key=value", kv)
				}
				metadata[k] = v
			}

			task := model.TaskItem{
				ID:       id,
				Title:    args[0],
				Priority: model.ParsePriority(priority),
				Metadata: metadata,
			}
			if err := rt.tasks.Add(ctx, task, model.StatusQueuedToRun); err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Task ID (generated when empty)")
	cmd.Flags().StringVar(&priority, "priority", "", "Task priority (low, medium, high, critical)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Metadata entries as key=value")

	return cmd
}

func splitKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}
