package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func onceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single processing pass and print the session summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := buildRuntime(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer rt.close()

			session, err := rt.proc.Process(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(session)
		},
	}
}
