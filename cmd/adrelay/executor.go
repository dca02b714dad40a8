package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"adrelay/internal/dispatch"
)

func executorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Query the remote execution API used by the direct strategy",
	}

	client := func() (*dispatch.ExecutorClient, error) {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		d := cfg.Dispatch.Direct
		if d.BaseURL == "" {
			return nil, fmt.Errorf("dispatch.direct.baseUrl is not set")
		}
		return dispatch.NewExecutorClient(dispatch.ExecutorConfig{
			BaseURL: d.BaseURL,
			APIKey:  d.APIKey,
			Timeout: time.Duration(d.TimeoutSeconds) * time.Second,
			Logger:  logger,
		}), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check the execution API health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			if err := c.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("healthy")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "available",
		Short: "List the commands the execution API advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			names, err := c.AvailableCommands(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status [command-id]",
		Short: "Show the state of a submitted command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			st, err := c.CommandStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st.Details)
		},
	})

	return cmd
}
