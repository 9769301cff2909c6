package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Chichichkin/telemetry-agent/internal/config"
	"github.com/Chichichkin/telemetry-agent/internal/logger"
	"github.com/Chichichkin/telemetry-agent/internal/persistence/sqlite"
)

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the durable log queue",
	}
	queueCmd.PersistentFlags().String("group", "", "restrict to one group")

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print queued logs per group",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withQueue(cmd, func(store *sqlite.Store) error {
				return printCounts(cmd, store, group)
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete queued logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			all, _ := cmd.Flags().GetBool("all")
			if group == "" && !all {
				return errors.New("either --group or --all is required")
			}
			return withQueue(cmd, func(store *sqlite.Store) error {
				if all {
					if err := store.ClearAll(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "cleared all groups")
					return nil
				}
				if err := store.Clear(cmd.Context(), group); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared group %s\n", group)
				return nil
			})
		},
	}
	clearCmd.Flags().Bool("all", false, "clear every group")

	queueCmd.AddCommand(countCmd, clearCmd)
	return queueCmd
}

// withQueue opens the sqlite queue named by the config for the duration of fn.
// The agent must not be running against the same file.
func withQueue(cmd *cobra.Command, fn func(store *sqlite.Store) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		return errors.New("storage.path is not set: the memory queue cannot be inspected")
	}

	store, err := sqlite.Open(sqlite.Config{Path: cfg.Storage.Path, Logger: logger.NewNop()})
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	defer store.Close()

	return fn(store)
}

func printCounts(cmd *cobra.Command, store *sqlite.Store, group string) error {
	groups := []string{group}
	if group == "" {
		var err error
		if groups, err = store.Groups(cmd.Context()); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tQUEUED")
	for _, g := range groups {
		n, err := store.Count(cmd.Context(), g)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\n", g, n)
	}
	return tw.Flush()
}
