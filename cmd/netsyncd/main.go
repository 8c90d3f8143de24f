// netsyncd runs one participant of a replication session over TCP or websocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xiaonanln/netsync/engine/config"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "netsyncd",
		Short:         "netsyncd runs a participant of a replication session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "netsync.ini", "participant config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log", "", "log level, overrides the config")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the parsed participant config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.DumpPretty(cfg))
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
		os.Exit(2)
	}
}
