// syncsim plays replication scenarios written in YAML, every participant running in this process.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/xiaonanln/netsync/engine/nslog"
)

type rootOptions struct {
	logLevel string
	quiet    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "syncsim",
		Short:         "syncsim plays replication scenarios over a loopback hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			nslog.SetLevel(nslog.ParseLevel(opts.logLevel))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log", "warn", "log level of the sessions")
	cmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print failures")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario.yaml>...",
		Short: "Play scenarios, failing at the first unmet expectation",
		Long: `Play scenarios, failing at the first unmet expectation.

Example:
  syncsim run cmd/syncsim/scenarios/*.yaml
  syncsim run --log debug scenario.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out io.Writer = cmd.OutOrStdout()
			if opts.quiet {
				out = nil
			}
			for _, path := range args {
				if err := runFile(path, out); err != nil {
					return fmt.Errorf("%s: %v", path, err)
				}
			}
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Parse scenarios without playing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				sc, err := LoadScenario(path)
				if err != nil {
					return fmt.Errorf("%s: %v", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d steps\n", path, sc.Name, len(sc.Steps))
			}
			return nil
		},
	}
}

func runFile(path string, out io.Writer) error {
	sc, err := LoadScenario(path)
	if err != nil {
		return err
	}
	r, err := NewRunner(sc, out)
	if err != nil {
		return err
	}
	return r.Run()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
		os.Exit(2)
	}
}
