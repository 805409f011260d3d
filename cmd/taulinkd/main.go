// taulinkd bridges a host application to sandnode servers. The host talks
// line-delimited JSON on stdin/stdout; logs go to stderr.
package main

import (
	"fmt"
	"os"

	"github.com/danmuck/taulink/internal/logging"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taulinkd",
		Short:         "sandnode client agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	cmd.AddCommand(newServeCommand(), newLinkCommand(), newConfigCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taulinkd: %v\n", err)
		os.Exit(1)
	}
}
