package cmd

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "collab-getaway",
	Short: "Real-time collaborative trip planning",
	Long: `collab-getaway keeps a shared trip plan in sync between everyone in a room.

Run "serve" for the relay and "join <room>" to plan from a terminal.`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// glog reads its flags from the standard flag set, which cobra has
		// already filled in; mark it parsed.
		flag.CommandLine.Parse(nil)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		glog.Flush()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(newServeCmd(), newJoinCmd())
}
