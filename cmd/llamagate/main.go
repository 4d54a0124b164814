package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func buildRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "llamagate",
		Short:         "HTTP gateway to one local llama.cpp model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "Config file (.yaml, .yml, .json, .toml)")
	root.PersistentFlags().StringSliceVar(&o.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before LLAMAGATE_* overrides")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Override log level: debug|info|warn|error")

	root.AddCommand(
		newServeCmd(o),
		newCheckCmd(o),
		newGenerateCmd(o),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "llamagate", version)
			},
		},
	)
	return root
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "llamagate:", err)
		os.Exit(1)
	}
}
