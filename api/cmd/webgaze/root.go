package webgaze

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webgaze",
		Short: "WebGaze",
		Long:  `Remote browser streaming server`,
	}

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

func Execute() {
	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	rootCmd.SetOutput(os.Stdout)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
