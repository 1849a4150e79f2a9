package webgaze

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webgaze/webgaze/api/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.Get())
		},
	}
	return versionCmd
}
