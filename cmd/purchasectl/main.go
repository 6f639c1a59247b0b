// Command purchasectl выполняет операторские действия над покупками: sweep истёкших
// резервов, отмена, административные переходы и загрузка справочных данных.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/purchases/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "purchasectl",
		Short:         "Operator tooling for the purchase service",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (PURCHASES_* env overrides it)")

	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(cancelCmd(&configPath))
	rootCmd.AddCommand(transitionCmd(&configPath))
	rootCmd.AddCommand(showCmd(&configPath))
	rootCmd.AddCommand(seedCmd(&configPath))

	return rootCmd
}
