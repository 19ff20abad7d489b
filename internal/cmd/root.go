// Package cmd implements MagicFS's command-line surface: mount and
// version, the only two subcommands spec.md's Non-goals permit
// ("CLI front-end beyond mount/version").
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "magicfs",
	Short: "Mount a semantic view over a set of watched directories",
	Long: `MagicFS exposes a semantic virtual filesystem over one or more watched
directories: an /inbox landing zone, a /tags taxonomy, /search query
views backed by a vector search, and a /mirror pass-through.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}
