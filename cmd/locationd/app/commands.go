// Package app holds the locationd commands.
package app

import (
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "locationd",
	DisableAutoGenTag: true,
	Short:             "Background location tracking daemon",
	Long: `locationd ingests location fixes from devices, filters them for
significant movement and fans them out to the UI stream, the upload
endpoint, notifications, history storage and NATS.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			log.Error().Err(err).Msg("error displaying help")
		}
	},
}

func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashTokenCmd)
	return rootCmd
}
