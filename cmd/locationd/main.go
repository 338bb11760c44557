// Command locationd runs the location tracking pipeline as a daemon.
package main

import (
	"os"

	"github.com/phuslu/log"
	"nuha.dev/loctrack/cmd/locationd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("locationd failed")
		os.Exit(1)
	}
}
