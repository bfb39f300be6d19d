package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd(newOptions()).Execute(); err != nil {
		log.Error().Err(err).Msg("tenantflow exited with error")
		os.Exit(1)
	}
}
