package main

import (
	"errors"
	"os"

	"github.com/jfoltran/pgcopystream/internal/exit"
)

const version = "0.4.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := exit.CodeOf(err)
		var exitErr *exit.Error
		if !errors.As(err, &exitErr) {
			// cobra-level errors: unknown flags, bad arguments
			code = exit.BadArgs
		}
		logger.Error().Err(err).Int("exit_code", code).Msg("command failed")
		os.Exit(code)
	}
}
