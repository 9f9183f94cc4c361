package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "upscaled",
		Short:         "Image upscaling model server and batch tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")
	root.AddCommand(newServeCmd(), newBatchCmd(), newVideoCmd(), newModelsCmd())
	return root
}

// newLogger builds the process logger from the persistent flag.
func newLogger(cmd *cobra.Command) zerolog.Logger {
	lvlStr, _ := cmd.Flags().GetString("log-level")
	lvl, err := zerolog.ParseLevel(lvlStr)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger().
		Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
