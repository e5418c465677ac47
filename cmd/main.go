package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "tts-streamer",
	Short:        "Paced TTS audio streaming to constrained websocket devices",
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newSimulateCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
