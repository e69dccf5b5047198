// Command voicerelay runs the realtime voice relay and its companion tools.
//
// Usage:
//
//	voicerelay [serve]            run the relay server (default)
//	voicerelay tools              list the tools offered to the upstream model
//	voicerelay probe --in a.wav   stream a WAV file through a running relay
//
// Configuration comes from the environment; a .env file in the working
// directory is loaded first and never overrides variables already set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/config"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "voicerelay",
	Short:         "Realtime voice relay between clients, a speech model and a tool gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFiles...)
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before reading the environment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
