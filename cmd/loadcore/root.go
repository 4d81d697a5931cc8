package main

import (
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "loadcore",
	Short: "Parse ELF, PE, and Mach-O binaries into a normalized loader model",
}

// Execute runs the loadcore command tree. It is called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihandler.Default)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug tracing")
	rootCmd.PersistentFlags().BoolVar(&color.NoColor, "no-color", false, "disable colorized output")

	cobra.OnInitialize(func() {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	})
}
