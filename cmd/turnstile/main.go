// Turnstile serves a document root of server-side scripts and templates.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "turnstile",
	Short: "Turnstile executes server-side JavaScript pages and templates per request.",
	Long: `Turnstile serves a document root over HTTP. Files with a script extension run
in an isolated JavaScript context, templates are compiled to script first, and
everything else is served as-is. Failures render a diagnostic report in place
of the page output.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, compileCmd, versionCmd)
	_ = godotenv.Load()
}

// errExecutionFailed exits non-zero after the diagnostic was already printed.
var errExecutionFailed = errors.New("execution failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		}
		os.Exit(1)
	}
}
