package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/turnstile/internal/runner"
)

var (
	runConfigPath string
	runParams     []string
	runMethod     string
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute one script or template and print its output",
	Long: `Run executes a script or template once, outside the HTTP server, and writes
the captured output (or the diagnostic report) to stdout. Request parameters
are given with --param name=value.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to configuration file (default turnstile.yaml)")
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Request parameter as name=value (repeatable)")
	runCmd.Flags().StringVar(&runMethod, "method", "GET", "Request method reported to the script")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	file, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := os.Stat(file); err != nil {
		return err
	}

	params, err := parseParams(runParams)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := &cliRequest{
		path:   file,
		method: strings.ToUpper(runMethod),
		params: params,
		out:    cmd.OutOrStdout(),
	}

	var out runner.Outcome
	if slices.Contains(cfg.Server.TemplateExts(), strings.ToLower(filepath.Ext(file))) {
		out = sc.Executor.RunTemplate(ctx, req)
	} else {
		out = sc.Executor.RunScript(ctx, req)
	}

	switch out.Status {
	case runner.StatusRedirected:
		fmt.Fprintf(cmd.ErrOrStderr(), "redirect: %s\n", out.RedirectURL)
	case runner.StatusFailed:
		return errExecutionFailed
	}
	return nil
}

// parseParams turns name=value pairs into a map. Later pairs win.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: want name=value", pair)
		}
		params[name] = value
	}
	return params, nil
}

// cliRequest is a request read from the command line. Output goes to stdout.
type cliRequest struct {
	path   string
	method string
	params map[string]string
	output io.Writer
	out    io.Writer
}

func (r *cliRequest) Path() string             { return r.path }
func (r *cliRequest) Method() string           { return r.method }
func (r *cliRequest) Param(name string) string { return r.params[name] }
func (r *cliRequest) Header(string) string     { return "" }
func (r *cliRequest) Output() io.Writer        { return r.output }
func (r *cliRequest) SetOutput(w io.Writer)    { r.output = w }

func (r *cliRequest) Write(text string) error {
	_, err := io.WriteString(r.out, text)
	return err
}
