// Command contentctl drives the content engine from a terminal: generate
// drafts from blueprints, review and schedule them, run a publishing pass
// and inspect the usage ledger. `contentctl mcp` exposes the review
// operations as MCP tools over stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"contentengine/internal/bootstrap"
	"contentengine/internal/config"
	"contentengine/internal/util"
	"contentengine/internal/workerclient"
	"contentengine/pkg/blueprint"
	"contentengine/pkg/generation"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/store"
	"contentengine/pkg/usage"
)

const (
	exitOK         = 0
	exitError      = 1
	exitUsage      = 2
	exitBudget     = 3
	exitValidation = 4
	exitTransition = 5
	exitNotFound   = 6
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"draft":      {"create a draft from text, a file or stdin", cmdDraft},
	"generate":   {"generate a validated draft for a pillar", cmdGenerate},
	"workflow":   {"run a workflow blueprint", cmdWorkflow},
	"plan":       {"plan the next posts against the pillar mix", cmdPlan},
	"list":       {"list content items", cmdList},
	"show":       {"show one item and its validation report", cmdShow},
	"validate":   {"validate text or an item against a framework", cmdValidate},
	"approve":    {"publish a draft now (-dry-run previews)", cmdApprove},
	"schedule":   {"schedule a draft for the worker", cmdSchedule},
	"reject":     {"reject a draft", cmdReject},
	"retry":      {"reschedule a failed item", cmdRetry},
	"history":    {"show an item's status history", cmdHistory},
	"worker":     {"run a single publishing pass", cmdWorker},
	"usage":      {"show the usage ledger", cmdUsage},
	"blueprints": {"list loaded blueprints", cmdBlueprints},
	"enqueue":    {"queue generation for the worker", cmdEnqueue},
	"job":        {"show a queued generation job", cmdJob},
	"mcp":        {"serve review tools over MCP stdio", cmdMCP},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries per-invocation state. Dependencies are built on first use so
// commands that only read blueprints never open the database.
type app struct {
	cfg    config.FileConfig
	actor  string
	asJSON bool
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	deps   *bootstrap.Deps
	bps    *blueprint.Store
	remote *workerclient.Client
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("contentctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config.yaml (default $CONTENTENGINE_CONFIG or ./config.yaml)")
	asJSON := fs.Bool("json", false, "print JSON instead of tables")
	actor := fs.String("actor", "", "actor recorded in the audit trail (default client.actor or \"cli\")")
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		printUsage(stderr, fs)
		return exitUsage
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		printUsage(stderr, fs)
		return exitUsage
	}

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitError
	}
	a := &app{
		cfg:    cfg,
		asJSON: *asJSON,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: util.InitLogger(cfg.LogLevel, cfg.LogFormat, stderr),
	}
	a.actor = firstNonEmpty(*actor, cfg.Client.Actor, "cli")
	defer a.close()
	return a.exec(ctx, cmd, fs.Args()[1:])
}

func (a *app) exec(ctx context.Context, cmd command, args []string) int {
	err := cmd.run(ctx, a, args)
	if err == nil {
		return exitOK
	}
	if !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps error classes to process exit codes.
func exitCode(err error) int {
	var ue *usageError
	var apiErr *workerclient.APIError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.As(err, &ue), errors.Is(err, lifecycle.ErrScheduleInPast), errors.Is(err, generation.ErrBadRequest):
		return exitUsage
	case errors.As(err, &apiErr) && apiErr.Status == 400:
		return exitUsage
	case errors.Is(err, usage.ErrBudgetExceeded):
		return exitBudget
	case errors.Is(err, generation.ErrValidationFailed):
		return exitValidation
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return exitTransition
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blueprint.ErrNotFound), errors.Is(err, errJobNotFound):
		return exitNotFound
	case errors.As(err, &apiErr) && apiErr.Status == 404:
		return exitNotFound
	}
	return exitError
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// parseArgs parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, err
			}
			return nil, usagef("%s: %v", fs.Name(), err)
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func newFlagSet(a *app, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// oneID parses fs and requires exactly one positional item id.
func oneID(fs *flag.FlagSet, args []string) (string, error) {
	pos, err := parseArgs(fs, args)
	if err != nil {
		return "", err
	}
	if len(pos) != 1 || strings.TrimSpace(pos[0]) == "" {
		return "", usagef("usage: contentctl %s ID", fs.Name())
	}
	return strings.TrimSpace(pos[0]), nil
}

func (a *app) build(ctx context.Context) (*bootstrap.Deps, error) {
	if a.deps != nil {
		return a.deps, nil
	}
	deps, err := bootstrap.Build(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.deps = deps
	a.bps = deps.Blueprints
	return deps, nil
}

func (a *app) blueprints() (*blueprint.Store, error) {
	if a.bps != nil {
		return a.bps, nil
	}
	bps, err := bootstrap.OpenBlueprints(a.cfg)
	if err != nil {
		return nil, err
	}
	a.bps = bps
	return bps, nil
}

func (a *app) close() {
	if a.deps != nil {
		if err := a.deps.Close(); err != nil {
			a.logger.Warn("close dependencies", "err", err)
		}
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: contentctl [-config path] [-json] [-actor name] <command> [flags] [args]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w, "\nglobal flags:")
	fs.PrintDefaults()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
