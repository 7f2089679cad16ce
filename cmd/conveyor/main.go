package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msageha/conveyor/internal/daemon"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/setup"
	"github.com/msageha/conveyor/internal/status"
	"github.com/msageha/conveyor/internal/uds"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "daemon":
		runDaemon(args)
	case "setup":
		runSetup(args)
	case "status":
		runStatus(args)
	case "trigger":
		runTrigger(args)
	case "schedule-stage":
		runStage(uds.CmdScheduleStage, args)
	case "rerun-stage":
		runStage(uds.CmdRerunStage, args)
	case "rerun-jobs":
		runStage(uds.CmdRerunJobs, args)
	case "material-update":
		runMaterialUpdate(args)
	case "cancel":
		runCancel(args)
	case "pause":
		runPause(uds.CmdPause, args)
	case "unpause":
		runPause(uds.CmdUnpause, args)
	case "maintenance":
		runMaintenance(args)
	case "metrics":
		runMetrics(args)
	case "shutdown":
		call(uds.CmdShutdown, nil, nil)
	case "version":
		fmt.Printf("conveyor %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parse(fs *flag.FlagSet, args []string) []string {
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	return fs.Args()
}

func runDaemon(args []string) {
	parse(flag.NewFlagSet("daemon", flag.ExitOnError), args)
	stateDir := mustStateDir()

	cfg, err := daemon.LoadConfig(stateDir)
	if err != nil {
		fail("load config: %v", err)
	}
	d, err := daemon.New(stateDir, cfg)
	if err != nil {
		fail("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fail("daemon: %v", err)
	}
}

func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	name := fs.String("name", "", "server name (defaults to the project directory name)")
	rest := parse(fs, args)
	if len(rest) != 1 {
		fail("usage: conveyor setup [--name <server>] <project_dir>")
	}
	base, err := setup.Run(rest[0], *name)
	if err != nil {
		fail("setup: %v", err)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "print JSON")
	parse(fs, args)
	if err := status.Run(mustStateDir(), *jsonOutput, os.Stdout); err != nil {
		fail("status: %v", err)
	}
}

// varFlags collects repeated KEY=VALUE flags.
type varFlags map[string]string

func (v varFlags) String() string { return fmt.Sprint(map[string]string(v)) }

func (v varFlags) Set(s string) error {
	k, val, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("want KEY=VALUE, got %q", s)
	}
	v[k] = val
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

func runTrigger(args []string) {
	fs := flag.NewFlagSet("trigger", flag.ExitOnError)
	user := fs.String("user", currentUser(), "user requesting the run")
	vars := varFlags{}
	fs.Var(vars, "var", "override an environment variable, KEY=VALUE (repeatable)")
	rest := parse(fs, args)
	if len(rest) != 1 {
		fail("usage: conveyor trigger [--user u] [--var K=V] <pipeline>")
	}
	var res uds.TriggerResult
	call(uds.CmdTrigger, uds.TriggerParams{Pipeline: rest[0], User: *user, Variables: vars}, &res)
	fmt.Printf("%d %s\n", res.Code, res.Message)
}

func runStage(command string, args []string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	user := fs.String("user", currentUser(), "user requesting the run")
	counter := fs.Int("counter", 0, "pipeline run counter (defaults to the latest run)")
	rest := parse(fs, args)
	minArgs, usage := 2, "<pipeline> <stage>"
	if command == uds.CmdRerunJobs {
		minArgs, usage = 3, "<pipeline> <stage> <job>..."
	}
	if len(rest) < minArgs {
		fail("usage: conveyor %s [--counter N] [--user u] %s", strings.ReplaceAll(command, "_", "-"), usage)
	}
	params := uds.StageParams{Pipeline: rest[0], Stage: rest[1], Counter: *counter, User: *user}
	if command == uds.CmdRerunJobs {
		params.Jobs = rest[2:]
	}
	var res uds.TriggerResult
	call(command, params, &res)
	fmt.Printf("%d %s\n", res.Code, res.Message)
}

func runMaterialUpdate(args []string) {
	fs := flag.NewFlagSet("material-update", flag.ExitOnError)
	material := fs.String("material", "", "material name (defaults to the pipeline's first material)")
	author := fs.String("author", currentUser(), "commit author")
	comment := fs.String("comment", "", "commit message")
	rest := parse(fs, args)
	if len(rest) != 2 {
		fail("usage: conveyor material-update [--material m] [--author a] [--comment c] <pipeline> <revision>")
	}
	var results map[string]uds.TriggerResult
	call(uds.CmdMaterialUpdate, uds.MaterialUpdateParams{
		Pipeline:      rest[0],
		Material:      *material,
		Modifications: []model.Modification{{Revision: rest[1], Author: *author, Comment: *comment}},
	}, &results)
	if len(results) == 0 {
		fmt.Println("revision already known")
	}
	for name, r := range results {
		fmt.Printf("%s: %d %s\n", name, r.Code, r.Message)
	}
}

func runCancel(args []string) {
	rest := parse(flag.NewFlagSet("cancel", flag.ExitOnError), args)
	if len(rest) != 1 {
		fail("usage: conveyor cancel <build_id>")
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		fail("invalid build id %q", rest[0])
	}
	var res uds.CancelJobResult
	call(uds.CmdCancelJob, uds.CancelJobParams{BuildID: id}, &res)
	if !res.Changed {
		fmt.Printf("job %d already finished (%s)\n", id, res.State)
		return
	}
	fmt.Printf("job %d cancelled\n", id)
}

func runPause(command string, args []string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	user := fs.String("user", currentUser(), "user pausing the pipeline")
	cause := fs.String("cause", "", "reason shown to users")
	rest := parse(fs, args)
	if len(rest) != 1 {
		fail("usage: conveyor %s [--user u] [--cause c] <pipeline>", command)
	}
	call(command, uds.PauseParams{Pipeline: rest[0], User: *user, Cause: *cause}, nil)
	fmt.Printf("%s: %s done\n", rest[0], command)
}

func runMaintenance(args []string) {
	rest := parse(flag.NewFlagSet("maintenance", flag.ExitOnError), args)
	if len(rest) != 1 || (rest[0] != "on" && rest[0] != "off") {
		fail("usage: conveyor maintenance on|off")
	}
	call(uds.CmdMaintenance, uds.MaintenanceParams{Enabled: rest[0] == "on"}, nil)
	fmt.Printf("maintenance mode %s\n", rest[0])
}

func runMetrics(args []string) {
	parse(flag.NewFlagSet("metrics", flag.ExitOnError), args)
	var text string
	call(uds.CmdMetrics, nil, &text)
	fmt.Print(text)
}

// call sends one command to the daemon and exits on failure.
func call(command string, params, out any) {
	client := uds.NewClient(filepath.Join(mustStateDir(), uds.DefaultSocketName))
	err := client.Call(command, params, out)
	if err == nil {
		return
	}
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		msg := fmt.Sprintf("%s failed [%s]: %s", command, detail.Code, detail.Message)
		if detail.Status != 0 {
			msg = fmt.Sprintf("%s failed [%d]: %s", command, detail.Status, detail.Message)
		}
		if detail.Description != "" {
			msg += "\n  " + detail.Description
		}
		fail("%s", msg)
	}
	fail("%s: %v", command, err)
}

func mustStateDir() string {
	dir := findStateDir()
	if dir == "" {
		fail("error: %s/ directory not found. Run 'conveyor setup <dir>' first.", setup.StateDirName)
	}
	return dir
}

// findStateDir honours CONVEYOR_DIR, then searches the current directory and
// its ancestors.
func findStateDir() string {
	if dir := os.Getenv("CONVEYOR_DIR"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conveyor %s - pipeline scheduler

Usage: conveyor <command> [options]

Server:
  setup <dir>                     Initialize .conveyor/ directory
  daemon                          Run the scheduler daemon
  status [--json]                 Show pipelines, pool and health
  metrics                         Print Prometheus metrics
  maintenance on|off              Toggle maintenance mode
  shutdown                        Stop the daemon

Scheduling:
  trigger <pipeline>              Request a new run
  schedule-stage <p> <stage>      Run a manual stage
  rerun-stage <p> <stage>         Rerun a stage of an existing run
  rerun-jobs <p> <stage> <job>... Rerun selected jobs
  material-update <p> <revision>  Report a new revision
  cancel <build_id>               Cancel a job
  pause <pipeline>                Stop new runs
  unpause <pipeline>              Allow new runs

  version                         Show version
  help                            Show this help

`, version)
}
