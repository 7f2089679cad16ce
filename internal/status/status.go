// Package status renders what the scheduler daemon reports about pipelines,
// locks, the dispatch pool and server health.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/msageha/conveyor/internal/health"
	"github.com/msageha/conveyor/internal/uds"
)

type Snapshot struct {
	Daemon    DaemonStatus     `json:"daemon"`
	Pipelines []PipelineStatus `json:"pipelines,omitempty"`
	Queued    []string         `json:"queued,omitempty"`
	Pool      []PooledJob      `json:"pool,omitempty"`
	Health    []health.State   `json:"health,omitempty"`
}

type DaemonStatus struct {
	Running        bool   `json:"running"`
	Pid            int    `json:"pid,omitempty"`
	ConfigChecksum string `json:"config_checksum,omitempty"`
	Maintenance    bool   `json:"maintenance,omitempty"`
	TrackedJobs    int    `json:"tracked_jobs"`
}

type PipelineStatus struct {
	Name        string `json:"name"`
	LatestRun   int    `json:"latest_run,omitempty"`
	Label       string `json:"label,omitempty"`
	Stage       string `json:"stage,omitempty"`
	StageState  string `json:"stage_state,omitempty"`
	Paused      bool   `json:"paused,omitempty"`
	PausedBy    string `json:"paused_by,omitempty"`
	LockedBy    string `json:"locked_by,omitempty"`
	NextTimerAt string `json:"next_timer_at,omitempty"`
}

type PooledJob struct {
	BuildID int64  `json:"build_id"`
	Job     string `json:"job"`
	Elastic bool   `json:"elastic,omitempty"`
}

// Fetch asks the daemon in stateDir for its status. A daemon that does not
// answer is reported as stopped.
func Fetch(stateDir string) Snapshot {
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	var s Snapshot
	if err := client.Call(uds.CmdStatus, nil, &s); err != nil {
		return Snapshot{}
	}
	s.Daemon.Running = true
	return s
}

// Run fetches the status and prints it to w.
func Run(stateDir string, jsonOutput bool, w io.Writer) error {
	s := Fetch(stateDir)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	Print(w, s)
	return nil
}

func Print(w io.Writer, s Snapshot) {
	if !s.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running pid=%d config=%s tracked_jobs=%d\n", s.Daemon.Pid, short(s.Daemon.ConfigChecksum), s.Daemon.TrackedJobs)
	if s.Daemon.Maintenance {
		fmt.Fprintln(w, "Maintenance mode: on")
	}

	if len(s.Pipelines) > 0 {
		fmt.Fprintln(w, "\nPipelines:")
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  NAME\tRUN\tSTAGE\tSTATE\tFLAGS")
		for _, p := range s.Pipelines {
			run := "-"
			if p.LatestRun > 0 {
				run = fmt.Sprint(p.LatestRun)
				if p.Label != "" {
					run += " (" + p.Label + ")"
				}
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", p.Name, run, dash(p.Stage), dash(p.StageState), flags(p))
		}
		_ = tw.Flush()
	} else {
		fmt.Fprintln(w, "\nPipelines: none")
	}

	if len(s.Queued) > 0 {
		fmt.Fprintf(w, "\nQueued: %s\n", strings.Join(s.Queued, ", "))
	}

	if len(s.Pool) > 0 {
		fmt.Fprintf(w, "\nWaiting for agents (%d):\n", len(s.Pool))
		for _, j := range s.Pool {
			kind := "static"
			if j.Elastic {
				kind = "elastic"
			}
			fmt.Fprintf(w, "  %-6d %s [%s]\n", j.BuildID, j.Job, kind)
		}
	}

	if len(s.Health) > 0 {
		states := append([]health.State(nil), s.Health...)
		sort.SliceStable(states, func(i, j int) bool { return states[i].Level < states[j].Level })
		fmt.Fprintln(w, "\nHealth:")
		for _, h := range states {
			fmt.Fprintf(w, "  %-7s %s\n", strings.ToUpper(string(h.Level)), h.Message)
		}
	}
}

func flags(p PipelineStatus) string {
	var out []string
	if p.Paused {
		f := "paused"
		if p.PausedBy != "" {
			f += " by " + p.PausedBy
		}
		out = append(out, f)
	}
	if p.LockedBy != "" {
		out = append(out, "locked by "+p.LockedBy)
	}
	if p.NextTimerAt != "" {
		out = append(out, "timer "+p.NextTimerAt)
	}
	return dash(strings.Join(out, ", "))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return dash(checksum)
}
