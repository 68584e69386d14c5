package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/message"

	"github.com/odyssey-erp/verity/internal/projection"
	"github.com/odyssey-erp/verity/jobs"
)

// Runner executes the projections of one organization synchronously.
type Runner interface {
	RunOrg(ctx context.Context, orgID string, rebuild bool) (projection.Report, error)
}

// ProjectionCLI runs replays and rebuilds in-process.
type ProjectionCLI struct {
	runner  Runner
	printer *message.Printer
}

// NewProjectionCLI constructs the helper.
func NewProjectionCLI(runner Runner) (*ProjectionCLI, error) {
	if runner == nil {
		return nil, errors.New("projection cli: runner required")
	}
	return &ProjectionCLI{runner: runner, printer: newPrinter()}, nil
}

// RunOptions configures one replay or rebuild invocation.
type RunOptions struct {
	OrgID      string
	Rebuild    bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// RunSummary is the structured outcome of a run.
type RunSummary struct {
	OrgID        string               `json:"org_id"`
	Mode         string               `json:"mode"`
	OK           bool                 `json:"ok"`
	Projections  []ProjectionSummary  `json:"projections"`
	Skipped      []string             `json:"skipped,omitempty"`
	InvalidEvent *InvalidEventSummary `json:"invalid_event,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// ProjectionSummary describes one writer result.
type ProjectionSummary struct {
	Projection       string `json:"projection"`
	Examined         int    `json:"examined"`
	Applied          int    `json:"applied"`
	Written          bool   `json:"written"`
	CursorOccurredAt int64  `json:"cursor_occurred_at"`
	CursorEventID    string `json:"cursor_event_id"`
}

// InvalidEventSummary identifies the event that blocked a projection.
type InvalidEventSummary struct {
	Projection string `json:"projection"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Reason     string `json:"reason"`
}

// RunCommand executes the run and returns the process exit code.
func (c *ProjectionCLI) RunCommand(ctx context.Context, opts RunOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	orgID := strings.TrimSpace(opts.OrgID)
	if orgID == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "org id is required")
		return ExitFailure
	}

	report, err := c.runner.RunOrg(ctx, orgID, opts.Rebuild)
	summary := buildRunSummary(orgID, opts.Rebuild, report, err)

	if opts.JSONOutput {
		if encErr := writeJSON(opts.Stdout, summary); encErr != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "encode summary: %v\n", encErr)
			return ExitFailure
		}
	} else {
		c.renderHuman(opts.Stdout, summary)
	}

	switch {
	case err == nil:
		return ExitOK
	case summary.InvalidEvent != nil:
		return ExitInvalidEvent
	case errors.Is(err, jobs.ErrLockBusy):
		return ExitBusy
	default:
		if !opts.JSONOutput {
			_, _ = fmt.Fprintf(opts.Stderr, "%s failed: %v\n", summary.Mode, err)
		}
		return ExitFailure
	}
}

func buildRunSummary(orgID string, rebuild bool, report projection.Report, err error) RunSummary {
	summary := RunSummary{
		OrgID:       orgID,
		Mode:        "replay",
		OK:          err == nil,
		Projections: make([]ProjectionSummary, 0, len(report.Results)),
		Skipped:     report.Skipped,
	}
	if rebuild {
		summary.Mode = "rebuild"
	}
	for _, res := range report.Results {
		summary.Projections = append(summary.Projections, ProjectionSummary{
			Projection:       res.Projection,
			Examined:         res.Examined,
			Applied:          res.Applied,
			Written:          res.Written,
			CursorOccurredAt: res.Cursor.OccurredAt,
			CursorEventID:    res.Cursor.EventID,
		})
	}
	if err != nil {
		summary.Error = err.Error()
		var invalid *projection.InvalidEventError
		if errors.As(err, &invalid) {
			summary.InvalidEvent = &InvalidEventSummary{
				Projection: invalid.Projection,
				EventID:    invalid.EventID,
				EventType:  invalid.EventType,
				Reason:     invalid.Reason,
			}
		}
	}
	return summary
}

func (c *ProjectionCLI) renderHuman(out io.Writer, summary RunSummary) {
	_, _ = c.printer.Fprintf(out, "Projection %s for org %s\n", summary.Mode, summary.OrgID)
	for _, p := range summary.Projections {
		state := "unchanged"
		if p.Written {
			state = "written"
		}
		_, _ = c.printer.Fprintf(out, " - %s: %d examined, %d applied, %s", p.Projection, p.Examined, p.Applied, state)
		if p.CursorEventID != "" {
			_, _ = fmt.Fprintf(out, " (cursor %d/%s)", p.CursorOccurredAt, p.CursorEventID)
		}
		_, _ = fmt.Fprintln(out)
	}
	for _, name := range summary.Skipped {
		_, _ = fmt.Fprintf(out, " - %s: rebuild not supported, skipped\n", name)
	}
	if inv := summary.InvalidEvent; inv != nil {
		_, _ = fmt.Fprintf(out, "Blocked by invalid event %s (%s) in %s: %s\n", inv.EventID, inv.EventType, inv.Projection, inv.Reason)
	}
}
