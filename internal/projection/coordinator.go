package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Result summarises one writer invocation.
type Result struct {
	Projection string
	Examined   int
	Applied    int
	Written    bool
	Cursor     Cursor
}

// Writer is a projection writer able to catch up incrementally.
type Writer interface {
	Name() string
	RunIncremental(ctx context.Context, orgID string) (Result, error)
}

// Rebuilder is implemented by writers that support a full rebuild.
type Rebuilder interface {
	Rebuild(ctx context.Context, orgID string) (Result, error)
}

// Report collects the results of one coordinator call in execution order.
type Report struct {
	OrgID   string
	Results []Result
	Skipped []string
}

// Coordinator fixes the execution order of projection writers for an
// organization: the ledger completes before the document index runs.
type Coordinator struct {
	writers []Writer
	logger  *slog.Logger
}

// NewCoordinator wires the ledger writer ahead of the document index writer.
func NewCoordinator(ledger, documentIndex Writer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{writers: []Writer{ledger, documentIndex}, logger: logger}
}

// RunIncremental runs every writer in order and stops at the first failure.
// Writers that already finished keep their committed progress.
func (c *Coordinator) RunIncremental(ctx context.Context, orgID string) (Report, error) {
	report := Report{OrgID: orgID}
	if orgID == "" {
		return report, errors.New("projection: org id required")
	}
	for _, w := range c.writers {
		res, err := w.RunIncremental(ctx, orgID)
		if err != nil {
			return report, fmt.Errorf("projection: %s incremental: %w", w.Name(), err)
		}
		report.Results = append(report.Results, res)
		c.logger.Debug("projection caught up",
			slog.String("projection", w.Name()),
			slog.String("org_id", orgID),
			slog.Int("examined", res.Examined),
			slog.Int("applied", res.Applied),
			slog.Bool("written", res.Written))
	}
	return report, nil
}

// RebuildAll rebuilds every writer that supports it, in the same order as
// RunIncremental. Writers without rebuild support are skipped.
func (c *Coordinator) RebuildAll(ctx context.Context, orgID string) (Report, error) {
	report := Report{OrgID: orgID}
	if orgID == "" {
		return report, errors.New("projection: org id required")
	}
	for _, w := range c.writers {
		rb, ok := w.(Rebuilder)
		if !ok {
			report.Skipped = append(report.Skipped, w.Name())
			c.logger.Info("projection rebuild unsupported, skipped",
				slog.String("projection", w.Name()),
				slog.String("org_id", orgID))
			continue
		}
		res, err := rb.Rebuild(ctx, orgID)
		if err != nil {
			return report, fmt.Errorf("projection: %s rebuild: %w", w.Name(), err)
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}
