package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/verity/internal/jobs"
	"github.com/odyssey-erp/verity/internal/projection"
	"github.com/odyssey-erp/verity/internal/readcache"
	"github.com/odyssey-erp/verity/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ErrLockBusy is returned when a rebuild or a CLI run finds its
// organization locked. asynq retries it without counting a failure.
var ErrLockBusy = errors.New("projection replay: organization busy")

// ProjectionRunner runs the projection writers of one organization in
// their fixed order.
type ProjectionRunner interface {
	RunIncremental(ctx context.Context, orgID string) (projection.Report, error)
	RebuildAll(ctx context.Context, orgID string) (projection.Report, error)
}

// OrgLister lists the organizations that have events.
type OrgLister interface {
	OrgIDs(ctx context.Context) ([]string, error)
}

// ReplayJob handles the projection replay and rebuild tasks. Runs for one
// organization are serialized through a redis lock; distinct organizations
// run concurrently up to Concurrency.
type ReplayJob struct {
	Runner      ProjectionRunner
	Orgs        OrgLister
	Locker      *shared.Locker
	Cache       *readcache.Cache
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	LockTTL     time.Duration
	Concurrency int
	clock       func() time.Time
}

// NewReplayJob constructs the job handler.
func NewReplayJob(runner ProjectionRunner, orgs OrgLister, locker *shared.Locker, cache *readcache.Cache, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReplayJob {
	return &ReplayJob{
		Runner:      runner,
		Orgs:        orgs,
		Locker:      locker,
		Cache:       cache,
		Logger:      logger,
		Metrics:     metrics,
		LockTTL:     2 * time.Minute,
		Concurrency: 4,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type runMode struct {
	task       string
	rebuild    bool
	reportBusy bool
}

var (
	modeReplay  = runMode{task: TaskProjectionReplay}
	modeRebuild = runMode{task: TaskProjectionRebuild, rebuild: true}
)

// HandleReplay processes TaskProjectionReplay.
func (j *ReplayJob) HandleReplay(ctx context.Context, task *asynq.Task) error {
	return j.handle(ctx, task, modeReplay)
}

// HandleRebuild processes TaskProjectionRebuild.
func (j *ReplayJob) HandleRebuild(ctx context.Context, task *asynq.Task) error {
	return j.handle(ctx, task, modeRebuild)
}

// Handlers returns the worker registrations for both task types.
func (j *ReplayJob) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskProjectionReplay, Handler: j.HandleReplay},
		{Type: TaskProjectionRebuild, Handler: j.HandleRebuild},
	}
}

func (j *ReplayJob) handle(ctx context.Context, task *asynq.Task, mode runMode) (err error) {
	if j == nil || j.Runner == nil || j.Locker == nil {
		return errors.New("projection replay: dependencies not configured")
	}
	var payload ProjectionPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("projection replay: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	payload.OrgID = normalizeOrg(payload.OrgID)

	tracker := j.metrics().Track(mode.task)
	defer func() {
		err = tracker.End(err)
	}()

	orgIDs, err := j.resolveOrgs(ctx, payload.OrgID)
	if err != nil {
		j.log(mode).Error("resolve organizations", slog.String("org_id", payload.OrgID), slog.Any("error", err))
		return err
	}
	if len(orgIDs) == 0 {
		j.log(mode).Info("no organizations with events")
		return nil
	}

	start := j.now()
	return j.runAll(ctx, orgIDs, mode, start)
}

// RunOrg executes one organization synchronously, outside the queue. Used
// by the operator CLI.
func (j *ReplayJob) RunOrg(ctx context.Context, orgID string, rebuild bool) (projection.Report, error) {
	mode := modeReplay
	if rebuild {
		mode = modeRebuild
	}
	mode.reportBusy = true
	return j.runOrg(ctx, orgID, mode)
}

func (j *ReplayJob) runAll(ctx context.Context, orgIDs []string, mode runMode, start time.Time) error {
	var (
		mu       sync.Mutex
		failures []error
		written  int
	)
	var g errgroup.Group
	g.SetLimit(j.concurrency())
	for _, orgID := range orgIDs {
		orgID := orgID
		g.Go(func() error {
			report, err := j.runOrg(ctx, orgID, mode)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, fmt.Errorf("org %s: %w", orgID, err))
				return nil
			}
			for _, res := range report.Results {
				if res.Written {
					written++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	logger := j.log(mode).With(slog.Int("orgs", len(orgIDs)), slog.Int("writes", written), slog.Duration("duration", j.now().Sub(start)))
	if len(failures) == 0 {
		logger.Info("projections processed")
		return nil
	}

	joined := errors.Join(failures...)
	if errors.Is(joined, ErrLockBusy) {
		return joined
	}
	for _, failure := range failures {
		if !errors.Is(failure, projection.ErrInvalidEvent) {
			logger.Error("projection run failed", slog.Int("failed_orgs", len(failures)), slog.Any("error", joined))
			return joined
		}
	}
	// Only invalid events failed; asynq must not retry.
	logger.Error("projection run blocked by invalid events", slog.Int("failed_orgs", len(failures)), slog.Any("error", joined))
	return fmt.Errorf("%w: %w", joined, asynq.SkipRetry)
}

func (j *ReplayJob) runOrg(ctx context.Context, orgID string, mode runMode) (projection.Report, error) {
	logger := j.log(mode).With(slog.String("org_id", orgID))

	lock, err := j.Locker.Acquire(ctx, shared.ReplayLockKey(orgID), j.lockTTL())
	if errors.Is(err, shared.ErrLockHeld) {
		j.metrics().AddLockBusy()
		if mode.rebuild || mode.reportBusy {
			logger.Info("organization locked, run deferred")
			return projection.Report{OrgID: orgID}, fmt.Errorf("%w: %s", ErrLockBusy, orgID)
		}
		logger.Info("organization locked, replay skipped")
		return projection.Report{OrgID: orgID}, nil
	}
	if err != nil {
		return projection.Report{OrgID: orgID}, err
	}
	defer func() {
		// Release must outlive a cancelled task context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			logger.Warn("release replay lock", slog.Any("error", err))
		}
	}()

	// A run outliving the lock TTL keeps the lock; losing it aborts the run
	// so its transaction rolls back.
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stopHold := lock.Hold(ctx, j.lockTTL(), func(lost error) {
		logger.Error("replay lock lost, aborting run", slog.Any("error", lost))
		cancelRun(lost)
	})

	var report projection.Report
	if mode.rebuild {
		report, err = j.Runner.RebuildAll(runCtx, orgID)
	} else {
		report, err = j.Runner.RunIncremental(runCtx, orgID)
	}
	stopHold()
	if cause := context.Cause(runCtx); err != nil && errors.Is(cause, shared.ErrLockLost) {
		err = fmt.Errorf("%w (%w)", err, cause)
	}

	wrote := false
	for _, res := range report.Results {
		j.metrics().ObserveProjection(res.Projection, res.Examined, res.Applied)
		wrote = wrote || res.Written
	}
	if wrote {
		if bumpErr := j.Cache.Bump(ctx, orgID); bumpErr != nil {
			logger.Warn("bump read cache", slog.Any("error", bumpErr))
		}
	}

	if err != nil {
		var invalid *projection.InvalidEventError
		if errors.As(err, &invalid) {
			j.metrics().AddInvalidEvent(invalid.Projection)
			logger.Error("invalid event blocks projection",
				slog.String("projection", invalid.Projection),
				slog.String("event_id", invalid.EventID),
				slog.String("event_type", invalid.EventType),
				slog.String("reason", invalid.Reason))
		} else {
			logger.Error("projection run failed", slog.Any("error", err))
		}
		return report, err
	}

	logger.Debug("projection run complete", slog.Int("results", len(report.Results)), slog.Any("skipped", report.Skipped))
	return report, nil
}

func (j *ReplayJob) resolveOrgs(ctx context.Context, orgID string) ([]string, error) {
	if orgID != AllOrgs {
		return []string{orgID}, nil
	}
	if j.Orgs == nil {
		return nil, errors.New("projection replay: organization lister not configured")
	}
	return j.Orgs.OrgIDs(ctx)
}

func (j *ReplayJob) concurrency() int {
	if j.Concurrency > 0 {
		return j.Concurrency
	}
	return 1
}

func (j *ReplayJob) lockTTL() time.Duration {
	if j.LockTTL > 0 {
		return j.LockTTL
	}
	return 2 * time.Minute
}

func (j *ReplayJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReplayJob) log(mode runMode) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", mode.task))
	}
	return slog.Default().With(slog.String("job", mode.task))
}

func (j *ReplayJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ReplayJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
