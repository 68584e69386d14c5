package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueProjection carries incremental replays.
	QueueProjection = "projection"
	// QueueRebuild carries full rebuilds so a long rebuild never starves
	// incremental catch-up.
	QueueRebuild = "rebuild"
	// TaskProjectionReplay catches projections up with the event log.
	TaskProjectionReplay = "projection:replay"
	// TaskProjectionRebuild rebuilds projections from the full history.
	TaskProjectionRebuild = "projection:rebuild"

	// AllOrgs fans a task out over every organization with events.
	AllOrgs = "all"
)

// Queues lists every queue the worker consumes, in priority order.
var Queues = []string{QueueProjection, QueueRebuild}

// ProjectionPayload scopes a projection task to one organization or to
// AllOrgs.
type ProjectionPayload struct {
	OrgID string `json:"org_id"`
}

func normalizeOrg(orgID string) string {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return AllOrgs
	}
	return orgID
}

// NewProjectionReplayTask creates an incremental replay task.
func NewProjectionReplayTask(orgID string) (*asynq.Task, error) {
	body, err := json.Marshal(ProjectionPayload{OrgID: normalizeOrg(orgID)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProjectionReplay, body, asynq.Queue(QueueProjection), asynq.MaxRetry(5), asynq.Timeout(10*time.Minute)), nil
}

// NewProjectionRebuildTask creates a full rebuild task.
func NewProjectionRebuildTask(orgID string) (*asynq.Task, error) {
	body, err := json.Marshal(ProjectionPayload{OrgID: normalizeOrg(orgID)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProjectionRebuild, body, asynq.Queue(QueueRebuild), asynq.MaxRetry(3), asynq.Timeout(30*time.Minute)), nil
}
