package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/verity/jobs"
)

func TestNewTaskBuildsProjectionTasks(t *testing.T) {
	task, err := newTask(jobs.TaskProjectionReplay, "org-1")
	require.NoError(t, err)
	require.Equal(t, jobs.TaskProjectionReplay, task.Type())
	var payload jobs.ProjectionPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "org-1", payload.OrgID)

	task, err = newTask(jobs.TaskProjectionRebuild, "")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, jobs.AllOrgs, payload.OrgID)

	_, err = newTask("reports:nightly", "org-1")
	require.Error(t, err)
}
