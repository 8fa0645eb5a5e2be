package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/model"
	"printwatch/internal/storage"
)

func run(t *testing.T, tr *Tracker, deviceID string, start time.Time, states ...model.GcodeState) []Result {
	t.Helper()
	var prev *model.Snapshot
	out := make([]Result, 0, len(states))
	for i, st := range states {
		cur := model.Snapshot{GcodeState: st, SubtaskName: "benchy", GcodeFile: "benchy.gcode.3mf", TaskID: "99", Progress: model.Float(float64(i * 10))}
		out = append(out, tr.Observe(context.Background(), deviceID, prev, cur, start.Add(time.Duration(i)*time.Minute)))
		snap := cur
		prev = &snap
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	assert.Equal(t, actionOpen, lookup(stateNone, model.StatePrepare))
	assert.Equal(t, actionOpen, lookup(model.StateIdle, model.StateRunning))
	assert.Equal(t, actionOpen, lookup(model.StateFinish, model.StatePrepare))
	assert.Equal(t, actionClose, lookup(model.StateRunning, model.StateFinish))
	assert.Equal(t, actionClose, lookup(model.StatePause, model.StateFailed))
	assert.Equal(t, actionClose, lookup(model.StateRunning, model.StateIdle))
	assert.Equal(t, actionNone, lookup(model.StatePause, model.StateRunning))
	assert.Equal(t, actionNone, lookup(model.StateRunning, model.StatePause))
	assert.Equal(t, actionClose, lookup(model.StatePrepare, model.StateIdle))
	assert.Equal(t, actionClose, lookup(model.StatePrepare, model.StateFailed))
	assert.Equal(t, actionNone, lookup(model.StatePrepare, model.StateRunning))
}

func TestJobOpensAndCloses(t *testing.T) {
	mem := storage.NewMemory()
	tr := NewTracker(mem, nil, nil)
	resets := 0
	tr.OnJobOpened(func(string) { resets++ })
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res := run(t, tr, "dev", start, model.StateIdle, model.StatePrepare, model.StateRunning, model.StateFinish)
	assert.False(t, res[0].Opened)
	require.True(t, res[1].Opened)
	require.NotNil(t, res[1].Job)
	assert.Equal(t, "benchy", res[1].Job.SubtaskName)
	assert.Equal(t, 1, resets)
	assert.NotNil(t, res[2].Job)
	require.NotNil(t, res[3].Closed)
	assert.Nil(t, res[3].Job)
	assert.Equal(t, model.StateFinish, *res[3].Closed.EndState)
	assert.Equal(t, 30.0, *res[3].Closed.ProgressPct)

	job, err := mem.GetJob(context.Background(), res[1].Job.ID)
	require.NoError(t, err)
	require.NotNil(t, job.EndedAt)
	assert.Equal(t, start.Add(3*time.Minute), *job.EndedAt)
	assert.Equal(t, model.StateFinish, *job.EndState)

	evs, err := mem.RecentEvents(context.Background(), "dev", 10)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	assert.Equal(t, "State: RUNNING → FINISH", evs[0].Message)
	assert.Equal(t, "State: ? → IDLE", evs[3].Message)
	require.NotNil(t, evs[0].JobID)
	assert.Nil(t, evs[2].JobID)
}

func TestSecondPrepareDoesNotDuplicateJob(t *testing.T) {
	mem := storage.NewMemory()
	tr := NewTracker(mem, nil, nil)
	start := time.Now().UTC()
	res := run(t, tr, "dev", start, model.StateIdle, model.StatePrepare, model.StateRunning, model.StatePrepare)
	assert.True(t, res[1].Opened)
	assert.False(t, res[3].Opened)
	assert.Nil(t, res[3].Closed)
	require.NotNil(t, res[3].Job)
	assert.Equal(t, res[1].Job.ID, res[3].Job.ID)
	jobs, err := mem.ListJobs(context.Background(), "dev", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestPrintAbortedWhilePreparingClosesJob(t *testing.T) {
	for _, end := range []model.GcodeState{model.StateFailed, model.StateIdle} {
		t.Run(string(end), func(t *testing.T) {
			mem := storage.NewMemory()
			tr := NewTracker(mem, nil, nil)
			start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			res := run(t, tr, "dev", start, model.StateIdle, model.StatePrepare, end, model.StatePrepare)
			require.True(t, res[1].Opened)
			require.NotNil(t, res[2].Closed)
			assert.Equal(t, end, *res[2].Closed.EndState)
			assert.Nil(t, res[2].Job)

			require.True(t, res[3].Opened)
			require.NotNil(t, res[3].Job)
			assert.NotEqual(t, res[1].Job.ID, res[3].Job.ID)
			active := tr.ActiveJob(context.Background(), "dev")
			require.NotNil(t, active)
			assert.Equal(t, res[3].Job.ID, active.ID)
			assert.Equal(t, start.Add(3*time.Minute), active.StartedAt)

			jobs, err := mem.ListJobs(context.Background(), "dev", 10)
			require.NoError(t, err)
			assert.Len(t, jobs, 2)
		})
	}
}

func TestPauseEdgesDoNotTouchJob(t *testing.T) {
	tr := NewTracker(storage.NewMemory(), nil, nil)
	res := run(t, tr, "dev", time.Now().UTC(), model.StateRunning, model.StatePause, model.StateRunning)
	assert.True(t, res[0].Opened)
	assert.False(t, res[1].Opened)
	assert.Nil(t, res[1].Closed)
	assert.False(t, res[2].Opened)
	assert.Equal(t, res[0].Job.ID, res[2].Job.ID)
}

func TestFailedEmitsErrorEvent(t *testing.T) {
	tr := NewTracker(storage.NewMemory(), nil, nil)
	res := run(t, tr, "dev", time.Now().UTC(), model.StateRunning, model.StateFailed)
	require.NotNil(t, res[1].Event)
	assert.Equal(t, model.SeverityError, res[1].Event.Severity)
	assert.NotNil(t, res[1].Closed)
}

func TestUnchangedStateEmitsNothing(t *testing.T) {
	tr := NewTracker(storage.NewMemory(), nil, nil)
	res := run(t, tr, "dev", time.Now().UTC(), model.StateRunning, model.StateRunning)
	assert.NotNil(t, res[0].Event)
	assert.Nil(t, res[1].Event)
	assert.NotNil(t, res[1].Job)
}

func TestResumesOpenJobFromStore(t *testing.T) {
	mem := storage.NewMemory()
	id, err := mem.StartJob(context.Background(), model.PrintJob{DeviceID: "dev", SubtaskName: "before restart"})
	require.NoError(t, err)

	tr := NewTracker(mem, nil, nil)
	job := tr.ActiveJob(context.Background(), "dev")
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)

	res := run(t, tr, "dev", time.Now().UTC(), model.StateRunning, model.StateFinish)
	assert.False(t, res[0].Opened)
	require.NotNil(t, res[1].Closed)
	assert.Equal(t, id, res[1].Closed.ID)
}
