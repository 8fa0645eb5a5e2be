// Package lifecycle derives print jobs from operating-state transitions.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"printwatch/internal/devstate"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

type deviceJob struct {
	mu     sync.Mutex
	loaded bool
	job    *model.PrintJob
}

// Result describes what one snapshot did to the device's job.
type Result struct {
	Job    *model.PrintJob
	Opened bool
	Closed *model.PrintJob
	Event  *model.Event
}

// Tracker is the only component that opens and closes jobs. It caches the
// open job per device and loads it from the store the first time a device
// is seen, so a restart resumes the job that was in flight.
type Tracker struct {
	store  storage.Store
	writer storage.Writer
	logger *slog.Logger
	onOpen func(deviceID string)
	jobs   *devstate.Map[deviceJob]
}

func NewTracker(store storage.Store, writer storage.Writer, logger *slog.Logger) *Tracker {
	if writer == nil {
		writer = storage.Inline{Store: store, Logger: logger}
	}
	return &Tracker{
		store:  store,
		writer: writer,
		logger: logger,
		jobs:   devstate.New[deviceJob](nil),
	}
}

// OnJobOpened registers a hook run synchronously after a job opens.
func (t *Tracker) OnJobOpened(fn func(deviceID string)) {
	t.onOpen = fn
}

// ActiveJob returns a copy of the device's open job, or nil.
func (t *Tracker) ActiveJob(ctx context.Context, deviceID string) *model.PrintJob {
	dj := t.jobs.Get(deviceID)
	dj.mu.Lock()
	defer dj.mu.Unlock()
	t.load(ctx, deviceID, dj)
	return copyJob(dj.job)
}

// Observe applies one snapshot. prev is nil when the device has no prior
// snapshot since it (re)connected.
func (t *Tracker) Observe(ctx context.Context, deviceID string, prev *model.Snapshot, cur model.Snapshot, at time.Time) Result {
	from := stateNone
	if prev != nil {
		from = prev.GcodeState
	}
	to := cur.GcodeState

	dj := t.jobs.Get(deviceID)
	dj.mu.Lock()
	defer dj.mu.Unlock()
	t.load(ctx, deviceID, dj)

	var res Result
	if from == to {
		res.Job = copyJob(dj.job)
		return res
	}

	res.Event = t.stateEvent(deviceID, from, to, dj.job, at)

	switch lookup(from, to) {
	case actionOpen:
		if dj.job == nil {
			res.Opened = t.open(ctx, deviceID, dj, cur, at)
		}
	case actionClose:
		if dj.job != nil {
			res.Closed = t.close(ctx, deviceID, dj, cur, at)
		}
	}
	res.Job = copyJob(dj.job)

	if res.Opened && t.onOpen != nil {
		t.onOpen(deviceID)
	}
	return res
}

func (t *Tracker) load(ctx context.Context, deviceID string, dj *deviceJob) {
	if dj.loaded || t.store == nil {
		return
	}
	job, err := t.store.GetActiveJob(ctx, deviceID)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("load active job failed", "device_id", deviceID, "err", err)
		}
		return
	}
	dj.loaded = true
	dj.job = job
	if job != nil && t.logger != nil {
		t.logger.Info("resumed open print job", "device_id", deviceID, "job_id", job.ID)
	}
}

func (t *Tracker) stateEvent(deviceID string, from, to model.GcodeState, job *model.PrintJob, at time.Time) *model.Event {
	severity := model.SeverityInfo
	if to == model.StateFailed {
		severity = model.SeverityError
	}
	label := string(from)
	if from == stateNone {
		label = "?"
	}
	ev := model.Event{
		DeviceID: deviceID,
		At:       at,
		Kind:     model.EventStateChange,
		Severity: severity,
		Message:  fmt.Sprintf("State: %s → %s", label, to),
	}
	if job != nil {
		id := job.ID
		ev.JobID = &id
	}
	t.writer.Enqueue("insert state event", func(ctx context.Context, s storage.Store) error {
		_, err := s.InsertEvent(ctx, ev)
		return err
	})
	return &ev
}

func (t *Tracker) open(ctx context.Context, deviceID string, dj *deviceJob, cur model.Snapshot, at time.Time) bool {
	job := model.PrintJob{
		DeviceID:    deviceID,
		TaskID:      cur.TaskID,
		SubtaskName: cur.SubtaskName,
		GcodeFile:   cur.GcodeFile,
		StartedAt:   at,
		HMSCodes:    []string{},
	}
	if t.store != nil {
		id, err := t.store.StartJob(ctx, job)
		if err != nil {
			if t.logger != nil {
				t.logger.Error("start job failed", "device_id", deviceID, "err", err)
			}
			return false
		}
		job.ID = id
	}
	dj.job = &job
	dj.loaded = true
	if t.logger != nil {
		t.logger.Info("print job started", "device_id", deviceID, "job_id", job.ID, "file", job.GcodeFile)
	}
	return true
}

func (t *Tracker) close(ctx context.Context, deviceID string, dj *deviceJob, cur model.Snapshot, at time.Time) *model.PrintJob {
	job := dj.job
	dj.job = nil
	endState := cur.GcodeState
	ended := at
	job.EndedAt = &ended
	job.EndState = &endState
	job.ProgressPct = cur.Progress
	if t.store != nil {
		if err := t.store.EndJob(ctx, job.ID, at, endState, cur.Progress); err != nil && t.logger != nil {
			t.logger.Error("end job failed", "device_id", deviceID, "job_id", job.ID, "err", err)
		}
	}
	if t.logger != nil {
		t.logger.Info("print job ended", "device_id", deviceID, "job_id", job.ID, "end_state", endState)
	}
	return job
}

func copyJob(j *model.PrintJob) *model.PrintJob {
	if j == nil {
		return nil
	}
	c := *j
	c.HMSCodes = append([]string(nil), j.HMSCodes...)
	return &c
}
