package anomaly

import (
	"context"
	"time"

	"printwatch/internal/hms"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

// checkPause opens a pause on an active -> PAUSE edge and closes it on the
// way back. A device that reconnects straight into an active state also
// closes a pause left open from before the disconnect.
func (d *Detector) checkPause(ctx context.Context, deviceID string, prev *model.Snapshot, cur model.Snapshot, job *model.PrintJob, at time.Time) (*model.JobPause, *model.JobPause) {
	if job == nil || d.store == nil {
		return nil, nil
	}
	switch {
	case prev != nil && prev.GcodeState.Active() && cur.GcodeState == model.StatePause:
		return d.pause(ctx, deviceID, cur, job, at), nil
	case cur.GcodeState.Active() && (prev == nil || prev.GcodeState == model.StatePause):
		return nil, d.resume(ctx, deviceID, job, at)
	}
	return nil, nil
}

func (d *Detector) pause(ctx context.Context, deviceID string, cur model.Snapshot, job *model.PrintJob, at time.Time) *model.JobPause {
	open, err := d.store.GetOpenPause(ctx, job.ID)
	if err != nil {
		d.warn("lookup open pause failed", deviceID, job.ID, err)
		return nil
	}
	if open != nil {
		return nil
	}
	p := model.JobPause{
		DeviceID: deviceID,
		JobID:    job.ID,
		PausedAt: at,
		Source:   model.PauseUser,
		LayerNum: cur.LayerNum,
		Progress: cur.Progress,
	}
	if len(cur.HMSErrors) > 0 {
		p.Source = model.PauseError
		p.HMSCodes = hms.Keys(cur.HMSErrors)
	}
	id, err := d.store.InsertJobPause(ctx, p)
	if err != nil {
		d.warn("insert job pause failed", deviceID, job.ID, err)
		return nil
	}
	p.ID = id
	jobID := job.ID
	d.writer.Enqueue("increment pause count", func(ctx context.Context, s storage.Store) error {
		return s.IncrementJobPauseCount(ctx, jobID)
	})
	if d.logger != nil {
		d.logger.Info("job paused", "device_id", deviceID, "job_id", job.ID, "source", p.Source)
	}
	return &p
}

func (d *Detector) resume(ctx context.Context, deviceID string, job *model.PrintJob, at time.Time) *model.JobPause {
	open, err := d.store.GetOpenPause(ctx, job.ID)
	if err != nil {
		d.warn("lookup open pause failed", deviceID, job.ID, err)
		return nil
	}
	if open == nil {
		return nil
	}
	if err := d.store.ResumeJobPause(ctx, open.ID, at); err != nil {
		d.warn("resume job pause failed", deviceID, job.ID, err)
		return nil
	}
	resumed := at
	open.ResumedAt = &resumed
	secs := at.Sub(open.PausedAt).Seconds()
	if secs < 0 {
		secs = 0
	}
	jobID := job.ID
	d.writer.Enqueue("add pause duration", func(ctx context.Context, s storage.Store) error {
		return s.AddJobPauseDuration(ctx, jobID, secs)
	})
	if d.logger != nil {
		d.logger.Info("job resumed", "device_id", deviceID, "job_id", job.ID, "paused_sec", secs)
	}
	return open
}

func (d *Detector) warn(msg, deviceID string, jobID int64, err error) {
	if d.logger != nil {
		d.logger.Warn(msg, "device_id", deviceID, "job_id", jobID, "err", err)
	}
}
