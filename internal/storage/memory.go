package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"printwatch/internal/model"
)

// Memory is a Store kept entirely in process. It backs the "memory" driver
// and the package tests of the pipeline stages.
type Memory struct {
	mu        sync.Mutex
	printers  map[string]model.Printer
	jobs      []model.PrintJob
	samples   []model.Sample
	events    []model.Event
	layers    []model.LayerTransition
	anomalies []model.TempAnomaly
	pauses    []model.JobPause
	rules     []model.AlertRule
	nextID    int64
}

func NewMemory() *Memory {
	return &Memory{printers: make(map[string]model.Printer)}
}

func (m *Memory) Init(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) UpsertPrinter(ctx context.Context, p model.Printer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowUTC()
	if cur, ok := m.printers[p.DeviceID]; ok {
		p.CreatedAt = cur.CreatedAt
		if p.NozzleDiameter == nil {
			p.NozzleDiameter = cur.NozzleDiameter
		}
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.printers[p.DeviceID] = p
	return nil
}

func (m *Memory) GetPrinter(ctx context.Context, deviceID string) (model.Printer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.printers[deviceID]
	if !ok {
		return model.Printer{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPrinters(ctx context.Context) ([]model.Printer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Printer, 0, len(m.printers))
	for _, p := range m.printers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) StartJob(ctx context.Context, job model.PrintJob) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = m.id()
	job.StartedAt = tsOrNow(job.StartedAt)
	job.HMSCodes = append([]string{}, job.HMSCodes...)
	m.jobs = append(m.jobs, job)
	return job.ID, nil
}

func (m *Memory) job(jobID int64) *model.PrintJob {
	for i := range m.jobs {
		if m.jobs[i].ID == jobID {
			return &m.jobs[i]
		}
	}
	return nil
}

func (m *Memory) updateJob(jobID int64, fn func(*model.PrintJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	if j == nil {
		return ErrNotFound
	}
	fn(j)
	return nil
}

func (m *Memory) EndJob(ctx context.Context, jobID int64, endedAt time.Time, endState model.GcodeState, progress *float64) error {
	return m.updateJob(jobID, func(j *model.PrintJob) {
		at := endedAt.UTC()
		st := endState
		j.EndedAt, j.EndState = &at, &st
		if progress != nil {
			p := *progress
			j.ProgressPct = &p
		} else {
			j.ProgressPct = nil
		}
	})
}

func copyJob(j model.PrintJob) model.PrintJob {
	j.HMSCodes = append([]string{}, j.HMSCodes...)
	return j
}

func (m *Memory) GetActiveJob(ctx context.Context, deviceID string) (*model.PrintJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].DeviceID == deviceID && m.jobs[i].EndedAt == nil {
			j := copyJob(m.jobs[i])
			return &j, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetJob(ctx context.Context, jobID int64) (model.PrintJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(jobID)
	if j == nil {
		return model.PrintJob{}, ErrNotFound
	}
	return copyJob(*j), nil
}

func (m *Memory) ListJobs(ctx context.Context, deviceID string, limit int) ([]model.PrintJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]model.PrintJob, 0)
	for i := len(m.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.jobs[i].DeviceID == deviceID {
			out = append(out, copyJob(m.jobs[i]))
		}
	}
	return out, nil
}

func (m *Memory) UpdateJobTotalLayers(ctx context.Context, jobID int64, total int) error {
	return m.updateJob(jobID, func(j *model.PrintJob) { j.TotalLayers = model.Int(total) })
}

func (m *Memory) IncrementJobAnomalyCount(ctx context.Context, jobID int64) error {
	return m.updateJob(jobID, func(j *model.PrintJob) { j.AnomalyCount++ })
}

func (m *Memory) IncrementJobPauseCount(ctx context.Context, jobID int64) error {
	return m.updateJob(jobID, func(j *model.PrintJob) { j.PauseCount++ })
}

func (m *Memory) AddJobPauseDuration(ctx context.Context, jobID int64, seconds float64) error {
	return m.updateJob(jobID, func(j *model.PrintJob) { j.PauseSeconds += seconds })
}

func (m *Memory) AddJobHMSCode(ctx context.Context, jobID int64, code string) error {
	return m.updateJob(jobID, func(j *model.PrintJob) { j.HMSCodes, _ = mergeCode(j.HMSCodes, code) })
}

func (m *Memory) InsertSample(ctx context.Context, s model.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.At = tsOrNow(s.At)
	m.samples = append(m.samples, s)
	return nil
}

func (m *Memory) Samples(deviceID string) []model.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Sample, 0)
	for _, s := range m.samples {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Memory) InsertEvent(ctx context.Context, ev model.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.id()
	ev.At = tsOrNow(ev.At)
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *Memory) RecentEvents(ctx context.Context, deviceID string, limit int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]model.Event, 0)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if deviceID == "" || m.events[i].DeviceID == deviceID {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *Memory) InsertLayerTransition(ctx context.Context, lt model.LayerTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lt.ID = m.id()
	lt.At = tsOrNow(lt.At)
	m.layers = append(m.layers, lt)
	return nil
}

func (m *Memory) LayerTransitions(deviceID string) []model.LayerTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.LayerTransition, 0)
	for _, lt := range m.layers {
		if lt.DeviceID == deviceID {
			out = append(out, lt)
		}
	}
	return out
}

func (m *Memory) InsertTempAnomaly(ctx context.Context, a model.TempAnomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	a.At = tsOrNow(a.At)
	m.anomalies = append(m.anomalies, a)
	return nil
}

func (m *Memory) TempAnomalies(deviceID string) []model.TempAnomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TempAnomaly, 0)
	for _, a := range m.anomalies {
		if a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) InsertJobPause(ctx context.Context, p model.JobPause) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	p.PausedAt = tsOrNow(p.PausedAt)
	p.HMSCodes = append([]string{}, p.HMSCodes...)
	m.pauses = append(m.pauses, p)
	return p.ID, nil
}

func (m *Memory) ResumeJobPause(ctx context.Context, pauseID int64, resumedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pauses {
		if m.pauses[i].ID == pauseID && m.pauses[i].ResumedAt == nil {
			at := resumedAt.UTC()
			m.pauses[i].ResumedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) GetOpenPause(ctx context.Context, jobID int64) (*model.JobPause, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.pauses) - 1; i >= 0; i-- {
		if m.pauses[i].JobID == jobID && m.pauses[i].ResumedAt == nil {
			p := m.pauses[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListAlertRules(ctx context.Context) ([]model.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.AlertRule{}, m.rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CreateAlertRule(ctx context.Context, r model.AlertRule) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.id()
	if r.ConditionConfig == "" {
		r.ConditionConfig = "{}"
	}
	if r.NotifyConfig == "" {
		r.NotifyConfig = "{}"
	}
	if r.NotifyVia == "" {
		r.NotifyVia = model.NotifyConsole
	}
	m.rules = append(m.rules, r)
	return r.ID, nil
}

func (m *Memory) UpdateAlertRule(ctx context.Context, r model.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == r.ID {
			r.LastFiredAt = m.rules[i].LastFiredAt
			if r.NotifyVia == "" {
				r.NotifyVia = model.NotifyConsole
			}
			m.rules[i] = r
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) UpdateAlertRuleFired(ctx context.Context, ruleID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rules {
		if m.rules[i].ID == ruleID {
			t := at.UTC()
			m.rules[i].LastFiredAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) DeleteOldSamples(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var n int64
	for _, s := range m.samples {
		if s.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return n, nil
}

func (m *Memory) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, ev := range m.events {
		if ev.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return n, nil
}
