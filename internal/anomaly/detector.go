// Package anomaly derives layer timing, temperature anomalies, pause
// intervals and health-code history from consecutive snapshots.
package anomaly

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"printwatch/internal/config"
	"printwatch/internal/devstate"
	"printwatch/internal/hms"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

const (
	SensorNozzle  = "nozzle"
	SensorNozzle2 = "nozzle2"
	SensorBed     = "bed"
	SensorChamber = "chamber"
)

type reading struct {
	temp float64
	at   time.Time
}

type deviceState struct {
	layer    *int
	layerAt  time.Time
	readings map[string]reading

	// per-job bookkeeping so counters are not re-sent for the same job
	jobID       int64
	totalLayers int
	codes       map[string]struct{}
}

func newDeviceState() *deviceState {
	return &deviceState{readings: make(map[string]reading), codes: make(map[string]struct{})}
}

// Result lists the records one snapshot produced.
type Result struct {
	Layer     *model.LayerTransition
	Anomalies []model.TempAnomaly
	Paused    *model.JobPause
	Resumed   *model.JobPause
}

type Detector struct {
	store   storage.Store
	writer  storage.Writer
	logger  *slog.Logger
	cfg     atomic.Value
	devices *devstate.Map[deviceState]
}

func NewDetector(cfg config.AnomalyConfig, store storage.Store, writer storage.Writer, logger *slog.Logger) *Detector {
	if writer == nil {
		writer = storage.Inline{Store: store, Logger: logger}
	}
	d := &Detector{
		store:   store,
		writer:  writer,
		logger:  logger,
		devices: devstate.New(newDeviceState),
	}
	d.cfg.Store(cfg)
	return d
}

func (d *Detector) UpdateConfig(cfg config.AnomalyConfig) {
	d.cfg.Store(cfg)
}

func (d *Detector) config() config.AnomalyConfig {
	if v := d.cfg.Load(); v != nil {
		return v.(config.AnomalyConfig)
	}
	return config.DefaultConfig().Anomaly
}

// Reset drops the device's layer and temperature baselines.
func (d *Detector) Reset(deviceID string) {
	d.devices.Reset(deviceID)
}

// Observe runs every check against one snapshot. job is the device's open
// job, or nil.
func (d *Detector) Observe(ctx context.Context, deviceID string, prev *model.Snapshot, cur model.Snapshot, job *model.PrintJob, at time.Time) Result {
	ds := d.devices.Get(deviceID)
	if job != nil && ds.jobID != job.ID {
		ds.jobID = job.ID
		ds.totalLayers = 0
		if job.TotalLayers != nil {
			ds.totalLayers = *job.TotalLayers
		}
		ds.codes = make(map[string]struct{}, len(job.HMSCodes))
		for _, c := range job.HMSCodes {
			ds.codes[c] = struct{}{}
		}
	}

	var res Result
	res.Layer = d.checkLayer(deviceID, ds, cur, job, at)
	res.Anomalies = d.checkTemperatures(deviceID, ds, cur, job, at)
	res.Paused, res.Resumed = d.checkPause(ctx, deviceID, prev, cur, job, at)
	d.accrueHMS(ds, cur, job)
	return res
}

func (d *Detector) checkLayer(deviceID string, ds *deviceState, cur model.Snapshot, job *model.PrintJob, at time.Time) *model.LayerTransition {
	if cur.LayerNum == nil {
		return nil
	}
	layer := *cur.LayerNum
	if ds.layer != nil && layer == *ds.layer {
		return nil
	}
	if ds.layer != nil && layer < *ds.layer {
		ds.layer = nil
		ds.layerAt = time.Time{}
		return nil
	}

	lt := model.LayerTransition{
		DeviceID:     deviceID,
		JobID:        jobID(job),
		At:           at,
		LayerNum:     layer,
		NozzleTemp:   cur.NozzleTemp,
		NozzleTarget: cur.NozzleTarget,
		BedTemp:      cur.BedTemp,
		BedTarget:    cur.BedTarget,
		ChamberTemp:  cur.ChamberTemp,
		SpeedLevel:   cur.SpeedLevel,
		Progress:     cur.Progress,
	}
	if ds.layer != nil {
		secs := at.Sub(ds.layerAt).Seconds()
		lt.DurationSec = &secs
	}
	d.writer.Enqueue("insert layer transition", func(ctx context.Context, s storage.Store) error {
		return s.InsertLayerTransition(ctx, lt)
	})
	ds.layer = &layer
	ds.layerAt = at

	if job != nil && cur.TotalLayers != nil && *cur.TotalLayers > 0 && *cur.TotalLayers != ds.totalLayers {
		total, id := *cur.TotalLayers, job.ID
		ds.totalLayers = total
		d.writer.Enqueue("update total layers", func(ctx context.Context, s storage.Store) error {
			return s.UpdateJobTotalLayers(ctx, id, total)
		})
	}
	return &lt
}

type sensorReading struct {
	name   string
	actual *float64
	target *float64
}

func sensors(s model.Snapshot) []sensorReading {
	return []sensorReading{
		{SensorNozzle, s.NozzleTemp, s.NozzleTarget},
		{SensorNozzle2, s.Nozzle2Temp, s.Nozzle2Target},
		{SensorBed, s.BedTemp, s.BedTarget},
		{SensorChamber, s.ChamberTemp, nil},
	}
}

func threshold(t config.SensorThresholds, sensor string) float64 {
	switch sensor {
	case SensorNozzle:
		return t.Nozzle
	case SensorNozzle2:
		return t.Nozzle2
	case SensorBed:
		return t.Bed
	case SensorChamber:
		return t.Chamber
	}
	return math.Inf(1)
}

func (d *Detector) checkTemperatures(deviceID string, ds *deviceState, cur model.Snapshot, job *model.PrintJob, at time.Time) []model.TempAnomaly {
	if cur.GcodeState != model.StateRunning && cur.GcodeState != model.StatePause {
		return nil
	}
	cfg := d.config()
	var out []model.TempAnomaly
	for _, sr := range sensors(cur) {
		if sr.actual == nil {
			continue
		}
		actual := *sr.actual

		var deviation *float64
		devHit := false
		if sr.target != nil && *sr.target > 0 {
			v := actual - *sr.target
			deviation = &v
			devHit = math.Abs(v) > threshold(cfg.Deviation, sr.name)
		}

		var rate *float64
		rateHit := false
		if last, ok := ds.readings[sr.name]; ok {
			elapsed := at.Sub(last.at)
			if elapsed > 0 && elapsed <= cfg.RateMaxGap {
				v := (actual - last.temp) / elapsed.Seconds()
				rate = &v
				rateHit = math.Abs(v) > threshold(cfg.Rate, sr.name)
			}
		}
		ds.readings[sr.name] = reading{temp: actual, at: at}

		if !devHit && !rateHit {
			continue
		}
		kind := model.AnomalyBoth
		switch {
		case devHit && !rateHit:
			kind = model.AnomalyDeviation
		case rateHit && !devHit:
			kind = model.AnomalyRate
		}
		a := model.TempAnomaly{
			DeviceID:     deviceID,
			JobID:        jobID(job),
			At:           at,
			Sensor:       sr.name,
			ActualTemp:   actual,
			TargetTemp:   sr.target,
			Deviation:    deviation,
			RateOfChange: rate,
			LayerNum:     cur.LayerNum,
			Kind:         kind,
		}
		out = append(out, a)
		d.writer.Enqueue("insert temp anomaly", func(ctx context.Context, s storage.Store) error {
			return s.InsertTempAnomaly(ctx, a)
		})
		if job != nil {
			id := job.ID
			d.writer.Enqueue("increment anomaly count", func(ctx context.Context, s storage.Store) error {
				return s.IncrementJobAnomalyCount(ctx, id)
			})
		}
		if d.logger != nil {
			d.logger.Debug("temperature anomaly", "device_id", deviceID, "sensor", sr.name, "kind", kind)
		}
	}
	return out
}

func (d *Detector) accrueHMS(ds *deviceState, cur model.Snapshot, job *model.PrintJob) {
	if job == nil || len(cur.HMSErrors) == 0 {
		return
	}
	id := job.ID
	for _, code := range hms.Keys(cur.HMSErrors) {
		if _, ok := ds.codes[code]; ok {
			continue
		}
		ds.codes[code] = struct{}{}
		d.writer.Enqueue("add job hms code", func(ctx context.Context, s storage.Store) error {
			return s.AddJobHMSCode(ctx, id, code)
		})
	}
}

func jobID(job *model.PrintJob) *int64 {
	if job == nil {
		return nil
	}
	id := job.ID
	return &id
}
