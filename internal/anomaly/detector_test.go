package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/config"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.AnomalyConfig {
	cfg := config.DefaultConfig().Anomaly
	cfg.Deviation.Nozzle = 10
	return cfg
}

func newDetector(t *testing.T) (*Detector, *storage.Memory, *model.PrintJob) {
	t.Helper()
	mem := storage.NewMemory()
	id, err := mem.StartJob(context.Background(), model.PrintJob{DeviceID: "dev", StartedAt: t0})
	require.NoError(t, err)
	return NewDetector(testConfig(), mem, nil, nil), mem, &model.PrintJob{ID: id, DeviceID: "dev"}
}

func running(nozzle, target float64) model.Snapshot {
	return model.Snapshot{GcodeState: model.StateRunning, NozzleTemp: model.Float(nozzle), NozzleTarget: model.Float(target)}
}

func TestDeviationAnomaly(t *testing.T) {
	d, mem, job := newDetector(t)
	res := d.Observe(context.Background(), "dev", nil, running(235, 220), job, t0)
	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, SensorNozzle, a.Sensor)
	assert.Equal(t, model.AnomalyDeviation, a.Kind)
	assert.Equal(t, 15.0, *a.Deviation)
	assert.Nil(t, a.RateOfChange)
	require.NotNil(t, a.JobID)
	assert.Equal(t, job.ID, *a.JobID)

	d.Reset("dev")
	res = d.Observe(context.Background(), "dev", nil, running(225, 220), job, t0.Add(time.Hour))
	assert.Empty(t, res.Anomalies)

	stored, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AnomalyCount)
	assert.Len(t, mem.TempAnomalies("dev"), 1)
}

func TestTemperatureChecksOnlyWhileRunningOrPaused(t *testing.T) {
	d, _, job := newDetector(t)
	snap := running(150, 220)
	snap.GcodeState = model.StatePrepare
	assert.Empty(t, d.Observe(context.Background(), "dev", nil, snap, job, t0).Anomalies)
	snap.GcodeState = model.StatePause
	assert.Len(t, d.Observe(context.Background(), "dev", nil, snap, job, t0.Add(time.Second)).Anomalies, 1)
}

func TestRateAnomalySuppressedOnStaleGap(t *testing.T) {
	d, _, job := newDetector(t)
	bed := func(v float64) model.Snapshot {
		return model.Snapshot{GcodeState: model.StateRunning, BedTemp: model.Float(v)}
	}
	assert.Empty(t, d.Observe(context.Background(), "dev", nil, bed(20), job, t0).Anomalies)
	assert.Empty(t, d.Observe(context.Background(), "dev", nil, bed(70), job, t0.Add(90*time.Second)).Anomalies)

	res := d.Observe(context.Background(), "dev", nil, bed(20), job, t0.Add(100*time.Second))
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.AnomalyRate, res.Anomalies[0].Kind)
	assert.Equal(t, -5.0, *res.Anomalies[0].RateOfChange)
	assert.Nil(t, res.Anomalies[0].TargetTemp)
}

func TestBothKindsAndChamberHasNoTarget(t *testing.T) {
	d, _, job := newDetector(t)
	d.Observe(context.Background(), "dev", nil, running(220, 220), job, t0)
	res := d.Observe(context.Background(), "dev", nil, running(260, 220), job, t0.Add(2*time.Second))
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, model.AnomalyBoth, res.Anomalies[0].Kind)

	snap := model.Snapshot{GcodeState: model.StateRunning, ChamberTemp: model.Float(80)}
	assert.Empty(t, d.Observe(context.Background(), "dev2", nil, snap, nil, t0).Anomalies)
}

func TestAnomalyWithoutJob(t *testing.T) {
	d, _, _ := newDetector(t)
	res := d.Observe(context.Background(), "dev", nil, running(300, 220), nil, t0)
	require.Len(t, res.Anomalies, 1)
	assert.Nil(t, res.Anomalies[0].JobID)
}

func TestLayerTransitions(t *testing.T) {
	d, mem, job := newDetector(t)
	layer := func(n, total int) model.Snapshot {
		return model.Snapshot{GcodeState: model.StateRunning, LayerNum: model.Int(n), TotalLayers: model.Int(total)}
	}
	res := d.Observe(context.Background(), "dev", nil, layer(1, 100), job, t0)
	require.NotNil(t, res.Layer)
	assert.Nil(t, res.Layer.DurationSec)

	assert.Nil(t, d.Observe(context.Background(), "dev", nil, layer(1, 100), job, t0.Add(10*time.Second)).Layer)

	res = d.Observe(context.Background(), "dev", nil, layer(2, 100), job, t0.Add(30*time.Second))
	require.NotNil(t, res.Layer)
	assert.Equal(t, 30.0, *res.Layer.DurationSec)

	assert.Nil(t, d.Observe(context.Background(), "dev", nil, layer(0, 100), job, t0.Add(40*time.Second)).Layer)
	res = d.Observe(context.Background(), "dev", nil, layer(1, 100), job, t0.Add(50*time.Second))
	require.NotNil(t, res.Layer)
	assert.Nil(t, res.Layer.DurationSec)

	assert.Nil(t, d.Observe(context.Background(), "dev", nil, model.Snapshot{GcodeState: model.StateRunning}, job, t0.Add(time.Minute)).Layer)

	assert.Len(t, mem.LayerTransitions("dev"), 3)
	stored, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TotalLayers)
	assert.Equal(t, 100, *stored.TotalLayers)
}

func TestPauseDurationAccumulation(t *testing.T) {
	d, mem, job := newDetector(t)
	ctx := context.Background()
	runningSnap := model.Snapshot{GcodeState: model.StateRunning}
	paused := model.Snapshot{GcodeState: model.StatePause, LayerNum: model.Int(12)}

	res := d.Observe(ctx, "dev", &runningSnap, paused, job, t0)
	require.NotNil(t, res.Paused)
	assert.Equal(t, model.PauseUser, res.Paused.Source)

	// a repeated PAUSE message does not open a second pause
	assert.Nil(t, d.Observe(ctx, "dev", &paused, paused, job, t0.Add(time.Minute)).Paused)

	res = d.Observe(ctx, "dev", &paused, runningSnap, job, t0.Add(120*time.Second))
	require.NotNil(t, res.Resumed)
	require.NotNil(t, res.Resumed.ResumedAt)
	assert.Equal(t, t0.Add(120*time.Second), *res.Resumed.ResumedAt)

	stored, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, stored.PauseSeconds)
	assert.Equal(t, 1, stored.PauseCount)
	open, err := mem.GetOpenPause(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestPauseSourceErrorWhenHMSPresent(t *testing.T) {
	d, _, job := newDetector(t)
	prev := model.Snapshot{GcodeState: model.StateRunning}
	cur := model.Snapshot{GcodeState: model.StatePause, HMSErrors: []model.HMSEntry{{Attr: 0x07000100, Code: 0x00010001}}}
	res := d.Observe(context.Background(), "dev", &prev, cur, job, t0)
	require.NotNil(t, res.Paused)
	assert.Equal(t, model.PauseError, res.Paused.Source)
	assert.Equal(t, []string{"0700_0100_0001_0001"}, res.Paused.HMSCodes)
}

func TestPauseSkippedWithoutJob(t *testing.T) {
	d, _, _ := newDetector(t)
	prev := model.Snapshot{GcodeState: model.StateRunning}
	res := d.Observe(context.Background(), "dev", &prev, model.Snapshot{GcodeState: model.StatePause}, nil, t0)
	assert.Nil(t, res.Paused)
}

func TestHMSAccrualIsIdempotent(t *testing.T) {
	d, mem, job := newDetector(t)
	a := model.HMSEntry{Attr: 0x03000100, Code: 0x00020001}
	b := model.HMSEntry{Attr: 0x0C000100, Code: 0x00020001}
	snap := model.Snapshot{GcodeState: model.StateRunning, HMSErrors: []model.HMSEntry{a}}
	d.Observe(context.Background(), "dev", nil, snap, job, t0)
	d.Observe(context.Background(), "dev", nil, snap, job, t0.Add(time.Second))
	snap.HMSErrors = []model.HMSEntry{a, b}
	d.Observe(context.Background(), "dev", nil, snap, job, t0.Add(2*time.Second))

	stored, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0300_0100_0002_0001", "0C00_0100_0002_0001"}, stored.HMSCodes)
}

func TestUpdateConfig(t *testing.T) {
	d, _, job := newDetector(t)
	cfg := testConfig()
	cfg.Deviation.Nozzle = 50
	d.UpdateConfig(cfg)
	assert.Empty(t, d.Observe(context.Background(), "dev", nil, running(260, 220), job, t0).Anomalies)
}
