package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"printwatch/internal/config"
	"printwatch/internal/devstate"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

type sampleClock struct {
	last time.Time
}

// Sampler persists at most one snapshot per interval per device. The
// interval is shorter while the printer is preparing or printing.
type Sampler struct {
	cfg    atomic.Value
	writer storage.Writer
	last   *devstate.Map[sampleClock]
}

func NewSampler(cfg config.SamplingConfig, writer storage.Writer) *Sampler {
	s := &Sampler{writer: writer, last: devstate.New[sampleClock](nil)}
	s.cfg.Store(cfg)
	return s
}

func (s *Sampler) UpdateConfig(cfg config.SamplingConfig) {
	s.cfg.Store(cfg)
}

func (s *Sampler) interval(state model.GcodeState) time.Duration {
	cfg := s.cfg.Load().(config.SamplingConfig)
	if state.Active() {
		return cfg.ActiveInterval
	}
	return cfg.IdleInterval
}

// Maybe queues a sample when the device's interval has elapsed and reports
// whether it did.
func (s *Sampler) Maybe(deviceID string, jobID *int64, snap model.Snapshot, at time.Time) bool {
	clock := s.last.Get(deviceID)
	if !clock.last.IsZero() && at.Sub(clock.last) < s.interval(snap.GcodeState) {
		return false
	}
	clock.last = at
	sample := model.SampleFromSnapshot(deviceID, jobID, at, snap)
	s.writer.Enqueue("insert sample", func(ctx context.Context, st storage.Store) error {
		return st.InsertSample(ctx, sample)
	})
	return true
}
