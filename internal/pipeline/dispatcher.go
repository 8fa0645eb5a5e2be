// Package pipeline runs each device's reports through the processing stages
// in arrival order, one goroutine per device.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"printwatch/internal/alerts"
	"printwatch/internal/anomaly"
	"printwatch/internal/broadcast"
	"printwatch/internal/config"
	"printwatch/internal/events"
	"printwatch/internal/hms"
	"printwatch/internal/ingest"
	"printwatch/internal/lifecycle"
	"printwatch/internal/live"
	"printwatch/internal/model"
	"printwatch/internal/reconcile"
	"printwatch/internal/storage"
)

// Stages are the collaborators a report flows through. Store and Writer are
// required; nil Live, HMS, Lifecycle, Anomaly and Broadcast get defaults and
// a nil Alerts skips rule evaluation.
type Stages struct {
	Store     storage.Store
	Writer    storage.Writer
	Live      *live.Store
	Events    *events.Store
	Broadcast broadcast.Broadcaster
	Lifecycle *lifecycle.Tracker
	Anomaly   *anomaly.Detector
	HMS       *hms.Tracker
	Alerts    *alerts.Engine
	Logger    *slog.Logger
}

type Options struct {
	QueueSize  int
	Sampling   config.SamplingConfig
	Anomaly    config.AnomalyConfig
	StageLimit time.Duration
}

type workKind int

const (
	workReport workKind = iota
	workConnected
	workDisconnected
	workReset
	workBarrier
)

type work struct {
	kind    workKind
	payload []byte
	at      time.Time
	done    chan struct{}
}

type actor struct {
	deviceID   string
	queue      chan work
	reconciler *reconcile.Reconciler
	last       *model.Snapshot
	name       string
}

// Dispatcher implements ingest.Sink.
type Dispatcher struct {
	st      Stages
	sampler *Sampler
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	actors map[string]*actor
	closed bool
}

var _ ingest.Sink = (*Dispatcher)(nil)

var ErrClosed = errors.New("pipeline closed")

func New(opts Options, st Stages) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.StageLimit <= 0 {
		opts.StageLimit = 10 * time.Second
	}
	if st.Writer == nil {
		st.Writer = storage.Inline{Store: st.Store, Logger: st.Logger}
	}
	if st.Live == nil {
		st.Live = live.NewStore(0)
	}
	if st.HMS == nil {
		st.HMS = hms.NewTracker()
	}
	if st.Broadcast == nil {
		st.Broadcast = broadcast.Discard{}
	}
	if st.Lifecycle == nil {
		st.Lifecycle = lifecycle.NewTracker(st.Store, st.Writer, st.Logger)
	}
	if st.Anomaly == nil {
		st.Anomaly = anomaly.NewDetector(opts.Anomaly, st.Store, st.Writer, st.Logger)
	}
	st.Lifecycle.OnJobOpened(st.Anomaly.Reset)

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		st:      st,
		sampler: NewSampler(opts.Sampling, st.Writer),
		opts:    opts,
		logger:  st.Logger,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		actors:  make(map[string]*actor),
	}
}

func (d *Dispatcher) UpdateConfig(cfg *config.Config) {
	d.sampler.UpdateConfig(cfg.Sampling)
	d.st.Anomaly.UpdateConfig(cfg.Anomaly)
}

// actorLocked returns the device's worker, starting it on first use. The caller
// holds d.mu for reading.
func (d *Dispatcher) actorLocked(deviceID string) *actor {
	if a, ok := d.actors[deviceID]; ok {
		return a
	}
	d.mu.RUnlock()
	d.mu.Lock()
	a, ok := d.actors[deviceID]
	if !ok && !d.closed {
		a = &actor{
			deviceID:   deviceID,
			queue:      make(chan work, d.opts.QueueSize),
			reconciler: reconcile.NewReconciler(),
		}
		d.actors[deviceID] = a
		d.wg.Add(1)
		go d.run(a)
	}
	d.mu.Unlock()
	d.mu.RLock()
	return a
}

// Submit queues one raw report. It never blocks; a full device queue drops
// the report.
func (d *Dispatcher) Submit(deviceID string, payload []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || deviceID == "" {
		return false
	}
	a := d.actorLocked(deviceID)
	if a == nil || d.closed {
		return false
	}
	return ingest.SendNonBlocking(d.ctx, a.queue, work{kind: workReport, payload: payload, at: d.now()}, d.logger, "device_id", deviceID)
}

func (d *Dispatcher) control(deviceID string, kind workKind) chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || deviceID == "" {
		return nil
	}
	a := d.actorLocked(deviceID)
	if a == nil || d.closed {
		return nil
	}
	w := work{kind: kind, at: d.now(), done: make(chan struct{})}
	select {
	case a.queue <- w:
		return w.done
	case <-d.ctx.Done():
		return nil
	}
}

// Connected discards the device's merged tree so the next full report
// rebuilds it.
func (d *Dispatcher) Connected(deviceID string) { d.control(deviceID, workConnected) }

func (d *Dispatcher) Disconnected(deviceID string) { d.control(deviceID, workDisconnected) }

// Reset drops every piece of per-device tracking state.
func (d *Dispatcher) Reset(deviceID string) { d.control(deviceID, workReset) }

// Flush waits until every report queued so far has been processed.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	ids := make([]string, 0, len(d.actors))
	for id := range d.actors {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	for _, id := range ids {
		done := d.control(id, workBarrier)
		if done == nil {
			return ErrClosed
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting work, drains every device queue and waits.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, a := range d.actors {
		close(a.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func (d *Dispatcher) run(a *actor) {
	defer d.wg.Done()
	for w := range a.queue {
		d.handle(a, w)
		if w.done != nil {
			close(w.done)
		}
	}
}

func (d *Dispatcher) handle(a *actor, w work) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error("pipeline stage panicked", "device_id", a.deviceID, "panic", r)
		}
	}()
	switch w.kind {
	case workReport:
		d.report(a, w.payload, w.at)
	case workConnected:
		a.reconciler.Reset()
		d.publishState(a.deviceID, d.st.Live.SetConnected(a.deviceID, true, w.at))
	case workDisconnected:
		d.publishState(a.deviceID, d.st.Live.SetConnected(a.deviceID, false, w.at))
	case workReset:
		a.reconciler.Reset()
		a.last = nil
		d.st.HMS.Forget(a.deviceID)
		d.st.Anomaly.Reset(a.deviceID)
	}
}

func (d *Dispatcher) report(a *actor, payload []byte, at time.Time) {
	snap, ok := a.reconciler.Apply(payload)
	if !ok {
		if d.logger != nil {
			d.logger.Debug("dropping undecodable report", "device_id", a.deviceID, "bytes", len(payload))
		}
		return
	}
	// A tree without a print state is a partial report after a reconnect;
	// the live view and the stages wait for the next full report.
	if !a.reconciler.Ready() {
		return
	}
	id := a.deviceID
	d.publishState(id, d.st.Live.Update(id, snap, at))
	prev := a.last
	a.last = &snap

	ctx, cancel := context.WithTimeout(d.ctx, d.opts.StageLimit)
	defer cancel()

	lc := d.st.Lifecycle.Observe(ctx, id, prev, snap, at)
	if lc.Event != nil {
		d.publishEvent(*lc.Event)
	}
	job := lc.Job

	d.sampler.Maybe(id, jobID(job), snap, at)

	for _, e := range d.st.HMS.Appeared(id, snap.HMSErrors) {
		ev := model.Event{
			DeviceID: id,
			JobID:    jobID(job),
			At:       at,
			Kind:     model.EventHMSError,
			Severity: model.SeverityError,
			Code:     e.Key,
			Message:  e.Description,
		}
		d.st.Writer.Enqueue("insert hms event", func(ctx context.Context, s storage.Store) error {
			_, err := s.InsertEvent(ctx, ev)
			return err
		})
		d.publishEvent(ev)
		if d.logger != nil {
			d.logger.Warn("hms error", "device_id", id, "code", e.Key, "description", e.Description)
		}
	}

	d.st.Anomaly.Observe(ctx, id, prev, snap, job, at)

	if d.st.Alerts != nil {
		for _, ev := range d.st.Alerts.Evaluate(ctx, id, d.printerName(ctx, a), snap, job, at) {
			d.publishEvent(ev)
		}
	}
}

func (d *Dispatcher) printerName(ctx context.Context, a *actor) string {
	if a.name != "" {
		return a.name
	}
	a.name = a.deviceID
	if d.st.Store == nil {
		return a.name
	}
	p, err := d.st.Store.GetPrinter(ctx, a.deviceID)
	if err == nil && p.Name != "" {
		a.name = p.Name
	}
	return a.name
}

func (d *Dispatcher) publishState(deviceID string, e live.Entry) {
	d.st.Broadcast.Broadcast(live.StateMessage(deviceID, e))
}

func (d *Dispatcher) publishEvent(ev model.Event) {
	if d.st.Events != nil {
		d.st.Events.Add(ev)
	}
	d.st.Broadcast.Broadcast(model.Message{Type: model.MessageEvent, Data: ev})
}

func jobID(job *model.PrintJob) *int64 {
	if job == nil {
		return nil
	}
	id := job.ID
	return &id
}
