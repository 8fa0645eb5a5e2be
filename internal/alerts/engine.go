// Package alerts evaluates user-defined alert rules against live snapshots.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"printwatch/internal/devstate"
	"printwatch/internal/model"
	"printwatch/internal/notify"
	"printwatch/internal/storage"
)

// Dispatcher hands a notification to a background delivery pool.
type Dispatcher interface {
	Dispatch(n notify.Notifier, p notify.Payload) bool
}

type tracked struct {
	seen       bool
	state      model.GcodeState
	progress   *float64
	progressAt time.Time
}

type trigger struct {
	severity model.Severity
	message  string
}

type Engine struct {
	store      storage.Store
	writer     storage.Writer
	dispatcher Dispatcher
	console    notify.Notifier
	webhooks   *notify.WebhookClient
	logger     *slog.Logger

	mu       sync.RWMutex
	rules    []Rule
	cooldown *Cooldown
	devices  *devstate.Map[tracked]
}

func NewEngine(store storage.Store, writer storage.Writer, dispatcher Dispatcher, webhooks *notify.WebhookClient, logger *slog.Logger) *Engine {
	if writer == nil {
		writer = storage.Inline{Store: store, Logger: logger}
	}
	if webhooks == nil {
		webhooks = notify.NewWebhookClient(10 * time.Second)
	}
	return &Engine{
		store:      store,
		writer:     writer,
		dispatcher: dispatcher,
		console:    notify.Console{Logger: logger},
		webhooks:   webhooks,
		logger:     logger,
		cooldown:   NewCooldown(),
		devices:    devstate.New(func() *tracked { return &tracked{} }),
	}
}

// Load replaces the active rule set with the rules in storage. Rules that
// fail to parse are logged and skipped.
func (e *Engine) Load(ctx context.Context) error {
	stored, err := e.store.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	e.SetRules(stored)
	return nil
}

func (e *Engine) SetRules(stored []model.AlertRule) {
	rules := make([]Rule, 0, len(stored))
	for _, r := range stored {
		parsed, err := ParseRule(r)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("skipping invalid alert rule", "rule_id", r.ID, "err", err)
			}
			continue
		}
		if r.LastFiredAt != nil {
			e.cooldown.Seed(r.ID, *r.LastFiredAt)
		}
		rules = append(rules, parsed)
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("alert rules loaded", "count", len(rules), "skipped", len(stored)-len(rules))
	}
}

func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every applicable rule against snap and returns the
// alert_fired events it produced. job is the device's open job, or nil.
func (e *Engine) Evaluate(ctx context.Context, deviceID, printerName string, snap model.Snapshot, job *model.PrintJob, at time.Time) []model.Event {
	tr := e.devices.Get(deviceID)
	if printerName == "" {
		printerName = deviceID
	}

	var fired []model.Event
	for _, rule := range e.Rules() {
		if !rule.Enabled || (rule.DeviceID != "" && rule.DeviceID != deviceID) {
			continue
		}
		if ev, ok := e.evaluateRule(rule, deviceID, printerName, tr, snap, job, at); ok {
			fired = append(fired, ev)
		}
	}

	tr.seen = true
	tr.state = snap.GcodeState
	if snap.Progress != nil && (tr.progress == nil || *tr.progress != *snap.Progress) {
		p := *snap.Progress
		tr.progress = &p
		tr.progressAt = at
	}
	return fired
}

func (e *Engine) evaluateRule(rule Rule, deviceID, printerName string, tr *tracked, snap model.Snapshot, job *model.PrintJob, at time.Time) (ev model.Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if e.logger != nil {
				e.logger.Error("alert rule panicked", "rule_id", rule.ID, "device_id", deviceID, "panic", r)
			}
		}
	}()

	cooldown := time.Duration(rule.CooldownSec) * time.Second
	if !e.cooldown.Ready(rule.ID, cooldown, at) {
		return model.Event{}, false
	}
	t := check(rule.Condition, tr, snap, at)
	if t == nil {
		return model.Event{}, false
	}
	if !e.cooldown.Allow(rule.ID, cooldown, at) {
		return model.Event{}, false
	}
	return e.fire(rule, deviceID, printerName, *t, job, at), true
}

func (e *Engine) fire(rule Rule, deviceID, printerName string, t trigger, job *model.PrintJob, at time.Time) model.Event {
	if e.logger != nil {
		e.logger.Warn("alert fired", "rule_id", rule.ID, "device_id", deviceID, "message", t.message)
	}
	ev := model.Event{
		DeviceID: deviceID,
		At:       at,
		Kind:     model.EventAlertFired,
		Severity: t.severity,
		Code:     string(rule.ConditionType),
		Message:  fmt.Sprintf("[%s] %s", rule.Name, t.message),
	}
	if job != nil {
		id := job.ID
		ev.JobID = &id
	}
	e.writer.Enqueue("insert alert event", func(ctx context.Context, s storage.Store) error {
		_, err := s.InsertEvent(ctx, ev)
		return err
	})
	ruleID := rule.ID
	e.writer.Enqueue("update rule fired", func(ctx context.Context, s storage.Store) error {
		return s.UpdateAlertRuleFired(ctx, ruleID, at)
	})

	if e.dispatcher != nil {
		payload := notify.Payload{
			RuleName:    rule.Name,
			DeviceID:    deviceID,
			PrinterName: printerName,
			Severity:    t.severity,
			Message:     t.message,
		}
		e.dispatcher.Dispatch(e.notifier(rule.Channel), payload)
	}
	return ev
}

func (e *Engine) notifier(ch Channel) notify.Notifier {
	if wh, ok := ch.(WebhookChannel); ok {
		return e.webhooks.Target(wh.URL, wh.Format)
	}
	return e.console
}

func check(c Condition, tr *tracked, snap model.Snapshot, at time.Time) *trigger {
	switch c := c.(type) {
	case StateChange:
		return checkStateChange(c, tr, snap)
	case HMSError:
		if len(snap.HMSErrors) == 0 {
			return nil
		}
		return &trigger{model.SeverityError, fmt.Sprintf("HMS error(s) detected: %d active", len(snap.HMSErrors))}
	case TempAnomaly:
		return checkTempAnomaly(c, snap)
	case TempThreshold:
		return checkTempThreshold(c, snap)
	case ProgressStall:
		return checkProgressStall(c, tr, snap, at)
	}
	return nil
}

func checkStateChange(c StateChange, tr *tracked, snap model.Snapshot) *trigger {
	if !tr.seen || tr.state == snap.GcodeState {
		return nil
	}
	for _, st := range c.States {
		if st != snap.GcodeState {
			continue
		}
		sev := model.SeverityInfo
		if st == model.StateFailed {
			sev = model.SeverityError
		}
		msg := "Print state changed to " + string(st)
		if snap.SubtaskName != "" {
			msg += " (" + snap.SubtaskName + ")"
		}
		return &trigger{sev, msg}
	}
	return nil
}

func checkTempAnomaly(c TempAnomaly, snap model.Snapshot) *trigger {
	var parts []string
	add := func(label string, actual, target *float64) {
		if actual == nil || target == nil || *target <= 0 {
			return
		}
		diff := math.Abs(*actual - *target)
		if diff > c.DeviationDeg {
			parts = append(parts, fmt.Sprintf("%s temp %s°C deviates %.1f°C from target %s°C", label, num(*actual), diff, num(*target)))
		}
	}
	add("Nozzle", snap.NozzleTemp, snap.NozzleTarget)
	add("Bed", snap.BedTemp, snap.BedTarget)
	if len(parts) == 0 {
		return nil
	}
	return &trigger{model.SeverityWarning, strings.Join(parts, "; ")}
}

func checkTempThreshold(c TempThreshold, snap model.Snapshot) *trigger {
	var actual *float64
	switch c.Sensor {
	case "nozzle":
		actual = snap.NozzleTemp
	case "nozzle2":
		actual = snap.Nozzle2Temp
	case "bed":
		actual = snap.BedTemp
	case "chamber":
		actual = snap.ChamberTemp
	}
	if actual == nil {
		return nil
	}
	op := "below"
	hit := *actual < c.Value
	if c.Above {
		op = "above"
		hit = *actual > c.Value
	}
	if !hit {
		return nil
	}
	return &trigger{model.SeverityWarning, fmt.Sprintf("%s temp (%s°C) is %s threshold (%s°C)", c.Sensor, num(*actual), op, num(c.Value))}
}

func checkProgressStall(c ProgressStall, tr *tracked, snap model.Snapshot, at time.Time) *trigger {
	if snap.GcodeState != model.StateRunning || tr.progress == nil || snap.Progress == nil {
		return nil
	}
	if *tr.progress != *snap.Progress {
		return nil
	}
	elapsed := at.Sub(tr.progressAt).Minutes()
	if elapsed < c.Minutes {
		return nil
	}
	return &trigger{model.SeverityWarning, fmt.Sprintf("Print progress stalled at %s%% for %d minutes", num(*snap.Progress), int(math.Round(elapsed)))}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
