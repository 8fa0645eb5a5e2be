package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"printwatch/internal/model"
)

// dialect captures what differs between the SQL backends. Queries are
// written with ? placeholders and rebound per dialect.
type dialect struct {
	name     string
	numbered bool
	schema   []string
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) UpsertPrinter(ctx context.Context, p model.Printer) error {
	now := nowUTC()
	_, err := s.exec(ctx,
		`INSERT INTO printers (device_id, name, model, nozzle_diameter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			nozzle_diameter = COALESCE(excluded.nozzle_diameter, printers.nozzle_diameter),
			updated_at = excluded.updated_at`,
		p.DeviceID, p.Name, p.Model, nullFloat(p.NozzleDiameter), now, now)
	if err != nil {
		return fmt.Errorf("upsert printer %s: %w", p.DeviceID, err)
	}
	return nil
}

const printerColumns = `device_id, name, model, nozzle_diameter, created_at, updated_at`

func scanPrinter(row rowScanner) (model.Printer, error) {
	var p model.Printer
	var nozzle sql.NullFloat64
	var created, updated dbTime
	if err := row.Scan(&p.DeviceID, &p.Name, &p.Model, &nozzle, &created, &updated); err != nil {
		return p, err
	}
	p.NozzleDiameter = floatPtr(nozzle)
	p.CreatedAt, p.UpdatedAt = created.Time, updated.Time
	return p, nil
}

func (s *sqlStore) GetPrinter(ctx context.Context, deviceID string) (model.Printer, error) {
	p, err := scanPrinter(s.queryRow(ctx, `SELECT `+printerColumns+` FROM printers WHERE device_id = ?`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *sqlStore) ListPrinters(ctx context.Context) ([]model.Printer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+printerColumns+` FROM printers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list printers: %w", err)
	}
	defer rows.Close()
	out := make([]model.Printer, 0)
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) StartJob(ctx context.Context, job model.PrintJob) (int64, error) {
	started := job.StartedAt
	if started.IsZero() {
		started = nowUTC()
	}
	id, err := s.insertID(ctx,
		`INSERT INTO print_jobs (device_id, task_id, subtask_name, gcode_file, started_at, hms_codes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.DeviceID, job.TaskID, job.SubtaskName, job.GcodeFile, started.UTC(), encodeJSON(nonNil(job.HMSCodes)))
	if err != nil {
		return 0, fmt.Errorf("start job for %s: %w", job.DeviceID, err)
	}
	return id, nil
}

func (s *sqlStore) EndJob(ctx context.Context, jobID int64, endedAt time.Time, endState model.GcodeState, progress *float64) error {
	res, err := s.exec(ctx,
		`UPDATE print_jobs SET ended_at = ?, end_state = ?, progress_pct = ? WHERE id = ?`,
		endedAt.UTC(), string(endState), nullFloat(progress), jobID)
	if err != nil {
		return fmt.Errorf("end job %d: %w", jobID, err)
	}
	return requireRow(res)
}

const jobColumns = `id, device_id, task_id, subtask_name, gcode_file, started_at, ended_at, end_state,
	progress_pct, pause_count, pause_seconds, anomaly_count, hms_codes, total_layers`

func scanJob(row rowScanner) (model.PrintJob, error) {
	var j model.PrintJob
	var taskID, subtask, file, endState, codes sql.NullString
	var started, ended dbTime
	var progress sql.NullFloat64
	var layers sql.NullInt64
	if err := row.Scan(&j.ID, &j.DeviceID, &taskID, &subtask, &file, &started, &ended, &endState,
		&progress, &j.PauseCount, &j.PauseSeconds, &j.AnomalyCount, &codes, &layers); err != nil {
		return j, err
	}
	j.TaskID, j.SubtaskName, j.GcodeFile = taskID.String, subtask.String, file.String
	j.StartedAt = started.Time
	j.EndedAt = ended.Ptr()
	if endState.Valid && endState.String != "" {
		st := model.GcodeState(endState.String)
		j.EndState = &st
	}
	j.ProgressPct = floatPtr(progress)
	j.HMSCodes = decodeCodes(codes.String)
	j.TotalLayers = intPtr(layers)
	return j, nil
}

// GetActiveJob returns the device's open job, or nil when none is open.
func (s *sqlStore) GetActiveJob(ctx context.Context, deviceID string) (*model.PrintJob, error) {
	j, err := scanJob(s.queryRow(ctx,
		`SELECT `+jobColumns+` FROM print_jobs
		WHERE device_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC, id DESC LIMIT 1`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job for %s: %w", deviceID, err)
	}
	return &j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, jobID int64) (model.PrintJob, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context, deviceID string, limit int) ([]model.PrintJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+jobColumns+` FROM print_jobs WHERE device_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`),
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", deviceID, err)
	}
	defer rows.Close()
	out := make([]model.PrintJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateJobTotalLayers(ctx context.Context, jobID int64, total int) error {
	_, err := s.exec(ctx, `UPDATE print_jobs SET total_layers = ? WHERE id = ?`, total, jobID)
	return wrap("update total layers", err)
}

func (s *sqlStore) IncrementJobAnomalyCount(ctx context.Context, jobID int64) error {
	_, err := s.exec(ctx, `UPDATE print_jobs SET anomaly_count = anomaly_count + 1 WHERE id = ?`, jobID)
	return wrap("increment anomaly count", err)
}

func (s *sqlStore) IncrementJobPauseCount(ctx context.Context, jobID int64) error {
	_, err := s.exec(ctx, `UPDATE print_jobs SET pause_count = pause_count + 1 WHERE id = ?`, jobID)
	return wrap("increment pause count", err)
}

func (s *sqlStore) AddJobPauseDuration(ctx context.Context, jobID int64, seconds float64) error {
	_, err := s.exec(ctx, `UPDATE print_jobs SET pause_seconds = pause_seconds + ? WHERE id = ?`, seconds, jobID)
	return wrap("add pause duration", err)
}

func (s *sqlStore) AddJobHMSCode(ctx context.Context, jobID int64, code string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("add hms code", err)
	}
	var raw sql.NullString
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT hms_codes FROM print_jobs WHERE id = ?`), jobID).Scan(&raw); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return wrap("add hms code", err)
	}
	codes, changed := mergeCode(decodeCodes(raw.String), code)
	if !changed {
		return tx.Rollback()
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE print_jobs SET hms_codes = ? WHERE id = ?`), encodeJSON(codes), jobID); err != nil {
		_ = tx.Rollback()
		return wrap("add hms code", err)
	}
	return tx.Commit()
}

func (s *sqlStore) InsertSample(ctx context.Context, sm model.Sample) error {
	_, err := s.exec(ctx,
		`INSERT INTO samples (device_id, job_id, ts, bed_temp, bed_target, nozzle_temp, nozzle_target,
			nozzle2_temp, nozzle2_target, chamber_temp, part_fan_speed, aux_fan_speed, chamber_fan_speed,
			progress, layer_num, total_layers, remaining_min, gcode_state, speed_level, wifi_signal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.DeviceID, nullInt64(sm.JobID), tsOrNow(sm.At),
		nullFloat(sm.BedTemp), nullFloat(sm.BedTarget), nullFloat(sm.NozzleTemp), nullFloat(sm.NozzleTarget),
		nullFloat(sm.Nozzle2Temp), nullFloat(sm.Nozzle2Target), nullFloat(sm.ChamberTemp),
		nullInt(sm.PartFanSpeed), nullInt(sm.AuxFanSpeed), nullInt(sm.ChamberFanSpeed),
		nullFloat(sm.Progress), nullInt(sm.LayerNum), nullInt(sm.TotalLayers), nullInt(sm.RemainingMin),
		string(sm.GcodeState), nullInt(sm.SpeedLevel), nullInt(sm.WifiSignal))
	return wrap("insert sample", err)
}

func (s *sqlStore) InsertEvent(ctx context.Context, ev model.Event) (int64, error) {
	severity := ev.Severity
	if severity == "" {
		severity = model.SeverityInfo
	}
	id, err := s.insertID(ctx,
		`INSERT INTO events (device_id, job_id, ts, event_type, severity, code, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.DeviceID, nullInt64(ev.JobID), tsOrNow(ev.At), string(ev.Kind), string(severity), nullString(ev.Code), ev.Message)
	if err != nil {
		return 0, wrap("insert event", err)
	}
	return id, nil
}

// RecentEvents lists the newest events first. An empty deviceID lists all devices.
func (s *sqlStore) RecentEvents(ctx context.Context, deviceID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, device_id, job_id, ts, event_type, severity, code, message FROM events`
	args := make([]any, 0, 2)
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, wrap("recent events", err)
	}
	defer rows.Close()
	out := make([]model.Event, 0)
	for rows.Next() {
		var ev model.Event
		var jobID sql.NullInt64
		var ts dbTime
		var kind, severity string
		var code, message sql.NullString
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &jobID, &ts, &kind, &severity, &code, &message); err != nil {
			return nil, err
		}
		ev.JobID = int64Ptr(jobID)
		ev.At = ts.Time
		ev.Kind, ev.Severity = model.EventKind(kind), model.Severity(severity)
		ev.Code, ev.Message = code.String, message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertLayerTransition(ctx context.Context, lt model.LayerTransition) error {
	_, err := s.exec(ctx,
		`INSERT INTO layer_transitions (device_id, job_id, ts, layer_num, duration_sec, nozzle_temp, nozzle_target,
			bed_temp, bed_target, chamber_temp, speed_level, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lt.DeviceID, nullInt64(lt.JobID), tsOrNow(lt.At), lt.LayerNum, nullFloat(lt.DurationSec),
		nullFloat(lt.NozzleTemp), nullFloat(lt.NozzleTarget), nullFloat(lt.BedTemp), nullFloat(lt.BedTarget),
		nullFloat(lt.ChamberTemp), nullInt(lt.SpeedLevel), nullFloat(lt.Progress))
	return wrap("insert layer transition", err)
}

func (s *sqlStore) InsertTempAnomaly(ctx context.Context, a model.TempAnomaly) error {
	_, err := s.exec(ctx,
		`INSERT INTO temp_anomalies (device_id, job_id, ts, sensor, actual_temp, target_temp, deviation,
			rate_of_change, layer_num, anomaly_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.DeviceID, nullInt64(a.JobID), tsOrNow(a.At), a.Sensor, a.ActualTemp, nullFloat(a.TargetTemp),
		nullFloat(a.Deviation), nullFloat(a.RateOfChange), nullInt(a.LayerNum), string(a.Kind))
	return wrap("insert temp anomaly", err)
}

func (s *sqlStore) InsertJobPause(ctx context.Context, p model.JobPause) (int64, error) {
	id, err := s.insertID(ctx,
		`INSERT INTO job_pauses (device_id, job_id, paused_at, source, layer_num, progress, hms_codes)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.DeviceID, p.JobID, tsOrNow(p.PausedAt), string(p.Source), nullInt(p.LayerNum), nullFloat(p.Progress),
		encodeJSON(nonNil(p.HMSCodes)))
	if err != nil {
		return 0, wrap("insert job pause", err)
	}
	return id, nil
}

func (s *sqlStore) ResumeJobPause(ctx context.Context, pauseID int64, resumedAt time.Time) error {
	res, err := s.exec(ctx, `UPDATE job_pauses SET resumed_at = ? WHERE id = ? AND resumed_at IS NULL`, resumedAt.UTC(), pauseID)
	if err != nil {
		return wrap("resume job pause", err)
	}
	return requireRow(res)
}

// GetOpenPause returns the job's unresolved pause, or nil when there is none.
func (s *sqlStore) GetOpenPause(ctx context.Context, jobID int64) (*model.JobPause, error) {
	var p model.JobPause
	var paused dbTime
	var source string
	var layer sql.NullInt64
	var progress sql.NullFloat64
	var codes sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, device_id, job_id, paused_at, source, layer_num, progress, hms_codes FROM job_pauses
		WHERE job_id = ? AND resumed_at IS NULL ORDER BY paused_at DESC, id DESC LIMIT 1`, jobID).
		Scan(&p.ID, &p.DeviceID, &p.JobID, &paused, &source, &layer, &progress, &codes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("open pause", err)
	}
	p.PausedAt = paused.Time
	p.Source = model.PauseSource(source)
	p.LayerNum = intPtr(layer)
	p.Progress = floatPtr(progress)
	p.HMSCodes = decodeCodes(codes.String)
	return &p, nil
}

func (s *sqlStore) ListAlertRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, enabled, device_id, condition_type, condition_config, notify_via, notify_config,
			cooldown_sec, last_fired_at
		FROM alert_rules ORDER BY name, id`)
	if err != nil {
		return nil, wrap("list alert rules", err)
	}
	defer rows.Close()
	out := make([]model.AlertRule, 0)
	for rows.Next() {
		var r model.AlertRule
		var deviceID sql.NullString
		var condType, notifyVia string
		var fired dbTime
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &deviceID, &condType, &r.ConditionConfig,
			&notifyVia, &r.NotifyConfig, &r.CooldownSec, &fired); err != nil {
			return nil, err
		}
		r.DeviceID = deviceID.String
		r.ConditionType = model.ConditionType(condType)
		r.NotifyVia = model.NotifyChannel(notifyVia)
		r.LastFiredAt = fired.Ptr()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateAlertRule(ctx context.Context, r model.AlertRule) (int64, error) {
	condCfg, notifyCfg := r.ConditionConfig, r.NotifyConfig
	if condCfg == "" {
		condCfg = "{}"
	}
	if notifyCfg == "" {
		notifyCfg = "{}"
	}
	via := r.NotifyVia
	if via == "" {
		via = model.NotifyConsole
	}
	id, err := s.insertID(ctx,
		`INSERT INTO alert_rules (name, enabled, device_id, condition_type, condition_config, notify_via,
			notify_config, cooldown_sec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Enabled, nullString(r.DeviceID), string(r.ConditionType), condCfg, string(via), notifyCfg,
		r.CooldownSec, nowUTC())
	if err != nil {
		return 0, wrap("create alert rule", err)
	}
	return id, nil
}

// UpdateAlertRule rewrites a rule's definition. The fired timestamp is kept.
func (s *sqlStore) UpdateAlertRule(ctx context.Context, r model.AlertRule) error {
	res, err := s.exec(ctx,
		`UPDATE alert_rules SET name = ?, enabled = ?, device_id = ?, condition_type = ?, condition_config = ?,
			notify_via = ?, notify_config = ?, cooldown_sec = ?
		WHERE id = ?`,
		r.Name, r.Enabled, nullString(r.DeviceID), string(r.ConditionType), nonEmpty(r.ConditionConfig, "{}"),
		nonEmpty(string(r.NotifyVia), string(model.NotifyConsole)), nonEmpty(r.NotifyConfig, "{}"), r.CooldownSec, r.ID)
	if err != nil {
		return wrap("update alert rule", err)
	}
	return requireRow(res)
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (s *sqlStore) UpdateAlertRuleFired(ctx context.Context, ruleID int64, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE alert_rules SET last_fired_at = ? WHERE id = ?`, at.UTC(), ruleID)
	return wrap("update rule fired", err)
}

func (s *sqlStore) DeleteOldSamples(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, "samples", before)
}

func (s *sqlStore) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	return s.deleteBefore(ctx, "events", before)
}

func (s *sqlStore) deleteBefore(ctx context.Context, table string, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM `+table+` WHERE ts < ?`, before.UTC())
	if err != nil {
		return 0, wrap("delete old "+table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// dbTime scans timestamps from drivers that return time.Time as well as
// drivers that hand back the stored text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	case int64:
		t.Time, t.Valid = time.Unix(x, 0).UTC(), true
		return nil
	}
	return fmt.Errorf("unsupported time value %T", v)
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		t.Valid = false
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = ts.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

func (t dbTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeCodes(raw string) []string {
	codes := make([]string, 0)
	if raw == "" {
		return codes
	}
	_ = json.Unmarshal([]byte(raw), &codes)
	if codes == nil {
		codes = make([]string, 0)
	}
	return codes
}

func nonNil(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func tsOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return nowUTC()
	}
	return t.UTC()
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
