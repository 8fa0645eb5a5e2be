package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS printers (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT 'Unknown',
			nozzle_diameter REAL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS print_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			task_id TEXT,
			subtask_name TEXT,
			gcode_file TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			end_state TEXT,
			progress_pct REAL,
			pause_count INTEGER NOT NULL DEFAULT 0,
			pause_seconds REAL NOT NULL DEFAULT 0,
			anomaly_count INTEGER NOT NULL DEFAULT 0,
			hms_codes TEXT NOT NULL DEFAULT '[]',
			total_layers INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_print_jobs_device ON print_jobs(device_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			job_id INTEGER,
			ts TIMESTAMP NOT NULL,
			bed_temp REAL,
			bed_target REAL,
			nozzle_temp REAL,
			nozzle_target REAL,
			nozzle2_temp REAL,
			nozzle2_target REAL,
			chamber_temp REAL,
			part_fan_speed INTEGER,
			aux_fan_speed INTEGER,
			chamber_fan_speed INTEGER,
			progress REAL,
			layer_num INTEGER,
			total_layers INTEGER,
			remaining_min INTEGER,
			gcode_state TEXT,
			speed_level INTEGER,
			wifi_signal INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON samples(device_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_job ON samples(job_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			job_id INTEGER,
			ts TIMESTAMP NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			code TEXT,
			message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS layer_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			job_id INTEGER,
			ts TIMESTAMP NOT NULL,
			layer_num INTEGER NOT NULL,
			duration_sec REAL,
			nozzle_temp REAL,
			nozzle_target REAL,
			bed_temp REAL,
			bed_target REAL,
			chamber_temp REAL,
			speed_level INTEGER,
			progress REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_layer_transitions_job ON layer_transitions(job_id, layer_num)`,
		`CREATE TABLE IF NOT EXISTS temp_anomalies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			job_id INTEGER,
			ts TIMESTAMP NOT NULL,
			sensor TEXT NOT NULL,
			actual_temp REAL NOT NULL,
			target_temp REAL,
			deviation REAL,
			rate_of_change REAL,
			layer_num INTEGER,
			anomaly_type TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_temp_anomalies_job ON temp_anomalies(job_id, ts)`,
		`CREATE TABLE IF NOT EXISTS job_pauses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			job_id INTEGER NOT NULL,
			paused_at TIMESTAMP NOT NULL,
			resumed_at TIMESTAMP,
			source TEXT NOT NULL,
			layer_num INTEGER,
			progress REAL,
			hms_codes TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_pauses_job ON job_pauses(job_id)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			device_id TEXT,
			condition_type TEXT NOT NULL,
			condition_config TEXT NOT NULL DEFAULT '{}',
			notify_via TEXT NOT NULL DEFAULT 'console',
			notify_config TEXT NOT NULL DEFAULT '{}',
			cooldown_sec INTEGER NOT NULL DEFAULT 300,
			last_fired_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:printwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	return &sqlStore{db: db, d: sqliteDialect}, nil
}
