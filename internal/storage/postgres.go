package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS printers (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT 'Unknown',
			nozzle_diameter DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS print_jobs (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			task_id TEXT,
			subtask_name TEXT,
			gcode_file TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			end_state TEXT,
			progress_pct DOUBLE PRECISION,
			pause_count INTEGER NOT NULL DEFAULT 0,
			pause_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			anomaly_count INTEGER NOT NULL DEFAULT 0,
			hms_codes TEXT NOT NULL DEFAULT '[]',
			total_layers INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_print_jobs_device ON print_jobs(device_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			job_id BIGINT,
			ts TIMESTAMPTZ NOT NULL,
			bed_temp DOUBLE PRECISION,
			bed_target DOUBLE PRECISION,
			nozzle_temp DOUBLE PRECISION,
			nozzle_target DOUBLE PRECISION,
			nozzle2_temp DOUBLE PRECISION,
			nozzle2_target DOUBLE PRECISION,
			chamber_temp DOUBLE PRECISION,
			part_fan_speed INTEGER,
			aux_fan_speed INTEGER,
			chamber_fan_speed INTEGER,
			progress DOUBLE PRECISION,
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
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			job_id BIGINT,
			ts TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			code TEXT,
			message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, ts)`,
		`CREATE TABLE IF NOT EXISTS layer_transitions (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			job_id BIGINT,
			ts TIMESTAMPTZ NOT NULL,
			layer_num INTEGER NOT NULL,
			duration_sec DOUBLE PRECISION,
			nozzle_temp DOUBLE PRECISION,
			nozzle_target DOUBLE PRECISION,
			bed_temp DOUBLE PRECISION,
			bed_target DOUBLE PRECISION,
			chamber_temp DOUBLE PRECISION,
			speed_level INTEGER,
			progress DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_layer_transitions_job ON layer_transitions(job_id, layer_num)`,
		`CREATE TABLE IF NOT EXISTS temp_anomalies (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			job_id BIGINT,
			ts TIMESTAMPTZ NOT NULL,
			sensor TEXT NOT NULL,
			actual_temp DOUBLE PRECISION NOT NULL,
			target_temp DOUBLE PRECISION,
			deviation DOUBLE PRECISION,
			rate_of_change DOUBLE PRECISION,
			layer_num INTEGER,
			anomaly_type TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_temp_anomalies_job ON temp_anomalies(job_id, ts)`,
		`CREATE TABLE IF NOT EXISTS job_pauses (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL,
			job_id BIGINT NOT NULL,
			paused_at TIMESTAMPTZ NOT NULL,
			resumed_at TIMESTAMPTZ,
			source TEXT NOT NULL,
			layer_num INTEGER,
			progress DOUBLE PRECISION,
			hms_codes TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_pauses_job ON job_pauses(job_id)`,
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			device_id TEXT,
			condition_type TEXT NOT NULL,
			condition_config TEXT NOT NULL DEFAULT '{}',
			notify_via TEXT NOT NULL DEFAULT 'console',
			notify_config TEXT NOT NULL DEFAULT '{}',
			cooldown_sec INTEGER NOT NULL DEFAULT 300,
			last_fired_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/printwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgresDB(db), nil
}

// NewPostgresDB wraps an open handle, for callers that manage the pool.
func NewPostgresDB(db *sql.DB) Store {
	return &sqlStore{db: db, d: postgresDialect}
}
