package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"printwatch/internal/config"
	"printwatch/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Init(ctx context.Context) error
	Close() error

	UpsertPrinter(ctx context.Context, p model.Printer) error
	GetPrinter(ctx context.Context, deviceID string) (model.Printer, error)
	ListPrinters(ctx context.Context) ([]model.Printer, error)

	StartJob(ctx context.Context, job model.PrintJob) (int64, error)
	EndJob(ctx context.Context, jobID int64, endedAt time.Time, endState model.GcodeState, progress *float64) error
	GetActiveJob(ctx context.Context, deviceID string) (*model.PrintJob, error)
	GetJob(ctx context.Context, jobID int64) (model.PrintJob, error)
	ListJobs(ctx context.Context, deviceID string, limit int) ([]model.PrintJob, error)
	UpdateJobTotalLayers(ctx context.Context, jobID int64, total int) error
	IncrementJobAnomalyCount(ctx context.Context, jobID int64) error
	IncrementJobPauseCount(ctx context.Context, jobID int64) error
	AddJobPauseDuration(ctx context.Context, jobID int64, seconds float64) error
	AddJobHMSCode(ctx context.Context, jobID int64, code string) error

	InsertSample(ctx context.Context, s model.Sample) error
	InsertEvent(ctx context.Context, ev model.Event) (int64, error)
	RecentEvents(ctx context.Context, deviceID string, limit int) ([]model.Event, error)
	InsertLayerTransition(ctx context.Context, lt model.LayerTransition) error
	InsertTempAnomaly(ctx context.Context, a model.TempAnomaly) error

	InsertJobPause(ctx context.Context, p model.JobPause) (int64, error)
	ResumeJobPause(ctx context.Context, pauseID int64, resumedAt time.Time) error
	GetOpenPause(ctx context.Context, jobID int64) (*model.JobPause, error)

	ListAlertRules(ctx context.Context) ([]model.AlertRule, error)
	CreateAlertRule(ctx context.Context, r model.AlertRule) (int64, error)
	UpdateAlertRule(ctx context.Context, r model.AlertRule) error
	UpdateAlertRuleFired(ctx context.Context, ruleID int64, at time.Time) error

	DeleteOldSamples(ctx context.Context, before time.Time) (int64, error)
	DeleteOldEvents(ctx context.Context, before time.Time) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

func mergeCode(codes []string, code string) ([]string, bool) {
	for _, c := range codes {
		if c == code {
			return codes, false
		}
	}
	return append(codes, code), true
}
