// Package schedule runs the daemon's periodic jobs: a full resync of every
// connected printer, data retention and credential refresh.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"printwatch/internal/auth"
	"printwatch/internal/broadcast"
	"printwatch/internal/config"
	"printwatch/internal/ingest"
	"printwatch/internal/model"
	"printwatch/internal/storage"
)

type Resyncer interface {
	PushallAll() int
}

type CredentialSink interface {
	UpdateCredentials(creds ingest.Credentials)
}

type Deps struct {
	Resync      Resyncer
	Store       storage.Store
	Auth        auth.Provider
	Credentials CredentialSink
	Broadcast   broadcast.Broadcaster
	Logger      *slog.Logger
}

type Scheduler struct {
	cron          *cron.Cron
	deps          Deps
	retentionDays int
	jobTimeout    time.Duration
	now           func() time.Time
}

// New registers the jobs described by cfg without starting them.
func New(cfg config.ScheduleConfig, retention config.RetentionConfig, deps Deps) (*Scheduler, error) {
	if deps.Broadcast == nil {
		deps.Broadcast = broadcast.Discard{}
	}
	s := &Scheduler{
		cron:          cron.New(),
		deps:          deps,
		retentionDays: retention.Days,
		jobTimeout:    time.Minute,
		now:           time.Now,
	}
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"pushall", cfg.Pushall, func() { s.Resync() }},
		{"retention", cfg.Retention, func() { s.run(s.Retain) }},
		{"token_refresh", cfg.TokenRefresh, func() { s.run(s.RefreshCredentials) }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return s, nil
}

// Start runs the cron loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()
	_ = fn(ctx)
}

// Resync asks every connected printer for a full report.
func (s *Scheduler) Resync() int {
	if s.deps.Resync == nil {
		return 0
	}
	n := s.deps.Resync.PushallAll()
	if s.deps.Logger != nil {
		s.deps.Logger.Debug("periodic resync", "printers", n)
	}
	return n
}

// Retain deletes samples and events older than the retention window.
func (s *Scheduler) Retain(ctx context.Context) error {
	if s.deps.Store == nil || s.retentionDays <= 0 {
		return nil
	}
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	if s.deps.Logger != nil {
		s.deps.Logger.Info("running data retention cleanup", "days", s.retentionDays)
	}
	samples, err := s.deps.Store.DeleteOldSamples(ctx, cutoff)
	if err != nil {
		s.warn("delete old samples failed", err)
		return err
	}
	events, err := s.deps.Store.DeleteOldEvents(ctx, cutoff)
	if err != nil {
		s.warn("delete old events failed", err)
		return err
	}
	if s.deps.Logger != nil {
		s.deps.Logger.Info("cleanup complete", "samples_deleted", samples, "events_deleted", events)
	}
	return nil
}

// RefreshCredentials fetches fresh credentials and hands them to the
// connection manager.
func (s *Scheduler) RefreshCredentials(ctx context.Context) error {
	if s.deps.Auth == nil {
		return nil
	}
	creds, err := s.deps.Auth.Refresh(ctx)
	if err != nil {
		s.warn("token refresh failed", err)
		return err
	}
	if s.deps.Credentials != nil {
		s.deps.Credentials.UpdateCredentials(creds)
	}
	s.deps.Broadcast.Broadcast(model.Message{Type: model.MessageAuth, Data: map[string]string{"status": "authenticated"}})
	if s.deps.Logger != nil {
		s.deps.Logger.Info("token refreshed")
	}
	return nil
}

func (s *Scheduler) warn(msg string, err error) {
	if s.deps.Logger != nil {
		s.deps.Logger.Error(msg, "err", err)
	}
}
