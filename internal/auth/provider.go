// Package auth supplies the cloud credentials the MQTT sessions log in with.
package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"printwatch/internal/config"
	"printwatch/internal/ingest"
)

var ErrNoCredentials = errors.New("no cloud credentials configured")

// Provider returns the current credentials. Refresh may contact the cloud
// account service; Current never blocks.
type Provider interface {
	Current() (ingest.Credentials, error)
	Refresh(ctx context.Context) (ingest.Credentials, error)
}

// Static serves credentials from configuration, re-reading the environment
// overrides on every refresh so a rotated token is picked up without a
// restart.
type Static struct {
	mu    sync.RWMutex
	creds ingest.Credentials
}

func NewStatic(cfg config.CloudConfig) *Static {
	return &Static{creds: ingest.Credentials{
		UserID: strings.TrimSpace(cfg.UserID),
		Token:  strings.TrimSpace(cfg.Token),
	}}
}

func (s *Static) Current() (ingest.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.UserID == "" || s.creds.Token == "" {
		return ingest.Credentials{}, ErrNoCredentials
	}
	return s.creds, nil
}

func (s *Static) Refresh(ctx context.Context) (ingest.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Credentials{}, err
	}
	s.mu.Lock()
	if v := strings.TrimSpace(os.Getenv(config.EnvCloudToken)); v != "" {
		s.creds.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(config.EnvCloudUserID)); v != "" {
		s.creds.UserID = v
	}
	s.mu.Unlock()
	return s.Current()
}

// Set replaces the credentials, used when the configuration reloads.
func (s *Static) Set(cfg config.CloudConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = ingest.Credentials{UserID: strings.TrimSpace(cfg.UserID), Token: strings.TrimSpace(cfg.Token)}
}
