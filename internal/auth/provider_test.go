package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/config"
)

func TestStaticCurrent(t *testing.T) {
	p := NewStatic(config.CloudConfig{UserID: " 42 ", Token: "tok"})
	creds, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, "42", creds.UserID)
	assert.Equal(t, "tok", creds.Token)

	_, err = NewStatic(config.CloudConfig{UserID: "42"}).Current()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStaticRefreshReadsEnvironment(t *testing.T) {
	p := NewStatic(config.CloudConfig{UserID: "42", Token: "old"})
	t.Setenv(config.EnvCloudToken, "rotated")
	creds, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", creds.Token)
	assert.Equal(t, "42", creds.UserID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticSet(t *testing.T) {
	p := NewStatic(config.CloudConfig{})
	p.Set(config.CloudConfig{UserID: "7", Token: "t"})
	creds, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, "7", creds.UserID)
}
