package live

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/model"
)

func TestStoreTracksSnapshotAndConnection(t *testing.T) {
	s := NewStore(10)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	e := s.SetConnected("dev", false, now)
	assert.Nil(t, e.Snapshot)

	s.Update("dev", model.Snapshot{GcodeState: model.StateRunning}, now)
	e = s.SetConnected("dev", false, now.Add(time.Second))
	require.NotNil(t, e.Snapshot)
	assert.Equal(t, model.StateRunning, e.Snapshot.GcodeState)
	assert.False(t, e.Connected)

	got, ok := s.Get("dev")
	require.True(t, ok)
	assert.Equal(t, e, got)

	msg := StateMessage("dev", got)
	assert.Equal(t, model.MessageState, msg.Type)
	payload := msg.Data.(model.StatePayload)
	assert.Equal(t, "dev", payload.DeviceID)
	assert.False(t, payload.Connected)
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Update("a", model.Snapshot{}, base)
	s.Update("b", model.Snapshot{}, base.Add(time.Minute))
	s.Update("c", model.Snapshot{}, base.Add(2*time.Minute))
	assert.Equal(t, []string{"b", "c"}, s.Devices())
	assert.Len(t, s.GetAll(), 2)
}

func TestStateMessageWithoutSnapshot(t *testing.T) {
	msg := StateMessage("dev", Entry{Connected: true})
	payload := msg.Data.(model.StatePayload)
	require.NotNil(t, payload.State)
	assert.True(t, payload.Connected)
}
