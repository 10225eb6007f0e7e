package realtime

import (
	"testing"
	"time"

	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperFlipsExpiredRings(t *testing.T) {
	db := database.NewMemoryDatabase()

	stale := &models.CallRequest{
		CallerID: "alice", CalleeID: "bob",
		CallType: models.CallVideo, ChannelName: "call-a",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, db.CreateCallRequest(stale))

	fresh := &models.CallRequest{
		CallerID: "carol", CalleeID: "bob",
		CallType: models.CallVideo, ChannelName: "call-b",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateCallRequest(fresh))

	s := NewSweeper(db, time.Minute)
	s.SweepOnce(time.Now())

	got, err := db.GetCallRequest(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallTimeout, got.Status)

	got, err = db.GetCallRequest(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallPending, got.Status)
}

func TestSweeperNeverOverwritesResolution(t *testing.T) {
	db := database.NewMemoryDatabase()

	cr := &models.CallRequest{
		CallerID: "alice", CalleeID: "bob",
		CallType: models.CallAudio, ChannelName: "call-a",
		ExpiresAt: time.Now().Add(50 * time.Millisecond),
	}
	require.NoError(t, db.CreateCallRequest(cr))

	ok, err := db.ResolveCallRequest(cr.ID, "bob", models.CallAccepted)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	s := NewSweeper(db, time.Minute)
	s.SweepOnce(time.Now())

	got, err := db.GetCallRequest(cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallAccepted, got.Status, "accepted call must stay accepted after expiry passes")
}

func TestSweeperBackgroundLoop(t *testing.T) {
	db := database.NewMemoryDatabase()

	cr := &models.CallRequest{
		CallerID: "alice", CalleeID: "bob",
		CallType: models.CallAudio, ChannelName: "call-a",
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}
	require.NoError(t, db.CreateCallRequest(cr))

	s := NewSweeper(db, 10*time.Millisecond)
	s.Start()
	s.Start() // 重复Start是no-op
	defer s.Stop()

	assert.Eventually(t, func() bool {
		got, err := db.GetCallRequest(cr.ID)
		return err == nil && got.Status == models.CallTimeout
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop() // 重复Stop是no-op
}
