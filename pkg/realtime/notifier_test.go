package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/models"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notifierHarness wires a Notifier to the in-memory store and collects its
// callbacks on channels so tests can wait for events deterministically.
type notifierHarness struct {
	db       *database.MemoryDatabase
	notifier *Notifier
	incoming chan models.CallRequest
	resolved chan string
}

func newHarness(t *testing.T, calleeID string, sweep time.Duration) *notifierHarness {
	t.Helper()
	db := database.NewMemoryDatabase()
	h := &notifierHarness{
		db:       db,
		incoming: make(chan models.CallRequest, 16),
		resolved: make(chan string, 16),
	}
	h.notifier = NewNotifier(db, db.Bus().Subscribe(), NotifierConfig{
		CalleeID:      calleeID,
		SweepInterval: sweep,
		OnIncomingCall: func(cr models.CallRequest) {
			h.incoming <- cr
		},
		OnCallResolved: func(id string) {
			h.resolved <- id
		},
	})
	return h
}

func (h *notifierHarness) createCall(t *testing.T, caller, callee string, ttl time.Duration) *models.CallRequest {
	t.Helper()
	cr := &models.CallRequest{
		CallerID:    caller,
		CalleeID:    callee,
		CallType:    models.CallAudio,
		ChannelName: "call-test",
		ExpiresAt:   time.Now().Add(ttl),
	}
	require.NoError(t, h.db.CreateCallRequest(cr))
	return cr
}

func waitIncoming(t *testing.T, ch <-chan models.CallRequest) models.CallRequest {
	t.Helper()
	select {
	case cr := <-ch:
		return cr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming call event")
		return models.CallRequest{}
	}
}

func waitResolved(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolved event")
		return ""
	}
}

func assertQuiet(t *testing.T, h *notifierHarness) {
	t.Helper()
	select {
	case cr := <-h.incoming:
		t.Fatalf("unexpected incoming event: %s", cr.ID)
	case id := <-h.resolved:
		t.Fatalf("unexpected resolved event: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifierInitialFetchSurfacesExistingRings(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)

	ringing := h.createCall(t, "alice", "bob", time.Minute)
	h.createCall(t, "carol", "bob", -time.Second) // 已过期，不应上报
	h.createCall(t, "alice", "other", time.Minute)

	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	got := waitIncoming(t, h.incoming)
	assert.Equal(t, ringing.ID, got.ID)
	assertQuiet(t, h)

	pending := h.notifier.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, ringing.ID, pending[0].ID)
}

func TestNotifierLiveInsertFiresOnce(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	cr := h.createCall(t, "alice", "bob", time.Minute)

	got := waitIncoming(t, h.incoming)
	assert.Equal(t, cr.ID, got.ID)
	assert.Equal(t, models.CallPending, got.Status)

	// 同一行的重复INSERT事件（如重连后重放）不会再次上报
	payload, err := json.Marshal(models.CallRequestEvent{Op: models.CallEventInsert, Record: *cr})
	require.NoError(t, err)
	h.db.Bus().Publish(database.CallRequestsChannel, payload)

	assertQuiet(t, h)
}

func TestNotifierResolutionRemovesRing(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	cr := h.createCall(t, "alice", "bob", time.Minute)
	waitIncoming(t, h.incoming)

	ok, err := h.db.ResolveCallRequest(cr.ID, "bob", models.CallDeclined)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, cr.ID, waitResolved(t, h.resolved))
	assert.Empty(t, h.notifier.Pending())
	assertQuiet(t, h)
}

func TestNotifierCancellationRemovesRing(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	cr := h.createCall(t, "alice", "bob", time.Minute)
	waitIncoming(t, h.incoming)

	ok, err := h.db.CancelCallRequest(cr.ID, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, cr.ID, waitResolved(t, h.resolved))
	assert.Empty(t, h.notifier.Pending())
}

func TestNotifierIgnoresOtherCallees(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	h.createCall(t, "alice", "someone-else", time.Minute)
	assertQuiet(t, h)
	assert.Empty(t, h.notifier.Pending())
}

func TestNotifierIgnoresExpiredInsertEvents(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	h.createCall(t, "alice", "bob", -time.Second)
	assertQuiet(t, h)
}

func TestNotifierSweepExpiresSilentRings(t *testing.T) {
	h := newHarness(t, "bob", 20*time.Millisecond)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	// 响铃窗口很短，且没有任何update事件到达；本地清扫必须兜底
	cr := h.createCall(t, "alice", "bob", 60*time.Millisecond)
	waitIncoming(t, h.incoming)

	assert.Equal(t, cr.ID, waitResolved(t, h.resolved))
	assert.Empty(t, h.notifier.Pending())
}

func TestNotifierMalformedPayloadIsSkipped(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	h.db.Bus().Publish(database.CallRequestsChannel, []byte("not json"))

	// 坏事件被跳过后，后续事件照常处理
	cr := h.createCall(t, "alice", "bob", time.Minute)
	got := waitIncoming(t, h.incoming)
	assert.Equal(t, cr.ID, got.ID)
}

func TestNotifierStartIsIdempotent(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())
	require.NoError(t, h.notifier.Start())
	defer h.notifier.Stop()

	h.createCall(t, "alice", "bob", time.Minute)
	waitIncoming(t, h.incoming)
	assertQuiet(t, h)
}

func TestNotifierStopSilences(t *testing.T) {
	h := newHarness(t, "bob", time.Minute)
	require.NoError(t, h.notifier.Start())

	h.notifier.Stop()
	h.notifier.Stop() // 重复Stop是no-op

	h.createCall(t, "alice", "bob", time.Minute)
	assertQuiet(t, h)
}

// stubSource is an EventSource whose notifications the test injects by hand,
// including the nil value pq.Listener emits after reconnecting.
type stubSource struct {
	ch chan *pq.Notification
}

func (s *stubSource) Listen(string) error                          { return nil }
func (s *stubSource) Unlisten(string) error                        { return nil }
func (s *stubSource) NotificationChannel() <-chan *pq.Notification { return s.ch }
func (s *stubSource) Close() error                                 { return nil }

func TestNotifierResyncAfterReconnect(t *testing.T) {
	db := database.NewMemoryDatabase()
	src := &stubSource{ch: make(chan *pq.Notification, 4)}

	incoming := make(chan models.CallRequest, 16)
	n := NewNotifier(db, src, NotifierConfig{
		CalleeID:      "bob",
		SweepInterval: time.Minute,
		OnIncomingCall: func(cr models.CallRequest) {
			incoming <- cr
		},
	})

	seen := &models.CallRequest{
		CallerID: "alice", CalleeID: "bob",
		CallType: models.CallAudio, ChannelName: "call-a",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateCallRequest(seen))

	require.NoError(t, n.Start())
	defer n.Stop()
	assert.Equal(t, seen.ID, waitIncoming(t, incoming).ID)

	// 断线期间错过的INSERT：直接写库，stub源上没有对应事件
	missed := &models.CallRequest{
		CallerID: "carol", CalleeID: "bob",
		CallType: models.CallAudio, ChannelName: "call-b",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateCallRequest(missed))

	// pq重连信号触发resync：只有错过的行被补报，已见过的不重复
	src.ch <- nil
	assert.Equal(t, missed.ID, waitIncoming(t, incoming).ID)

	select {
	case cr := <-incoming:
		t.Fatalf("duplicate event after resync: %s", cr.ID)
	case <-time.After(100 * time.Millisecond):
	}

	pending := n.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, seen.ID, pending[0].ID)
	assert.Equal(t, missed.ID, pending[1].ID)
}
