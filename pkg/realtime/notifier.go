package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"call-signal-backend/pkg/database"
	"call-signal-backend/pkg/models"

	"github.com/lib/pq"
)

// DefaultSweepInterval is how often the local pending set is checked for
// entries whose ring deadline passed without any update event arriving
// (guards against missed or delayed notification delivery).
const DefaultSweepInterval = 30 * time.Second

// EventSource is the subscription surface the Notifier consumes. It is the
// shape of *pq.Listener; database.MemorySource provides the same surface for
// the in-memory store.
type EventSource interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// NotifierConfig configures one Notifier instance.
type NotifierConfig struct {
	// CalleeID is the recipient identity this notifier watches. It is
	// resolved once by the caller; the notifier never consults ambient
	// session state.
	CalleeID string

	// SweepInterval defaults to DefaultSweepInterval when zero.
	SweepInterval time.Duration

	// OnIncomingCall fires exactly once per newly-ringing request.
	OnIncomingCall func(models.CallRequest)

	// OnCallResolved fires once when a previously-surfaced request leaves
	// the pending state for any reason (answered elsewhere, declined,
	// cancelled, timed out, or locally expired by the sweep).
	OnCallResolved func(callID string)
}

// Notifier maintains a live view of the currently-pending, unexpired call
// requests addressed to one callee and raises them as events.
//
// One event-loop goroutine owns all state transitions; callbacks are invoked
// from that goroutine (and from Start for the initial bulk fetch). Multiple
// notifiers for the same callee are permitted but will duplicate events, so
// callers should keep one instance per recipient per session.
type Notifier struct {
	calleeID string
	db       database.DatabaseInterface
	source   EventSource
	interval time.Duration

	onIncoming func(models.CallRequest)
	onResolved func(callID string)

	mu      sync.Mutex
	pending map[string]models.CallRequest
	seen    map[string]struct{}
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewNotifier 创建 Notifier。source 的生命周期归 Notifier 所有：Stop 时关闭。
func NewNotifier(db database.DatabaseInterface, source EventSource, cfg NotifierConfig) *Notifier {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Notifier{
		calleeID:   cfg.CalleeID,
		db:         db,
		source:     source,
		interval:   interval,
		onIncoming: cfg.OnIncomingCall,
		onResolved: cfg.OnCallResolved,
		pending:    make(map[string]models.CallRequest),
		seen:       make(map[string]struct{}),
	}
}

// Start performs the initial bulk fetch, subscribes to live events and
// launches the event loop. Calling Start while already running is a no-op.
//
// A failed bulk fetch is logged and leaves the pending set empty; the live
// subscription is still established, so events from this point on are not
// lost (at-least-once, not exactly-once: a gap may exist between rows
// created before Start and the first live event).
func (n *Notifier) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	n.mu.Unlock()

	initial := n.bulkFetch()

	if err := n.source.Listen(database.CallRequestsChannel); err != nil {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", database.CallRequestsChannel, err)
	}

	for _, cr := range initial {
		if n.onIncoming != nil {
			n.onIncoming(cr)
		}
	}

	go n.loop()
	return nil
}

// bulkFetch loads the callee's ringing requests into the pending set and
// returns the ones that were newly surfaced, oldest first.
func (n *Notifier) bulkFetch() []models.CallRequest {
	calls, err := n.db.ListPendingCallRequests(n.calleeID, time.Now())
	if err != nil {
		fmt.Printf("[warn] notifier %s: initial fetch failed: %v\n", n.calleeID, err)
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	var fresh []models.CallRequest
	for _, cr := range calls {
		if _, ok := n.seen[cr.ID]; ok {
			n.pending[cr.ID] = cr
			continue
		}
		n.seen[cr.ID] = struct{}{}
		n.pending[cr.ID] = cr
		fresh = append(fresh, cr)
	}
	return fresh
}

// Stop unsubscribes and shuts the event loop down. No callback fires after
// Stop returns; events already in flight are dropped. Repeated Stop calls
// are no-ops.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stop)
	done := n.done
	n.mu.Unlock()

	<-done

	if err := n.source.Unlisten(database.CallRequestsChannel); err != nil {
		fmt.Printf("[warn] notifier %s: unlisten failed: %v\n", n.calleeID, err)
	}
	if err := n.source.Close(); err != nil {
		fmt.Printf("[warn] notifier %s: close failed: %v\n", n.calleeID, err)
	}
}

// Pending returns a snapshot of the locally-held ringing requests, oldest
// first. The underlying set is owned by the notifier and never handed out.
func (n *Notifier) Pending() []models.CallRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := make([]models.CallRequest, 0, len(n.pending))
	for _, cr := range n.pending {
		list = append(list, cr)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (n *Notifier) loop() {
	defer close(n.done)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	events := n.source.NotificationChannel()
	for {
		select {
		case <-n.stop:
			return
		case notification, ok := <-events:
			if !ok {
				return
			}
			if notification == nil {
				// pq sends a nil notification after reconnecting; events
				// may have been missed, so resync from the store.
				for _, cr := range n.bulkFetch() {
					if n.onIncoming != nil {
						n.onIncoming(cr)
					}
				}
				continue
			}
			n.handleNotification(notification)
		case <-ticker.C:
			n.sweep(time.Now())
		}
	}
}

func (n *Notifier) handleNotification(notification *pq.Notification) {
	if notification.Channel != database.CallRequestsChannel {
		return
	}

	var event models.CallRequestEvent
	if err := json.Unmarshal([]byte(notification.Extra), &event); err != nil {
		fmt.Printf("[warn] notifier %s: malformed event payload: %v\n", n.calleeID, err)
		return
	}
	if event.Record.CalleeID != n.calleeID {
		return
	}

	switch event.Op {
	case models.CallEventInsert:
		n.handleInsert(event.Record)
	case models.CallEventUpdate:
		n.handleUpdate(event.Record)
	}
}

// handleInsert surfaces a freshly-created ringing request exactly once.
// Rows that are not pending, already expired or already seen are ignored.
func (n *Notifier) handleInsert(cr models.CallRequest) {
	if cr.Status != models.CallPending || cr.Expired(time.Now()) {
		return
	}

	n.mu.Lock()
	if _, ok := n.seen[cr.ID]; ok {
		n.mu.Unlock()
		return
	}
	n.seen[cr.ID] = struct{}{}
	n.pending[cr.ID] = cr
	n.mu.Unlock()

	if n.onIncoming != nil {
		n.onIncoming(cr)
	}
}

// handleUpdate refreshes a still-pending row, or removes a resolved one and
// reports it. Updates for rows never surfaced here are ignored.
func (n *Notifier) handleUpdate(cr models.CallRequest) {
	n.mu.Lock()
	_, present := n.pending[cr.ID]
	if !present {
		n.mu.Unlock()
		return
	}
	if cr.Status == models.CallPending {
		n.pending[cr.ID] = cr
		n.mu.Unlock()
		return
	}
	delete(n.pending, cr.ID)
	n.mu.Unlock()

	if n.onResolved != nil {
		n.onResolved(cr.ID)
	}
}

// sweep drops entries whose deadline has passed even though no update event
// arrived for them.
func (n *Notifier) sweep(now time.Time) {
	n.mu.Lock()
	var expired []string
	for id, cr := range n.pending {
		if cr.Expired(now) {
			delete(n.pending, id)
			expired = append(expired, id)
		}
	}
	n.mu.Unlock()

	for _, id := range expired {
		if n.onResolved != nil {
			n.onResolved(id)
		}
	}
}
