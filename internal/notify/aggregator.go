package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/studyhive/realtime/internal/wire"
)

var (
	// ErrActionInFlight is returned when an invite response is
	// triggered while an earlier one for the same notification is
	// still running.
	ErrActionInFlight = errors.New("invite action already in flight")

	// ErrUnknownGroup is returned by MarkGroupRead for a group key
	// that does not exist in the current snapshot.
	ErrUnknownGroup = errors.New("unknown notification group")

	// ErrUnknownNotification is returned when a notification id is
	// not present locally.
	ErrUnknownNotification = errors.New("unknown notification")
)

// GroupKey identifies one display group. Groupable types share a key
// per (type, referenceId); every other notification is its own
// singleton group.
type GroupKey string

// groupKeyFor derives the grouping key for a notification.
func groupKeyFor(n wire.Notification) GroupKey {
	if n.Type.Groupable() {
		return GroupKey(fmt.Sprintf("%s:%d", n.Type, n.ReferenceID))
	}

	return GroupKey(fmt.Sprintf("%s#%d", n.Type, n.ID))
}

// Group is one aggregated display unit. It is derived state, recomputed
// from the underlying notification set on every snapshot; nothing in it
// is cached across changes.
type Group struct {
	// Key is the grouping key.
	Key GroupKey

	// Type is the shared notification type of the members.
	Type wire.NotificationType

	// ReferenceID is the shared reference for groupable types.
	ReferenceID int64

	// Latest is the most recently created member; its message and
	// timestamp represent the group.
	Latest wire.Notification

	// UnreadCount is the number of unread members. Never negative.
	UnreadCount int

	// SenderNames are the distinct contributing sender names,
	// sorted for stable output.
	SenderNames []string

	// IsRead is the logical AND across members: a group is read only
	// when every contributing notification has been acknowledged.
	IsRead bool

	// MemberIDs lists every member, newest first.
	MemberIDs []int64
}

// RestClient is the REST collaborator surface the aggregator needs for
// acknowledgements, invite responses, and snapshot reconciliation.
type RestClient interface {
	ListNotifications(ctx context.Context) ([]wire.Notification, error)
	MarkRead(ctx context.Context, id int64) error
	MarkGroupRead(ctx context.Context, ids []int64) error
	RespondInvite(ctx context.Context, id int64, accept bool) error
}

// Aggregator merges notifications from the transport, the push stream,
// and REST snapshots into one deduplicated model. All methods are safe
// for concurrent use.
type Aggregator struct {
	mu   sync.Mutex
	api  RestClient
	byID map[int64]wire.Notification

	// inflight marks invite notifications with an accept/reject
	// currently running, suppressing duplicate actions. Markers are
	// deliberately preserved across snapshot merges.
	inflight fn.Set[int64]
}

// NewAggregator creates an empty aggregator acknowledging through api.
func NewAggregator(api RestClient) *Aggregator {
	return &Aggregator{
		api:      api,
		byID:     make(map[int64]wire.Notification),
		inflight: fn.NewSet[int64](),
	}
}

// Ingest adds a notification to the model. Ingesting an id that is
// already known is a no-op; the return value reports whether the model
// changed.
func (a *Aggregator) Ingest(n wire.Notification) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byID[n.ID]; ok {
		return false
	}
	a.byID[n.ID] = n

	return true
}

// IngestRaw decodes and ingests an event from either channel.
// Malformed payloads are logged and skipped.
func (a *Aggregator) IngestRaw(ev wire.RawEvent) bool {
	n, err := wire.DecodeNotification(ev.Payload)
	if err != nil {
		log.Warnf("Skipping malformed notification from %s: %v",
			ev.Source, err)
		return false
	}

	return a.Ingest(n)
}

// Run consumes events until the channel closes or ctx is cancelled.
// Intended as a goroutine per input channel.
func (a *Aggregator) Run(ctx context.Context, events <-chan wire.RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			a.IngestRaw(ev)
		}
	}
}

// RunStream consumes already-decoded notifications from the push
// stream until the channel closes or ctx is cancelled.
func (a *Aggregator) RunStream(ctx context.Context,
	ns <-chan wire.Notification) {

	for {
		select {
		case <-ctx.Done():
			return

		case n, ok := <-ns:
			if !ok {
				return
			}
			a.Ingest(n)
		}
	}
}

// Merge reconciles a REST-sourced snapshot into the model. The merge is
// non-destructive: a notification already acknowledged locally never
// flips back to unread because of a stale snapshot, and in-flight
// invite markers survive untouched.
func (a *Aggregator) Merge(ns []wire.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, n := range ns {
		if local, ok := a.byID[n.ID]; ok {
			n.IsRead = n.IsRead || local.IsRead
		}
		a.byID[n.ID] = n
	}
}

// Refresh fetches the authoritative list over REST and merges it.
func (a *Aggregator) Refresh(ctx context.Context) error {
	ns, err := a.api.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}
	a.Merge(ns)

	return nil
}

// Snapshot returns the grouped view ordered by each group's newest
// member, descending, together with the total unread count.
func (a *Aggregator) Snapshot() ([]Group, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	members := make(map[GroupKey][]wire.Notification)
	for _, n := range a.byID {
		key := groupKeyFor(n)
		members[key] = append(members[key], n)
	}

	groups := make([]Group, 0, len(members))
	unreadTotal := 0

	for key, ns := range members {
		// Newest first; ties broken by id so output is stable.
		sort.Slice(ns, func(i, j int) bool {
			if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
				return ns[i].CreatedAt.After(ns[j].CreatedAt)
			}
			return ns[i].ID > ns[j].ID
		})

		g := Group{
			Key:         key,
			Type:        ns[0].Type,
			ReferenceID: ns[0].ReferenceID,
			Latest:      ns[0],
			IsRead:      true,
		}

		senders := fn.NewSet[string]()
		for _, n := range ns {
			g.MemberIDs = append(g.MemberIDs, n.ID)
			if n.SenderName != "" {
				senders.Add(n.SenderName)
			}
			if !n.IsRead {
				g.UnreadCount++
				g.IsRead = false
			}
		}
		unreadTotal += g.UnreadCount

		g.SenderNames = senders.ToSlice()
		sort.Strings(g.SenderNames)

		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		li, lj := groups[i].Latest, groups[j].Latest
		if !li.CreatedAt.Equal(lj.CreatedAt) {
			return li.CreatedAt.After(lj.CreatedAt)
		}
		return groups[i].Key < groups[j].Key
	})

	return groups, unreadTotal
}

// UnreadCount returns the total number of unread notifications.
func (a *Aggregator) UnreadCount() int {
	_, unread := a.Snapshot()
	return unread
}

// MarkRead acknowledges one notification over REST, then updates the
// local model.
func (a *Aggregator) MarkRead(ctx context.Context, id int64) error {
	a.mu.Lock()
	n, ok := a.byID[id]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownNotification, id)
	}
	if n.IsRead {
		return nil
	}

	if err := a.api.MarkRead(ctx, id); err != nil {
		return err
	}

	a.mu.Lock()
	n = a.byID[id]
	n.IsRead = true
	a.byID[id] = n
	a.mu.Unlock()

	return nil
}

// MarkGroupRead acknowledges every unread member of a group with a
// single batch call, so intermediate partially-read states are never
// visible.
func (a *Aggregator) MarkGroupRead(ctx context.Context,
	key GroupKey) error {

	a.mu.Lock()
	var unread []int64
	found := false
	for _, n := range a.byID {
		if groupKeyFor(n) != key {
			continue
		}
		found = true
		if !n.IsRead {
			unread = append(unread, n.ID)
		}
	}
	a.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, key)
	}
	if len(unread) == 0 {
		return nil
	}

	// Deterministic batch order.
	sort.Slice(unread, func(i, j int) bool {
		return unread[i] < unread[j]
	})

	if err := a.api.MarkGroupRead(ctx, unread); err != nil {
		return err
	}

	a.mu.Lock()
	for _, id := range unread {
		n := a.byID[id]
		n.IsRead = true
		a.byID[id] = n
	}
	a.mu.Unlock()

	return nil
}

// RespondInvite accepts or rejects an actionable invite notification.
// A second response while the first is in flight is suppressed with
// ErrActionInFlight rather than issued twice.
func (a *Aggregator) RespondInvite(ctx context.Context, id int64,
	accept bool) error {

	a.mu.Lock()
	n, ok := a.byID[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrUnknownNotification, id)
	}
	if !n.Type.Actionable() {
		a.mu.Unlock()
		return fmt.Errorf("notification %d (%s) is not actionable",
			id, n.Type)
	}
	if a.inflight.Contains(id) {
		a.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrActionInFlight, id)
	}
	a.inflight.Add(id)
	a.mu.Unlock()

	err := a.api.RespondInvite(ctx, id, accept)

	a.mu.Lock()
	a.inflight.Remove(id)
	if err == nil {
		// A responded invite is implicitly acknowledged.
		n = a.byID[id]
		n.IsRead = true
		a.byID[id] = n
	}
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("respond invite %d: %w", id, err)
	}

	return nil
}
