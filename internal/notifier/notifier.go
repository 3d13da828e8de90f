package notifier

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/EddyLabs/eddy/internal/store"
	"github.com/EddyLabs/eddy/models"
)

var (
	// ErrSubscriberOverflow is the close reason when a subscriber could not
	// drain its buffer fast enough and was dropped. The publish path never
	// blocks on a slow consumer.
	ErrSubscriberOverflow = errors.New("subscriber overflow")

	// ErrNotifierClosed is the close reason when the notifier shuts down.
	ErrNotifierClosed = errors.New("notifier closed")
)

const defaultShards = 32

/*
	Notifier turns committed writes into per-resource ordered event streams.
	The subscriber registry is sharded by resource hash so subscribe,
	unsubscribe and publish for unrelated resources never contend on one
	lock. Within a resource, publishes are serialized by the shard lock and
	carry strictly increasing revisions.
*/

type Notifier struct {
	logger  *slog.Logger
	bufSize int
	shards  []*shard

	closeOnce sync.Once
	closed    chan struct{}
}

type shard struct {
	mu        sync.Mutex
	resources map[string]*resourceState
}

type resourceState struct {
	lastRevision int64
	subscribers  map[*Subscription]struct{}
}

type Config struct {
	Logger *slog.Logger
	// BufferSize is each subscription's channel capacity. A subscriber
	// that falls this far behind is dropped with ErrSubscriberOverflow.
	BufferSize int
	Shards     int
}

func New(cfg Config) *Notifier {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = defaultShards
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{resources: make(map[string]*resourceState)}
	}

	return &Notifier{
		logger:  cfg.Logger.WithGroup("notifier"),
		bufSize: bufSize,
		shards:  shards,
		closed:  make(chan struct{}),
	}
}

func (n *Notifier) shardFor(resource string) *shard {
	h := fnv.New32a()
	h.Write([]byte(resource))
	return n.shards[h.Sum32()%uint32(len(n.shards))]
}

// Subscription is a lazy, unbounded-in-time stream of events for one
// resource. It is restartable only by re-subscribing; there is no seek.
type Subscription struct {
	resource string
	notifier *Notifier

	ch   chan models.ChangeEvent
	done chan struct{}

	mu     sync.Mutex
	closed bool
	reason error
}

// C yields events in non-decreasing revision order for the subscription's
// resource. The channel is closed when the subscription ends; check Reason
// to distinguish voluntary unsubscribe from an overflow drop.
func (s *Subscription) C() <-chan models.ChangeEvent { return s.ch }

func (s *Subscription) Resource() string { return s.resource }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the subscription ended; nil while live or after a
// plain Unsubscribe.
func (s *Subscription) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Unsubscribe detaches the subscription. Safe to call any number of times.
func (s *Subscription) Unsubscribe() {
	s.notifier.remove(s, nil)
}

// terminate closes the subscription's channels exactly once. Must be
// called with the owning shard lock held when the subscription may still
// be in the registry.
func (s *Subscription) terminate(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.mu.Unlock()

	close(s.done)
	close(s.ch)
}

// Subscribe registers interest in a resource. The returned subscription's
// channel only carries events committed after this call returns.
func (n *Notifier) Subscribe(resource string) *Subscription {
	sub := &Subscription{
		resource: resource,
		notifier: n,
		ch:       make(chan models.ChangeEvent, n.bufSize),
		done:     make(chan struct{}),
	}

	sh := n.shardFor(resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	select {
	case <-n.closed:
		sub.terminate(ErrNotifierClosed)
		return sub
	default:
	}

	state, ok := sh.resources[resource]
	if !ok {
		state = &resourceState{subscribers: make(map[*Subscription]struct{})}
		sh.resources[resource] = state
	}
	state.subscribers[sub] = struct{}{}
	return sub
}

func (n *Notifier) remove(sub *Subscription, reason error) {
	sh := n.shardFor(sub.resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n.removeLocked(sh, sub, reason)
}

func (n *Notifier) removeLocked(sh *shard, sub *Subscription, reason error) {
	state, ok := sh.resources[sub.resource]
	if ok {
		delete(state.subscribers, sub)
		if len(state.subscribers) == 0 && state.lastRevision == 0 {
			delete(sh.resources, sub.resource)
		}
	}
	sub.terminate(reason)
}

// Publish delivers an event to every live subscriber of its resource.
// Events carrying revision 0 are assigned the next per-resource sequence;
// events from the store feed carry their committed revision and advance
// the sequence. Stale revisions (at or below the high-water mark) are
// discarded so a feed replay cannot violate per-resource ordering.
func (n *Notifier) Publish(ev models.ChangeEvent) {
	sh := n.shardFor(ev.Resource)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state, ok := sh.resources[ev.Resource]
	if !ok {
		state = &resourceState{subscribers: make(map[*Subscription]struct{})}
		sh.resources[ev.Resource] = state
	}

	if ev.Revision == 0 {
		ev.Revision = state.lastRevision + 1
	} else if ev.Revision <= state.lastRevision {
		n.logger.Debug("discarding stale event",
			"resource", ev.Resource, "revision", ev.Revision, "watermark", state.lastRevision)
		return
	}
	state.lastRevision = ev.Revision

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var dropped []*Subscription
	for sub := range state.subscribers {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		n.logger.Warn("dropping slow subscriber",
			"resource", ev.Resource, "revision", ev.Revision)
		n.removeLocked(sh, sub, ErrSubscriberOverflow)
	}
}

// Run pumps a store change feed into Publish until the context ends. Feed
// failures are retried with backoff from the feed's last cursor; during an
// outage existing sessions keep their connections and simply see stale
// state, which is the degraded mode the design calls for.
func (n *Notifier) Run(ctx context.Context, gateway *store.Gateway) error {
	cursor := store.Cursor{}
	backoff := time.Second

	for {
		feed, err := gateway.Changes(ctx, cursor)
		if err != nil {
			n.logger.Error("could not open change feed, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = n.pump(ctx, feed)
		cursor = feed.Cursor()
		feed.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.Warn("change feed interrupted, reconnecting", "error", err, "cursor", cursor)
	}
}

func (n *Notifier) pump(ctx context.Context, feed store.ChangeFeed) error {
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		n.Publish(ev)
	}
}

// Close drops every subscriber and stops accepting new ones.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.closed)
		for _, sh := range n.shards {
			sh.mu.Lock()
			for _, state := range sh.resources {
				for sub := range state.subscribers {
					delete(state.subscribers, sub)
					sub.terminate(ErrNotifierClosed)
				}
			}
			sh.mu.Unlock()
		}
	})
}
