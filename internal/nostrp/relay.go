package nostrp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const queryTimeout = 15 * time.Second

// pool wraps a shared SimplePool over the configured relays.
type pool struct {
	relays []string
	log    *slog.Logger

	once sync.Once
	sp   *nostr.SimplePool
}

func newPool(relays []string, log *slog.Logger) *pool {
	return &pool{relays: relays, log: log}
}

func (p *pool) get() *nostr.SimplePool {
	p.once.Do(func() {
		p.sp = nostr.NewSimplePool(context.Background())
	})
	return p.sp
}

// publish sends event to the given relays. It succeeds if at least one
// relay accepts the event.
func (p *pool) publish(ctx context.Context, relays []string, event *nostr.Event) error {
	if len(relays) == 0 {
		relays = p.relays
	}
	if len(relays) == 0 {
		return fmt.Errorf("no relays configured")
	}

	results := p.get().PublishMany(ctx, relays, *event)

	var published, failed int
	for result := range results {
		if result.Error != nil {
			p.log.Warn("relay publish failed", "relay", result.RelayURL,
				"id", event.ID, "error", result.Error)
			failed++
		} else {
			p.log.Debug("relay publish ok", "relay", result.RelayURL,
				"id", event.ID, "kind", event.Kind)
			published++
		}
	}

	if published == 0 {
		return fmt.Errorf("failed to publish to all %d relays", failed)
	}
	return nil
}

// queryOne returns the first event matching filter, or nil if no relay
// answers within the query timeout.
func (p *pool) queryOne(ctx context.Context, filter nostr.Filter) *nostr.Event {
	if len(p.relays) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	for ev := range p.get().SubMany(ctx, p.relays, nostr.Filters{filter}) {
		if ev.Event != nil {
			return ev.Event
		}
	}
	return nil
}

// EventHandler processes one inbound native event.
type EventHandler func(ctx context.Context, event *nostr.Event)

// AuthorSource lists the pubkeys the listener should subscribe to.
type AuthorSource func() ([]string, error)

// Listener subscribes to the relay firehose for a set of authors and feeds
// each event to the handler. The author set is re-read on every reconnect so
// newly bridged users are picked up without a restart.
type Listener struct {
	pool    *pool
	authors AuthorSource
	handler EventHandler
	log     *slog.Logger
}

func NewListener(p *pool, authors AuthorSource, handler EventHandler, log *slog.Logger) *Listener {
	return &Listener{pool: p, authors: authors, handler: handler, log: log}
}

// Run blocks until ctx is cancelled, resubscribing after disconnects and
// periodically to refresh the author set.
func (l *Listener) Run(ctx context.Context) {
	if len(l.pool.relays) == 0 {
		l.log.Warn("no relays configured, firehose disabled")
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		authors, err := l.authors()
		if err != nil {
			l.log.Error("listing firehose authors", "error", err)
		}
		if len(authors) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			continue
		}

		since := nostr.Now()
		filters := nostr.Filters{{
			Kinds:   []int{0, 1, 5, 6, 7},
			Authors: authors,
			Since:   &since,
		}}

		l.log.Info("subscribing to relay firehose", "relays", l.pool.relays,
			"authors", len(authors))

		// Bound each subscription so the author set is refreshed even when
		// the relays stay connected.
		subCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		for ev := range l.pool.get().SubMany(subCtx, l.pool.relays, filters) {
			if ev.Event == nil {
				continue
			}
			event := ev.Event
			go func() {
				defer func() {
					if r := recover(); r != nil {
						l.log.Error("panic in event handler", "panic", r)
					}
				}()
				l.handler(ctx, event)
			}()
		}
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
