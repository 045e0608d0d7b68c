// Package host is the adapter-facing view of the bot framework: a
// registry of connected bots shared by all protocol versions, and a
// fan-out of dispatched events to subscribers. A real framework plugs in
// by implementing Host or by subscribing to the default Registry.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onebot-go/adapter/internal/eventbus"
	"github.com/onebot-go/adapter/internal/oberr"
)

// Bot is the identity the host tracks. Concrete bot types live in the
// version packages.
type Bot interface {
	SelfID() string
}

// Event is the host-facing surface of a dispatched event.
type Event interface {
	// Name is the dotted event name, e.g. "message.private.friend".
	Name() string
	// Describe returns the log line for the event, or oberr.ErrNoLog
	// for events whose logging is suppressed (heartbeats).
	Describe() (string, error)
}

// Delivery pairs an event with the bot it was dispatched to.
type Delivery struct {
	Bot   Bot
	Event Event
}

// Host receives bot lifecycle changes and events from the adapters.
type Host interface {
	// BotConnect registers a bot. Fails if a bot with the same self-id
	// is already connected, regardless of protocol version.
	BotConnect(b Bot) error
	// BotDisconnect removes a bot. Unknown bots are ignored.
	BotDisconnect(b Bot)
	// Bot looks up a connected bot by self-id.
	Bot(selfID string) (Bot, bool)
	// HandleEvent hands a dispatched event to the framework.
	HandleEvent(b Bot, e Event)
}

// Registry is the default Host: an in-memory bot table plus an event
// bus. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	bus    *eventbus.Bus[Delivery]

	mu   sync.Mutex
	bots map[string]Bot
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		bus:    eventbus.New[Delivery](),
		bots:   make(map[string]Bot),
	}
}

// BotConnect registers b, refusing duplicates across protocol versions.
func (r *Registry) BotConnect(b Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[b.SelfID()]; ok {
		return fmt.Errorf("bot %s already connected", b.SelfID())
	}
	r.bots[b.SelfID()] = b
	r.logger.Info("bot connected", "self_id", b.SelfID())
	return nil
}

// BotDisconnect removes b if it is the registered bot for its self-id.
func (r *Registry) BotDisconnect(b Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.bots[b.SelfID()]; ok && cur == b {
		delete(r.bots, b.SelfID())
		r.logger.Info("bot disconnected", "self_id", b.SelfID())
	}
}

// Bot returns the connected bot with the given self-id.
func (r *Registry) Bot(selfID string) (Bot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[selfID]
	return b, ok
}

// Bots returns a snapshot of the connected self-ids.
func (r *Registry) Bots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.bots))
	for id := range r.bots {
		ids = append(ids, id)
	}
	return ids
}

// HandleEvent logs the event (unless suppressed) and broadcasts it to
// subscribers.
func (r *Registry) HandleEvent(b Bot, e Event) {
	if desc, err := e.Describe(); err == nil {
		r.logger.Info("event", "self_id", b.SelfID(), "name", e.Name(), "detail", desc)
	} else if !errors.Is(err, oberr.ErrNoLog) {
		r.logger.Warn("event description failed", "self_id", b.SelfID(), "name", e.Name(), "error", err)
	}
	r.bus.Publish(Delivery{Bot: b, Event: e})
}

// Subscribe returns a channel of event deliveries. Callers must
// Unsubscribe when done.
func (r *Registry) Subscribe(bufSize int) <-chan Delivery {
	return r.bus.Subscribe(bufSize)
}

// Unsubscribe removes a delivery subscription.
func (r *Registry) Unsubscribe(ch <-chan Delivery) {
	r.bus.Unsubscribe(ch)
}
