package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"signal-engine/internal/alerts"
)

type subscriber struct {
	ch    chan alerts.Event
	types map[alerts.EventType]bool
}

// Broker fans alert lifecycle events out to websocket subscribers. Slow subscribers
// miss events rather than block the registry.
type Broker struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	logger zerolog.Logger
}

// NewBroker creates a Broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		subs:   make(map[*subscriber]struct{}),
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// Publish implements alerts.Listener.
func (b *Broker) Publish(ev alerts.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug().Str("alert_id", ev.Alert.ID).Msg("subscriber too slow; event dropped")
		}
	}
}

// Subscribers returns the number of open streams.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) subscribe(types []alerts.EventType) *subscriber {
	sub := &subscriber{ch: make(chan alerts.Event, 64), types: make(map[alerts.EventType]bool, len(types))}
	for _, t := range types {
		sub.types[t] = true
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// ServeWS upgrades the request and streams events as JSON until the client leaves.
// ?type=alert.fired,alert.escalated narrows the feed.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	var types []alerts.EventType
	for _, raw := range strings.Split(r.URL.Query().Get("type"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			types = append(types, alerts.EventType(raw))
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	sub := b.subscribe(types)
	defer b.unsubscribe(sub)

	// reads are only needed to notice the peer closing
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
