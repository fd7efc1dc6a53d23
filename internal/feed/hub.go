package feed

import (
	"encoding/json"
	"expvar"
	"sync"

	"qms/virtual-queue/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriptionBuffer = 16

var (
	changesPublished = expvar.NewInt("feed_changes_published_total")
	changesDropped   = expvar.NewInt("feed_changes_dropped_total")
)

// Filter selects changes by place (optionally narrowed to one counter) or by the user
// the ticket belongs to. A zero Filter matches nothing.
type Filter struct {
	PlaceID   string
	CounterID string
	UserID    string
}

func (f Filter) Match(change store.Change) bool {
	if f.UserID != "" && change.UserID == f.UserID {
		return true
	}
	if f.PlaceID == "" || change.PlaceID != f.PlaceID {
		return false
	}
	if f.CounterID == "" {
		return true
	}
	return change.CounterID != nil && *change.CounterID == f.CounterID
}

type Subscription struct {
	ID string
	C  <-chan store.Change

	send   chan store.Change
	filter Filter
	closed bool
}

// Hub fans committed changes out to subscriptions. Delivery is best effort: a
// subscriber whose buffer is full misses the change and is expected to resync.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[string]*Subscription), logger: logger}
}

func (h *Hub) Subscribe(filter Filter) *Subscription {
	send := make(chan store.Change, subscriptionBuffer)
	sub := &Subscription{ID: uuid.NewString(), C: send, send: send, filter: filter}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.ID] = sub
	return sub
}

func (h *Hub) Update(sub *Subscription, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub.filter = filter
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.ID)
	close(sub.send)
}

// Publish hands change to every matching subscription and returns how many took it.
func (h *Hub) Publish(change store.Change) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, sub := range h.subs {
		if !sub.filter.Match(change) {
			continue
		}
		select {
		case sub.send <- change:
			delivered++
		default:
			changesDropped.Add(1)
			h.logger.Debug("drop change for subscription", zap.String("subscription_id", sub.ID), zap.Int64("seq", change.Seq))
		}
	}
	changesPublished.Add(1)
	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscribeMessage is what a realtime client sends to pick its channels. Self asks for
// the caller's own user channel.
type SubscribeMessage struct {
	Action    string `json:"action"`
	PlaceID   string `json:"place_id,omitempty"`
	CounterID string `json:"counter_id,omitempty"`
	Self      bool   `json:"self,omitempty"`
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != ActionSubscribe && msg.Action != ActionUnsubscribe {
		return SubscribeMessage{}, false
	}
	return msg, true
}

// Envelope is the frame pushed to realtime clients for each change.
type Envelope struct {
	Type   string       `json:"type"`
	Change store.Change `json:"change"`
}

func Encode(change store.Change) ([]byte, error) {
	return json.Marshal(Envelope{Type: change.Type, Change: change})
}

func Decode(data []byte) (store.Change, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return store.Change{}, err
	}
	return env.Change, nil
}
