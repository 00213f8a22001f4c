package events

import (
	"context"
	"time"
)

// Event types
const (
	TypeOrder      = "order"
	TypeTrade      = "trade"
	TypeOrderbook  = "orderbook"
	TypeSettlement = "settlement"
	TypeAlert      = "alert"
)

// Event is one exchange notification. Data is JSON-encodable.
type Event struct {
	Type      string `json:"type"`
	TokenID   string `json:"tokenId,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Data      any    `json:"data"`
}

func New(typ, tokenID string, at time.Time, data any) Event {
	return Event{Type: typ, TokenID: tokenID, Timestamp: at.UnixMilli(), Data: data}
}

// Publisher delivers events to subscribers. Publish must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type nop struct{}

func (nop) Publish(context.Context, Event) {}

// Nop discards every event.
func Nop() Publisher { return nop{} }

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// Events returns the channel of recorded events.
func (r *Recorder) Events() <-chan Event { return r.ch }

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
