// Package events carries committed ledger changes to the journal and to subscribers.
package events

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

// Kind names a committed ledger change.
type Kind string

const (
	KindIncreasePosition  Kind = "increase_position"
	KindDecreasePosition  Kind = "decrease_position"
	KindUpdatePosition    Kind = "update_position"
	KindClosePosition     Kind = "close_position"
	KindLiquidatePosition Kind = "liquidate_position"
	KindBuyUSDG           Kind = "buy_usdg"
	KindSellUSDG          Kind = "sell_usdg"
	KindSwap              Kind = "swap"
	KindDirectPoolDeposit Kind = "direct_pool_deposit"
	KindCollectFees       Kind = "collect_fees"
	KindFundingRate       Kind = "update_funding_rate"
	KindPriceUpdate       Kind = "price_update"
)

// Event is one committed change. Amounts are base-10 integers in ledger units.
type Event struct {
	ID      ulid.ULID         `json:"id"`
	Kind    Kind              `json:"kind"`
	Time    time.Time         `json:"time"`
	Subject string            `json:"subject"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// New creates an event with a fresh id.
func New(kind Kind, at time.Time, subject string) Event {
	return Event{ID: ulid.Make(), Kind: kind, Time: at, Subject: subject, Attrs: map[string]string{}}
}

// With sets an attribute and returns the event for chaining.
func (e Event) With(key string, value interface{}) Event {
	if e.Attrs == nil {
		e.Attrs = map[string]string{}
	}
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			e.Attrs[key] = "0"
		} else {
			e.Attrs[key] = v.String()
		}
	case common.Address:
		e.Attrs[key] = v.Hex()
	case fmt.Stringer:
		e.Attrs[key] = v.String()
	default:
		e.Attrs[key] = fmt.Sprint(v)
	}
	return e
}

// Sink receives committed events in commit order.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Multi fans out to every sink and reports the first failure.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, events []Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Buffer keeps the most recent events in memory.
type Buffer struct {
	limit  int
	events []Event
	mu     sync.RWMutex
}

// NewBuffer keeps up to limit events; limit <= 0 keeps everything.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Publish(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
	if b.limit > 0 && len(b.events) > b.limit {
		b.events = append([]Event(nil), b.events[len(b.events)-b.limit:]...)
	}
	return nil
}

// Recent returns up to n of the newest events, oldest first.
func (b *Buffer) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.events) {
		n = len(b.events)
	}
	out := make([]Event, n)
	copy(out, b.events[len(b.events)-n:])
	return out
}

// Kinds returns the kinds of every buffered event, oldest first.
func (b *Buffer) Kinds() []Kind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Kind, len(b.events))
	for i, e := range b.events {
		out[i] = e.Kind
	}
	return out
}
