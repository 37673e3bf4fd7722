// Package ticker runs periodic timer events from a single goroutine.
package ticker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the tick resolution used when New is given zero.
const DefaultInterval = 16 * time.Millisecond

// EventID identifies a registered timer event.
type EventID uint32

// TimerEvent is a callback fired every Interval. Intervals are rounded up
// to whole ticks.
type TimerEvent struct {
	ID       EventID
	Interval time.Duration
	Fn       func()

	everyTicks uint64
	nextTick   uint64
}

// ShouldFire reports whether the event is due at tick.
func (e *TimerEvent) ShouldFire(tick uint64) bool {
	return e.nextTick <= tick
}

func (e *TimerEvent) schedule(now uint64) {
	e.nextTick = now + e.everyTicks
}

// Ticker counts ticks and fires due events. Callbacks run on the ticker
// goroutine and must not block.
type Ticker struct {
	interval time.Duration
	tick     atomic.Uint64
	nextID   atomic.Uint32

	mu     sync.Mutex
	events map[EventID]*TimerEvent
}

// New returns a stopped ticker. Call Run to start counting.
func New(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{
		interval: interval,
		events:   make(map[EventID]*TimerEvent),
	}
}

// Interval returns the tick resolution.
func (t *Ticker) Interval() time.Duration { return t.interval }

// Tick returns the number of ticks counted so far.
func (t *Ticker) Tick() uint64 { return t.tick.Load() }

// Register schedules fn every interval, first firing one interval from now.
func (t *Ticker) Register(interval time.Duration, fn func()) *TimerEvent {
	every := uint64((interval + t.interval - 1) / t.interval)
	if every == 0 {
		every = 1
	}
	e := &TimerEvent{
		ID:         EventID(t.nextID.Add(1)),
		Interval:   interval,
		Fn:         fn,
		everyTicks: every,
	}
	t.mu.Lock()
	e.schedule(t.tick.Load())
	t.events[e.ID] = e
	t.mu.Unlock()
	return e
}

// Unregister removes an event. Unknown ids are ignored.
func (t *Ticker) Unregister(id EventID) {
	t.mu.Lock()
	delete(t.events, id)
	t.mu.Unlock()
}

// Len returns the number of registered events.
func (t *Ticker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Run counts ticks until ctx is done.
func (t *Ticker) Run(ctx context.Context) error {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			t.fire(t.tick.Add(1))
		}
	}
}

// fire runs every due event in id order.
func (t *Ticker) fire(now uint64) {
	t.mu.Lock()
	due := make([]*TimerEvent, 0, len(t.events))
	for _, e := range t.events {
		if e.ShouldFire(now) {
			e.schedule(now)
			due = append(due, e)
		}
	}
	t.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, e := range due {
		e.Fn()
	}
}
