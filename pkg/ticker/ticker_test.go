package ticker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventFiresAtInterval(t *testing.T) {
	t.Parallel()
	tk := New(time.Millisecond)

	var fast, slow atomic.Int32
	tk.Register(time.Millisecond, func() { fast.Add(1) })
	tk.Register(4*time.Millisecond, func() { slow.Add(1) })

	for i := uint64(1); i <= 20; i++ {
		tk.fire(i)
	}
	if got := fast.Load(); got != 20 {
		t.Errorf("fast event: got %d fires, want 20", got)
	}
	if got := slow.Load(); got != 5 {
		t.Errorf("slow event: got %d fires, want 5", got)
	}
}

func TestIntervalRoundsUpToTicks(t *testing.T) {
	t.Parallel()
	tk := New(10 * time.Millisecond)
	e := tk.Register(25*time.Millisecond, func() {})
	if e.everyTicks != 3 {
		t.Fatalf("ticks per fire: got %d, want 3", e.everyTicks)
	}
	if e.ShouldFire(2) {
		t.Error("event should not be due at tick 2")
	}
	if !e.ShouldFire(3) {
		t.Error("event should be due at tick 3")
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	tk := New(time.Millisecond)
	var n atomic.Int32
	e := tk.Register(time.Millisecond, func() { n.Add(1) })
	tk.fire(1)
	tk.Unregister(e.ID)
	tk.fire(2)
	if n.Load() != 1 {
		t.Errorf("fires: got %d, want 1", n.Load())
	}
	if tk.Len() != 0 {
		t.Errorf("events: got %d, want 0", tk.Len())
	}
}

func TestRunCountsTicks(t *testing.T) {
	t.Parallel()
	tk := New(time.Millisecond)
	fired := make(chan struct{}, 1)
	tk.Register(2*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tk.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("event never fired")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if tk.Tick() == 0 {
		t.Error("tick count did not advance")
	}
}
