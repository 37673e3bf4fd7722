package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestArenaAcquireRelease(t *testing.T) {
	t.Parallel()
	a := NewArena(2, 64)

	h1, ok := a.TryAcquire()
	if !ok {
		t.Fatal("first acquire failed")
	}
	h2, ok := a.TryAcquire()
	if !ok {
		t.Fatal("second acquire failed")
	}
	if h1 == h2 {
		t.Fatalf("duplicate handle %d", h1)
	}
	if _, ok := a.TryAcquire(); ok {
		t.Fatal("acquire from exhausted arena succeeded")
	}

	b1, b2 := a.Bytes(h1), a.Bytes(h2)
	if len(b1) != 64 || cap(b1) != 64 {
		t.Fatalf("slot size: got len %d cap %d, want 64", len(b1), cap(b1))
	}
	b1[0], b2[0] = 1, 2
	if a.Bytes(h1)[0] != 1 || a.Bytes(h2)[0] != 2 {
		t.Fatal("slots overlap")
	}

	if !a.Release(h1) {
		t.Fatal("release failed")
	}
	if a.Release(h1) {
		t.Fatal("double release succeeded")
	}
	if a.Release(0) || a.Release(99) {
		t.Fatal("release of invalid handle succeeded")
	}
	if a.Available() != 1 {
		t.Errorf("available: got %d, want 1", a.Available())
	}
}

func TestArenaAcquireBlocksUntilRelease(t *testing.T) {
	t.Parallel()
	a := NewArena(1, 8)
	h, _ := a.TryAcquire()

	got := make(chan Handle, 1)
	go func() {
		h2, err := a.Acquire(context.Background())
		if err == nil {
			got <- h2
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while arena was empty")
	case <-time.After(20 * time.Millisecond):
	}
	a.Release(h)
	select {
	case h2 := <-got:
		if h2 != h {
			t.Errorf("handle: got %d, want %d", h2, h)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not wake after release")
	}
}

func TestArenaCloseWakesAcquire(t *testing.T) {
	t.Parallel()
	a := NewArena(1, 8)
	a.TryAcquire()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Acquire(context.Background())
		errCh <- err
	}()
	a.Close()
	a.Close()
	if err := <-errCh; !errors.Is(err, ErrArenaClosed) {
		t.Fatalf("acquire after close: got %v, want ErrArenaClosed", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewArena(1, 8)
	b.TryAcquire()
	if _, err := b.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire with canceled ctx: got %v", err)
	}
}

func TestArenaSingleOwnerUnderContention(t *testing.T) {
	t.Parallel()
	a := NewArena(4, 16)
	var mu sync.Mutex
	held := make(map[Handle]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h, err := a.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				if held[h] {
					mu.Unlock()
					t.Errorf("handle %d owned twice", h)
					return
				}
				held[h] = true
				mu.Unlock()

				mu.Lock()
				delete(held, h)
				mu.Unlock()
				a.Release(h)
			}
		}()
	}
	wg.Wait()
	if a.Available() != 4 {
		t.Errorf("available after churn: got %d, want 4", a.Available())
	}
}

func TestFramePool(t *testing.T) {
	t.Parallel()
	b := GetFrame()
	if len(*b) != FrameBufSize {
		t.Fatalf("frame buffer: got %d bytes, want %d", len(*b), FrameBufSize)
	}
	*b = (*b)[:10]
	PutFrame(b)
	PutFrame(nil)
}
