package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryCurrentChat(t *testing.T) {
	r := NewRegistry()
	if got := r.Current(1); got != 0 {
		t.Fatalf("expected no chat, got %d", got)
	}
	r.SetCurrent(1, 10)
	r.SetCurrent(2, 20)
	if r.Current(1) != 10 || r.Current(2) != 20 {
		t.Fatalf("users interfere: %d %d", r.Current(1), r.Current(2))
	}

	r.ClearCurrentIf(1, 99)
	if r.Current(1) != 10 {
		t.Fatalf("clear of another chat must keep current")
	}
	r.ClearCurrentIf(1, 10)
	if r.Current(1) != 0 {
		t.Fatalf("expected current cleared")
	}
}

func TestRegistryPendingNewChat(t *testing.T) {
	r := NewRegistry()
	if r.TakePendingNewChat(5) {
		t.Fatalf("flag must start unset")
	}
	r.SetPendingNewChat(5)
	if !r.TakePendingNewChat(5) {
		t.Fatalf("expected flag set")
	}
	if r.TakePendingNewChat(5) {
		t.Fatalf("take must clear the flag")
	}
}

func TestRegistryInlineQuery(t *testing.T) {
	r := NewRegistry()
	r.SetInlineQuery(3, "hola")
	if got := r.InlineQuery(3); got != "hola" {
		t.Fatalf("unexpected query %q", got)
	}
	if got := r.InlineQuery(4); got != "" {
		t.Fatalf("unexpected query for other user %q", got)
	}
}

func TestRegistryConcurrentUsers(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for u := int64(1); u <= 50; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				r.SetCurrent(u, u*1000+i)
				_ = r.Current(u)
			}
		}(u)
	}
	wg.Wait()
	for u := int64(1); u <= 50; u++ {
		if got := r.Current(u); got != u*1000+99 {
			t.Fatalf("user %d: got %d", u, got)
		}
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(42)
			defer unlock()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxActive.Load())
	}
	if k.size() != 0 {
		t.Fatalf("expected idle keys to be dropped, %d left", k.size())
	}
}

func TestKeyedMutexDifferentKeys(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock(2)
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on another key blocked")
	}
	unlockA()
}
