package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadOrComputeCaches(t *testing.T) {
	c := New()
	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.LoadOrCompute("k", time.Minute, fn)
		if err != nil || v != "value" {
			t.Fatalf("got %v %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("fn called %d times", calls)
	}
}

func TestLoadOrComputeExpiry(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return calls, nil
	}

	c.LoadOrCompute("k", 15*time.Second, fn)
	now = now.Add(16 * time.Second)
	v, _ := c.LoadOrCompute("k", 15*time.Second, fn)
	if v != 2 || calls != 2 {
		t.Errorf("expired entry should recompute: v=%v calls=%d", v, calls)
	}
}

func TestLoadOrComputeErrorNotCached(t *testing.T) {
	c := New()
	calls := 0
	boom := errors.New("boom")

	_, err := c.LoadOrCompute("k", time.Minute, func() (interface{}, error) {
		calls++
		return nil, boom
	})
	if err != boom {
		t.Fatalf("err: %v", err)
	}

	v, err := c.LoadOrCompute("k", time.Minute, func() (interface{}, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 2 {
		t.Errorf("failure should not stick: v=%v calls=%d err=%v", v, calls, err)
	}
}

func TestLoadOrComputeSingleFlight(t *testing.T) {
	c := New()
	var calls int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.LoadOrCompute("k", time.Minute, func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-gate
				return "shared", nil
			})
			if err != nil || v != "shared" {
				t.Errorf("got %v %v", v, err)
			}
		}()
	}

	// Give the goroutines a moment to pile up, then release.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("fn called %d times", n)
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return calls, nil
	}
	c.LoadOrCompute("k", time.Minute, fn)
	c.Invalidate("k")
	v, _ := c.LoadOrCompute("k", time.Minute, fn)
	if v != 2 {
		t.Errorf("got %v", v)
	}
}
