package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock はテスト用の時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
		return ""
	}
}

func TestDirect_FiresOnce(t *testing.T) {
	d := NewDirect()
	defer d.Stop()

	fired := make(chan string, 2)
	d.Schedule("key-1", time.Now().Add(10*time.Millisecond), func() { fired <- "key-1" })

	if got := waitFor(t, fired); got != "key-1" {
		t.Errorf("want key-1, got %s", got)
	}
	if _, ok := d.Pending("key-1"); ok {
		t.Error("want no pending timer after firing")
	}
}

func TestDirect_PastDeadlineFiresImmediately(t *testing.T) {
	d := NewDirect()
	defer d.Stop()

	fired := make(chan string, 1)
	d.Schedule("key-1", time.Now().Add(-time.Hour), func() { fired <- "key-1" })
	waitFor(t, fired)
}

func TestDirect_RescheduleCancelsPrevious(t *testing.T) {
	d := NewDirect()
	defer d.Stop()

	var calls atomic.Int32
	fired := make(chan string, 2)
	d.Schedule("key-1", time.Now().Add(20*time.Millisecond), func() {
		calls.Add(1)
		fired <- "first"
	})
	later := time.Now().Add(40 * time.Millisecond)
	d.Schedule("key-1", later, func() {
		calls.Add(1)
		fired <- "second"
	})

	if at, ok := d.Pending("key-1"); !ok || !at.Equal(later) {
		t.Errorf("want pending at %v, got %v (%v)", later, at, ok)
	}
	if got := waitFor(t, fired); got != "second" {
		t.Errorf("want second timer to fire, got %s", got)
	}
	time.Sleep(30 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("want 1 call, got %d", n)
	}
}

func TestDirect_CancelAndStop(t *testing.T) {
	d := NewDirect()

	var calls atomic.Int32
	d.Schedule("key-1", time.Now().Add(10*time.Millisecond), func() { calls.Add(1) })
	d.Schedule("key-2", time.Now().Add(10*time.Millisecond), func() { calls.Add(1) })
	d.Cancel("key-1")
	d.Stop()
	d.Schedule("key-3", time.Now(), func() { calls.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("want no calls after cancel and stop, got %d", n)
	}
}

func TestPoll_CheckNowFiresOnlyDueKeys(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPoll(time.Hour, WithPollClock(clock.Now))
	defer p.Stop()

	fired := make(chan string, 2)
	p.Schedule("key-1", clock.Now().Add(time.Minute), func() { fired <- "key-1" })
	p.Schedule("key-2", clock.Now().Add(time.Hour), func() { fired <- "key-2" })

	p.CheckNow()
	if len(fired) != 0 {
		t.Fatalf("want nothing fired before deadline, got %d", len(fired))
	}

	clock.Advance(2 * time.Minute)
	p.CheckNow()
	if got := waitFor(t, fired); got != "key-1" {
		t.Errorf("want key-1, got %s", got)
	}
	if _, ok := p.Pending("key-1"); ok {
		t.Error("want key-1 disarmed after firing")
	}
	if _, ok := p.Pending("key-2"); !ok {
		t.Error("want key-2 still pending")
	}

	// 発火済みの鍵は再度確認しても呼ばれない
	p.CheckNow()
	if len(fired) != 0 {
		t.Errorf("want no further calls, got %d", len(fired))
	}
}

func TestPoll_TickerFiresAfterDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	p := NewPoll(5*time.Millisecond, WithPollClock(clock.Now))
	defer p.Stop()

	fired := make(chan string, 1)
	p.Schedule("key-1", clock.Now().Add(time.Hour), func() { fired <- "key-1" })

	time.Sleep(20 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatal("want no call before deadline")
	}

	clock.Advance(2 * time.Hour)
	waitFor(t, fired)
}

func TestPoll_RescheduleAndCancel(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	p := NewPoll(time.Hour, WithPollClock(clock.Now))

	var calls atomic.Int32
	p.Schedule("key-1", clock.Now(), func() { calls.Add(10) })
	p.Schedule("key-1", clock.Now(), func() { calls.Add(1) })
	p.Schedule("key-2", clock.Now(), func() { calls.Add(100) })
	p.Cancel("key-2")

	p.CheckNow()
	if n := calls.Load(); n != 1 {
		t.Errorf("want only the latest schedule to fire, got %d", n)
	}

	p.Stop()
	p.Schedule("key-3", clock.Now(), func() { calls.Add(1000) })
	p.CheckNow()
	if n := calls.Load(); n != 1 {
		t.Errorf("want no calls after stop, got %d", n)
	}
}

func TestPoll_DefaultInterval(t *testing.T) {
	p := NewPoll(0)
	defer p.Stop()
	if p.interval != DefaultPollInterval {
		t.Errorf("want %v, got %v", DefaultPollInterval, p.interval)
	}
}
