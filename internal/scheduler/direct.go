// Package scheduler は鍵IDごとのローテーションタイマーを提供する。
// 常駐プロセス向けの Direct と、休止や時計のずれがありうる環境向けの Poll がある。
package scheduler

import (
	"sync"
	"time"
)

type directEntry struct {
	timer  *time.Timer
	fireAt time.Time
}

// Direct は期限に1回だけ発火するタイマーを鍵IDごとに張る。
type Direct struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*directEntry
	stopped bool
}

// NewDirect は新しいDirectを生成する。
func NewDirect() *Direct {
	return &Direct{
		now:     time.Now,
		entries: make(map[string]*directEntry),
	}
}

// Schedule は fireAt に fn を呼ぶタイマーを張る。同じ鍵IDの既存タイマーは取り消す。
// fireAt が過去の場合は直ちに発火する。
func (d *Direct) Schedule(keyID string, fireAt time.Time, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if old, ok := d.entries[keyID]; ok {
		old.timer.Stop()
	}

	delay := max(fireAt.Sub(d.now()), 0)
	e := &directEntry{fireAt: fireAt}
	e.timer = time.AfterFunc(delay, func() { d.fire(keyID, e, fn) })
	d.entries[keyID] = e
}

func (d *Direct) fire(keyID string, e *directEntry, fn func()) {
	d.mu.Lock()
	if d.stopped || d.entries[keyID] != e {
		d.mu.Unlock()
		return
	}
	delete(d.entries, keyID)
	d.mu.Unlock()

	fn()
}

// Cancel は鍵IDのタイマーを取り消す。
func (d *Direct) Cancel(keyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[keyID]; ok {
		e.timer.Stop()
		delete(d.entries, keyID)
	}
}

// Pending は鍵IDのタイマーの発火予定時刻を返す。
func (d *Direct) Pending(keyID string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[keyID]
	if !ok {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Stop はすべてのタイマーを取り消す。以降の Schedule は無視される。
func (d *Direct) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, id)
	}
	d.stopped = true
}
