package scheduler

import (
	"sync"
	"time"
)

// DefaultPollInterval は Poll の既定の確認間隔。
const DefaultPollInterval = time.Minute

type pollEntry struct {
	fireAt time.Time
	fn     func()
	stop   chan struct{}
}

// Poll は一定間隔で現在時刻と期限を比べ、期限を過ぎていれば1回だけ発火する。
// 長いタイマーが休止をまたいで当てにならない環境で使う。
type Poll struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*pollEntry
	stopped bool
	wg      sync.WaitGroup
}

// PollOption は Poll の生成オプション。
type PollOption func(*Poll)

// WithPollClock は現在時刻の取得元を差し替える。
func WithPollClock(now func() time.Time) PollOption {
	return func(p *Poll) {
		p.now = now
	}
}

// NewPoll は新しいPollを生成する。interval が0以下なら DefaultPollInterval を使う。
func NewPoll(interval time.Duration, opts ...PollOption) *Poll {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poll{
		interval: interval,
		now:      time.Now,
		entries:  make(map[string]*pollEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Schedule は鍵IDの定期確認を開始する。同じ鍵IDの既存の確認は取り消す。
func (p *Poll) Schedule(keyID string, fireAt time.Time, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if old, ok := p.entries[keyID]; ok {
		close(old.stop)
	}
	e := &pollEntry{fireAt: fireAt, fn: fn, stop: make(chan struct{})}
	p.entries[keyID] = e

	p.wg.Add(1)
	go p.watch(keyID, e)
}

func (p *Poll) watch(keyID string, e *pollEntry) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if p.fireIfDue(keyID, e) {
				return
			}
		}
	}
}

// fireIfDue は期限を過ぎていれば登録を外して発火する。確認を終えてよい場合に true を返す。
func (p *Poll) fireIfDue(keyID string, e *pollEntry) bool {
	p.mu.Lock()
	if p.stopped || p.entries[keyID] != e {
		p.mu.Unlock()
		return true
	}
	if p.now().Before(e.fireAt) {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, keyID)
	close(e.stop)
	p.mu.Unlock()

	e.fn()
	return true
}

// CheckNow は登録中のすべての鍵を直ちに確認する。復帰直後など、次の周期を待てない場合に使う。
func (p *Poll) CheckNow() {
	p.mu.Lock()
	due := make(map[string]*pollEntry, len(p.entries))
	for id, e := range p.entries {
		due[id] = e
	}
	p.mu.Unlock()

	for id, e := range due {
		p.fireIfDue(id, e)
	}
}

// Cancel は鍵IDの確認を止める。
func (p *Poll) Cancel(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[keyID]; ok {
		close(e.stop)
		delete(p.entries, keyID)
	}
}

// Pending は鍵IDの期限を返す。
func (p *Poll) Pending(keyID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[keyID]
	if !ok {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Stop はすべての確認を止め、確認用の goroutine の終了を待つ。
func (p *Poll) Stop() {
	p.mu.Lock()
	for id, e := range p.entries {
		close(e.stop)
		delete(p.entries, id)
	}
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
}
