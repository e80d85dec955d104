package engine

import (
	"log/slog"
	"sync"
)

type scopeEntry struct {
	handle Handle
	label  string
}

// Scope は1つの論理操作の間に確保したハンドルを登録し、まとめて解放する。
// スコープを越えて返してよいのは Copy で複製した追跡外のハンドルだけ。
type Scope struct {
	name string

	mu      sync.Mutex
	entries []scopeEntry
}

// NewScope は新しい Scope を生成する。
func NewScope(name string) *Scope {
	return &Scope{name: name}
}

// Track はハンドルを登録し、そのまま返す。
func Track[T Handle](s *Scope, h T, label string) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, scopeEntry{handle: h, label: label})
	return h
}

// Release は登録済みのハンドルを1つ取り除いて解放する。
func (s *Scope) Release(h Handle, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.handle == h {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	h.Release()
	slog.Debug("released handle", "scope", s.name, "label", label)
}

// ReleaseAll は残っているハンドルを登録順に解放する。
func (s *Scope) ReleaseAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	for _, e := range entries {
		e.handle.Release()
	}
	if len(entries) > 0 {
		slog.Debug("released scope", "scope", s.name, "handles", len(entries))
	}
}

// Len は追跡中のハンドル数を返す。
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
