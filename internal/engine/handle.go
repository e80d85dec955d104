package engine

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"fhe-engine/internal/domain"
)

// Handle は所有者がちょうど1つのネイティブオブジェクトを表す。
type Handle interface {
	Release()
	Released() bool
}

// native は Context 上で確保回数を数えるハンドルの共通実装。
// Context が Dispose された時点で、そこから得たハンドルはすべて無効になる。
type native[T any] struct {
	owner *Context

	mu       sync.Mutex
	value    T
	released bool
}

func newNative[T any](owner *Context, value T) *native[T] {
	owner.allocated.Add(1)
	return &native[T]{owner: owner, value: value}
}

// Release はハンドルを解放する。2回目以降は何もしない。
func (n *native[T]) Release() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return
	}
	var zero T
	n.value = zero
	n.released = true
	n.owner.freed.Add(1)
}

// Released は解放済み、または所有 Context が破棄済みかどうかを返す。
func (n *native[T]) Released() bool {
	n.mu.Lock()
	released := n.released
	n.mu.Unlock()
	return released || n.owner.Disposed()
}

func (n *native[T]) get() (T, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released || n.owner.Disposed() {
		var zero T
		return zero, domain.ErrHandleReleased
	}
	return n.value, nil
}

// Ciphertext は暗号文のハンドル。length は復号時に返す値の数。
// depth は暗号化してから重ねた乗算の回数。
type Ciphertext struct {
	*native[*rlwe.Ciphertext]
	length int
	depth  int
}

func newCiphertext(owner *Context, ct *rlwe.Ciphertext, length int) *Ciphertext {
	return &Ciphertext{native: newNative(owner, ct), length: length}
}

// derive は c の値の数と乗算深さを引き継いだ新しいハンドルを返す。
func (c *Ciphertext) derive(ct *rlwe.Ciphertext) *Ciphertext {
	out := newCiphertext(c.owner, ct, c.length)
	out.depth = c.depth
	return out
}

// Len は暗号化された値の数を返す。
func (c *Ciphertext) Len() int {
	return c.length
}

// Depth は暗号化してから重ねた乗算の回数を返す。
func (c *Ciphertext) Depth() int {
	return c.depth
}

// Level は暗号文の現在のレベルを返す。解放済みの場合は -1。
func (c *Ciphertext) Level() int {
	ct, err := c.get()
	if err != nil {
		return -1
	}
	return ct.Level()
}

// Degree は暗号文の次数を返す。再線形化前の積は 2 になる。解放済みの場合は -1。
func (c *Ciphertext) Degree() int {
	ct, err := c.get()
	if err != nil {
		return -1
	}
	return ct.Degree()
}

// Copy は同じ内容を持つ新しいハンドルを返す。元のハンドルの追跡状態は引き継がない。
func (c *Ciphertext) Copy() (*Ciphertext, error) {
	ct, err := c.get()
	if err != nil {
		return nil, err
	}
	return c.derive(ct.CopyNew()), nil
}

// MarshalBinary は暗号文をライブラリ形式でシリアライズする。
func (c *Ciphertext) MarshalBinary() ([]byte, error) {
	ct, err := c.get()
	if err != nil {
		return nil, err
	}
	data, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshaling ciphertext: %w", err)
	}
	return data, nil
}

// Plaintext は符号化済み平文のハンドル。
type Plaintext struct {
	*native[*rlwe.Plaintext]
	length int
}

func newPlaintext(owner *Context, pt *rlwe.Plaintext, length int) *Plaintext {
	return &Plaintext{native: newNative(owner, pt), length: length}
}

// Len は符号化された値の数を返す。
func (p *Plaintext) Len() int {
	return p.length
}

// keyHandle は鍵マテリアルのハンドル。
type keyHandle[T any] struct {
	*native[T]
}

func newKeyHandle[T any](owner *Context, key T) *keyHandle[T] {
	return &keyHandle[T]{native: newNative(owner, key)}
}
