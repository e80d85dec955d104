package infra

import (
	"context"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// LocalWrapper はクラウドKMSを使わない環境で秘密鍵を XChaCha20-Poly1305 で包む。
// 出力は nonce || ciphertext。
type LocalWrapper struct {
	key []byte
}

// NewLocalWrapper は32バイトの鍵からLocalWrapperを生成する。
func NewLocalWrapper(key []byte) (*LocalWrapper, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("local wrap key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &LocalWrapper{key: k}, nil
}

// NewEphemeralWrapper はプロセス内だけで有効な乱数鍵のLocalWrapperを生成する。
func NewEphemeralWrapper() (*LocalWrapper, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating wrap key: %w", err)
	}
	return &LocalWrapper{key: key}, nil
}

// Encrypt は平文を暗号化する。
func (w *LocalWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(w.key)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt は暗号文を復号する。
func (w *LocalWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(w.key)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("decrypting: ciphertext too short (%d bytes)", len(ciphertext))
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
