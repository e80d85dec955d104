package infra

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const envelopeVersion byte = 1

// KeyEncrypter は鍵暗号化鍵でデータ鍵を包む。KMSClient がこれを満たす。
type KeyEncrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// EnvelopeWrapper は秘密鍵を使い捨てのデータ鍵で暗号化し、データ鍵だけを kek で包む。
// Cloud KMS の Encrypt は 64KiB までしか受け付けないため、鍵マテリアルを直接渡さない。
// 出力は version(1) || len(wrappedKey)(4, big endian) || wrappedKey || nonce || ciphertext。
type EnvelopeWrapper struct {
	kek KeyEncrypter
}

// NewEnvelopeWrapper は kek でデータ鍵を包む EnvelopeWrapper を生成する。
func NewEnvelopeWrapper(kek KeyEncrypter) *EnvelopeWrapper {
	return &EnvelopeWrapper{kek: kek}
}

// Encrypt は平文を新しいデータ鍵で暗号化し、包んだデータ鍵と一緒に返す。
func (w *EnvelopeWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	defer clear(dek)

	local, err := NewLocalWrapper(dek)
	if err != nil {
		return nil, err
	}
	defer clear(local.key)

	sealed, err := local.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := w.kek.Encrypt(ctx, dek)
	if err != nil {
		return nil, fmt.Errorf("wrapping data key: %w", err)
	}

	out := make([]byte, 0, 5+len(wrappedKey)+len(sealed))
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(wrappedKey)))
	out = append(out, wrappedKey...)
	return append(out, sealed...), nil
}

// Decrypt はデータ鍵を kek で戻し、本体を復号する。
func (w *EnvelopeWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 5 {
		return nil, fmt.Errorf("decrypting: envelope too short (%d bytes)", len(ciphertext))
	}
	if ciphertext[0] != envelopeVersion {
		return nil, fmt.Errorf("decrypting: unknown envelope version %d", ciphertext[0])
	}
	n := binary.BigEndian.Uint32(ciphertext[1:5])
	if uint64(n) > uint64(len(ciphertext)-5) {
		return nil, fmt.Errorf("decrypting: wrapped data key length %d exceeds envelope", n)
	}
	wrappedKey, sealed := ciphertext[5:5+n], ciphertext[5+n:]

	dek, err := w.kek.Decrypt(ctx, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	defer clear(dek)

	local, err := NewLocalWrapper(dek)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	defer clear(local.key)
	return local.Decrypt(ctx, sealed)
}
