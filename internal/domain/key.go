package domain

import (
	"fmt"
	"time"
)

// KeyRecordVersion は永続化する鍵レコードのフォーマットバージョン。
const KeyRecordVersion = "1.0"

// KeyStatus は永続化された鍵レコードの状態を表す。
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRetired KeyStatus = "retired"
)

// KeyState はローテーションサービス内での鍵のライフサイクル状態を表す。
type KeyState string

const (
	KeyStateGenerated KeyState = "generated"
	KeyStateActive    KeyState = "active"
	KeyStateScheduled KeyState = "scheduled"
	KeyStateRetired   KeyState = "retired"
	KeyStateExpired   KeyState = "expired"
)

// Compression は鍵バイト列の圧縮方式を表す。
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionS2   Compression = "s2"
)

// ParseCompression は文字列から圧縮方式を解釈する。空文字は none として扱う。
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionS2:
		return Compression(s), nil
	}
	return "", fmt.Errorf("%w: unknown compression %q", ErrInvalidArgument, s)
}

// KeyRecord は永続化境界を越える唯一の鍵マテリアルの形式。
// バイト列フィールドはライブラリ固有のシリアライズ結果であり、外部から解釈してはならない。
type KeyRecord struct {
	ID                  string      `json:"id"`
	PublicKey           []byte      `json:"publicKey"`
	PrivateKeyEncrypted []byte      `json:"privateKeyEncrypted"`
	RelinKeys           []byte      `json:"relinKeys,omitempty"`
	GaloisKeys          []byte      `json:"galoisKeys,omitempty"`
	SchemeType          SchemeKind  `json:"schemeType"`
	Created             time.Time   `json:"created"`
	Expires             time.Time   `json:"expires"`
	Version             string      `json:"version"`
	Compression         Compression `json:"compression,omitempty"`
	Status              KeyStatus   `json:"status,omitempty"`
	// Placeholder はエンジン不在時に合成したダミー鍵であることを示す。
	Placeholder bool `json:"placeholder,omitempty"`
}

// Validate はレコードの不変条件を検証する。
func (r *KeyRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: key record id is empty", ErrInvalidArgument)
	}
	if !r.Expires.After(r.Created) {
		return fmt.Errorf("%w: key record %s expires at or before creation", ErrInvalidArgument, r.ID)
	}
	return nil
}

// IsExpired は指定時刻において期限切れかどうかを返す。
func (r *KeyRecord) IsExpired(now time.Time) bool {
	return !r.Expires.After(now)
}

// HasEvaluationKeys は再線形化鍵とガロア鍵の両方を含むかどうかを返す。
func (r *KeyRecord) HasEvaluationKeys() bool {
	return len(r.RelinKeys) > 0 && len(r.GaloisKeys) > 0
}
