package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"fhe-engine/internal/domain"
)

// SerializeOptions は鍵シリアライズのオプション。
type SerializeOptions struct {
	Compression domain.Compression
}

// SerializedKeys はシリアライズ済みの鍵一式。
// 各フィールドはライブラリ形式のバイト列を Compression で圧縮したもの。
type SerializedKeys struct {
	Scheme      domain.SchemeKind
	Compression domain.Compression
	PublicKey   []byte
	SecretKey   []byte
	RelinKeys   []byte
	GaloisKeys  []byte
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(c domain.Compression, data []byte) ([]byte, error) {
	switch c {
	case "", domain.CompressionNone:
		return data, nil
	case domain.CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case domain.CompressionS2:
		return s2.Encode(nil, data), nil
	}
	return nil, fmt.Errorf("%w: unknown compression %q", domain.ErrInvalidArgument, c)
}

func decompress(c domain.Compression, data []byte) ([]byte, error) {
	switch c {
	case "", domain.CompressionNone:
		return data, nil
	case domain.CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case domain.CompressionS2:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown compression %q", domain.ErrInvalidArgument, c)
}

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

func marshalCompressed(c domain.Compression, m binaryMarshaler) ([]byte, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return compress(c, data)
}

// marshalGaloisKeys はガロア鍵を [件数][長さ|本体]... の形式で連結する。
func marshalGaloisKeys(gks []*rlwe.GaloisKey) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(gks))); err != nil {
		return nil, err
	}
	for _, gk := range gks {
		data, err := gk.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshaling galois key %d: %w", gk.GaloisElement, err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(data))); err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func unmarshalGaloisKeys(data []byte) ([]*rlwe.GaloisKey, error) {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading galois key count: %w", err)
	}
	gks := make([]*rlwe.GaloisKey, 0, count)
	for i := uint32(0); i < count; i++ {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("reading galois key %d length: %w", i, err)
		}
		if int64(size) > int64(r.Len()) {
			return nil, fmt.Errorf("galois key %d truncated", i)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("reading galois key %d: %w", i, err)
		}
		gk := new(rlwe.GaloisKey)
		if err := gk.UnmarshalBinary(body); err != nil {
			return nil, fmt.Errorf("unmarshaling galois key %d: %w", i, err)
		}
		gks = append(gks, gk)
	}
	return gks, nil
}
