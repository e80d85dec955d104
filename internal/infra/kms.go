package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// KMSClient はCloud KMSクライアントをラップする。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
	now     func() time.Time
}

// NewKMSClient は鍵名を指定してKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME environment variable is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
		now:     time.Now,
	}, nil
}

// Encrypt は平文をCloud KMSで暗号化する。平文は64KiBまで。
// 鍵マテリアルは EnvelopeWrapper 経由でデータ鍵だけを渡す。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      c.keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文をCloud KMSで復号する。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       c.keyName,
		Ciphertext: ciphertext,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// ConfigureRotation はラップ用の鍵に自動ローテーションを設定する。
func (c *KMSClient) ConfigureRotation(ctx context.Context, period time.Duration) error {
	req := rotationUpdateRequest(c.keyName, period, c.now())
	if _, err := c.client.UpdateCryptoKey(ctx, req); err != nil {
		return fmt.Errorf("updating rotation schedule of %s: %w", c.keyName, err)
	}
	slog.InfoContext(ctx, "configured KMS key rotation",
		"kms_key_name", c.keyName,
		"rotation_period", period,
	)
	return nil
}

func rotationUpdateRequest(keyName string, period time.Duration, now time.Time) *kmspb.UpdateCryptoKeyRequest {
	return &kmspb.UpdateCryptoKeyRequest{
		CryptoKey: &kmspb.CryptoKey{
			Name: keyName,
			RotationSchedule: &kmspb.CryptoKey_RotationPeriod{
				RotationPeriod: durationpb.New(period),
			},
			NextRotationTime: timestamppb.New(now.Add(period)),
		},
		UpdateMask: &fieldmaskpb.FieldMask{
			Paths: []string{"rotation_period", "next_rotation_time"},
		},
	}
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}
