package domain

import "time"

// MigrationStatus はスキーマ変更の適用状態。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
	// MigrationStatusModified は適用後にSQLファイルの内容が変わったことを表す。
	MigrationStatusModified MigrationStatus = "modified"
)

// Migration は鍵レコード用スキーマの変更1件。ファイル名は {version}_{name}.sql。
type Migration struct {
	Version   string          `json:"version"`
	Name      string          `json:"name"`
	FilePath  string          `json:"-"`
	Checksum  string          `json:"checksum,omitempty"` // SQLのSHA-256（16進）
	AppliedAt *time.Time      `json:"appliedAt,omitempty"`
	Status    MigrationStatus `json:"status"`
}

// IsApplied は変更後のものも含めて適用済みかを返す。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied || m.Status == MigrationStatusModified
}
