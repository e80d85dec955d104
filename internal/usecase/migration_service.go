package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"fhe-engine/internal/domain"

	"gorm.io/gorm"
)

// MigrationRepository は適用履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	Record(ctx context.Context, tx *gorm.DB, m *domain.Migration, appliedAt time.Time) error
}

// MigrationService は埋め込みSQLによるスキーマ変更を適用する。
type MigrationService struct {
	repo  MigrationRepository
	db    *gorm.DB
	files fs.FS
	now   func() time.Time
}

// NewMigrationService は新しいMigrationServiceを生成する。
// files の直下にある .sql ファイルをスキーマ変更として扱う。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, files fs.FS) *MigrationService {
	return &MigrationService{
		repo:  repo,
		db:    db,
		files: files,
		now:   time.Now,
	}
}

// scanMigrationFiles は .sql ファイルを読み込み、バージョン順に返す。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		sqlBytes, err := fs.ReadFile(s.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}
		sum := sha256.Sum256(sqlBytes)

		files = append(files, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: entry.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			Status:   domain.MigrationStatusPending,
		})
	}

	slices.SortFunc(files, func(a, b *domain.Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
	return files, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// 例: 001_create_fhe_key_records.sql
func parseMigrationFileName(filename string) (version, name string, err error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "_", 2)
	if len(parts) < 2 || !isDigits(parts[0]) || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// isDigits は s が空でなく数字だけからなるかを返す。
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// status はファイル一覧に適用履歴を重ねる。
// 記録済みのチェックサムと異なるファイルは Modified になる。
func (s *MigrationService) status(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}

	files, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "scan_migrations",
			"error", err,
		)
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}
	byVersion := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		byVersion[m.Version] = m
	}

	for _, m := range files {
		rec, ok := byVersion[m.Version]
		if !ok {
			continue
		}
		m.AppliedAt = rec.AppliedAt
		m.Status = domain.MigrationStatusApplied
		// 古い履歴にはチェックサムが無い
		if rec.Checksum != "" && rec.Checksum != m.Checksum {
			m.Status = domain.MigrationStatusModified
		}
	}
	return files, nil
}

// ApplyMigrations は未適用のスキーマ変更を番号順に実行し、適用した件数を返す。
// 適用後に内容が変わったファイルは再実行せず警告だけを出す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	all, err := s.status(ctx)
	if err != nil {
		return 0, err
	}

	appliedCount := 0
	for _, m := range all {
		if m.Status == domain.MigrationStatusModified {
			slog.WarnContext(ctx, "applied migration file has changed",
				"version", m.Version,
				"name", m.Name,
			)
		}
		if m.IsApplied() {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "applied migration",
			"version", m.Version,
			"name", m.Name,
		)
		appliedCount++
	}
	return appliedCount, nil
}

// applyMigration はSQLの実行と履歴の記録を同じトランザクションで行う。
func (s *MigrationService) applyMigration(ctx context.Context, m *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.files, m.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(string(sqlBytes)).Error; err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		return s.repo.Record(ctx, tx, m, s.now())
	})
}

// GetMigrationStatus は各スキーマ変更の適用状態を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	statuses, err := s.status(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get migration status",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, err
	}
	return statuses, nil
}
