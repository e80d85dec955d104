package domain

import "errors"

var (
	// ErrLibraryUnavailable は暗号ライブラリを読み込めなかった場合のエラー。
	ErrLibraryUnavailable = errors.New("encryption library unavailable")

	// ErrInvalidParameters はパラメータがライブラリに受理されなかった場合のエラー。
	ErrInvalidParameters = errors.New("invalid encryption parameters")

	// ErrNotInitialized は初期化前または破棄後に呼び出された場合のエラー。
	ErrNotInitialized = errors.New("not initialized")

	// ErrAlreadyInitialized は二重に初期化しようとした場合のエラー。
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrKeyGenerationFailed は鍵生成に失敗した場合のエラー。
	ErrKeyGenerationFailed = errors.New("key generation failed")

	// ErrKeysNotGenerated は鍵が未生成の状態で鍵を要する操作をした場合のエラー。
	ErrKeysNotGenerated = errors.New("keys not generated")

	// ErrMissingEvaluationKeys は再線形化鍵またはガロア鍵が無い場合のエラー。
	ErrMissingEvaluationKeys = errors.New("missing evaluation keys")

	// ErrSchemeMismatch は方式に合わないエンコーダや鍵を要求した場合のエラー。
	ErrSchemeMismatch = errors.New("scheme mismatch")

	// ErrUnsupportedOperation は方式が対応しない演算を要求した場合のエラー。
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrInvalidArgument は引数が不正な場合のエラー。
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDepthExceeded は乗算の回数がパラメータの許す深さを超える場合のエラー。
	ErrDepthExceeded = errors.New("multiplicative depth exceeded")

	// ErrKeyRotationFailed は鍵ローテーションに失敗した場合のエラー。
	ErrKeyRotationFailed = errors.New("key rotation failed")

	// ErrStorageUnavailable は鍵ストアにアクセスできない場合のエラー。
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrKeyNotFound は指定IDの鍵レコードが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrHandleReleased は解放済みのネイティブハンドルを使った場合のエラー。
	ErrHandleReleased = errors.New("native handle already released")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
