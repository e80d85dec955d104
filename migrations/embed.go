// Package migrations は方言ごとのスキーマ定義SQLを埋め込む。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// Dialect は方言名 (mysql, sqlite) に対応するマイグレーションファイル群を返す。
func Dialect(name string) (fs.FS, error) {
	switch name {
	case "mysql", "sqlite":
		return fs.Sub(files, name)
	}
	return nil, fmt.Errorf("unsupported migration dialect %q", name)
}
