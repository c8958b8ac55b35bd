// Package database は通知パイプラインのPostgreSQL接続とスキーマ管理を提供する。
// スキーマはバイナリに埋め込んだSQLから適用する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// NewMigrator は埋め込みの通知スキーマを適用するmigrateインスタンスを生成する。
// 呼び出し側でCloseすること。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("埋め込みマイグレーションの読み込みに失敗しました: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("マイグレーション先のデータベースを開けません: %w", err)
	}
	return m, nil
}

// RunMigrations は未適用の通知スキーマを適用する。最新の場合は何もしない。
// 前回の適用が途中で失敗してdirtyのままの場合は、修復が必要なバージョンをエラーに含める。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("スキーマ version %d が前回の適用失敗でdirtyのままです: %w", dirty.Version, err)
		}
		return fmt.Errorf("通知スキーマの適用に失敗しました: %w", err)
	}
	return nil
}

// SchemaVersion は適用済みの通知スキーマのバージョンを返す。未適用の場合は0。
func SchemaVersion(databaseURL string) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("スキーマバージョンの取得に失敗しました: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("スキーマ version %d がdirtyです", version)
	}
	return version, nil
}
