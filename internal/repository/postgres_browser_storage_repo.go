package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresBrowserStorageRepo はPostgreSQLを使用したブラウザストレージ。
type PostgresBrowserStorageRepo struct {
	db *sql.DB
}

// NewPostgresBrowserStorageRepo はPostgresBrowserStorageRepoを生成する。
func NewPostgresBrowserStorageRepo(db *sql.DB) *PostgresBrowserStorageRepo {
	return &PostgresBrowserStorageRepo{db: db}
}

// GetItem は指定キーの値を取得する。
func (r *PostgresBrowserStorageRepo) GetItem(ctx context.Context, browserID, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM browser_storage WHERE browser_id = $1 AND key = $2`,
		browserID, key,
	).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get storage item %q: %w", key, err)
	}

	return value, true, nil
}

// SetItem は指定キーに値を保存する（UPSERT）。
func (r *PostgresBrowserStorageRepo) SetItem(ctx context.Context, browserID, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO browser_storage (browser_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (browser_id, key)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		browserID, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set storage item %q: %w", key, err)
	}
	return nil
}

// RemoveItem は指定キーを削除する。
func (r *PostgresBrowserStorageRepo) RemoveItem(ctx context.Context, browserID, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_storage WHERE browser_id = $1 AND key = $2`,
		browserID, key,
	)
	if err != nil {
		return fmt.Errorf("failed to remove storage item %q: %w", key, err)
	}
	return nil
}

// compile-time interface check
var _ BrowserStorage = (*PostgresBrowserStorageRepo)(nil)
