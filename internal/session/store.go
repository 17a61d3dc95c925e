// Package session はブラウザごとのログイン状態とサインイン待ちメールアドレスの永続化を提供する。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/emaillink/internal/model"
	"github.com/hitoshi/emaillink/internal/repository"
)

// Store はブラウザストレージ上のSessionレコードを管理する。
// authuserキーに最大1件のSessionをJSONで保持する。
type Store struct {
	storage repository.BrowserStorage
	logger  *slog.Logger
}

// NewStore はStoreを生成する。
func NewStore(storage repository.BrowserStorage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage: storage,
		logger:  logger,
	}
}

// Read は保存されているSessionを返す。
// 値が存在しない、JSONとして不正、またはストレージが失敗した場合はnilを返す。
// エラーは返さずログにのみ記録する。
func (s *Store) Read(ctx context.Context, browserID string) *model.Session {
	raw, ok, err := s.storage.GetItem(ctx, browserID, repository.KeyAuthUser)
	if err != nil {
		s.logger.Warn("failed to read session",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok || raw == "" || raw == "null" {
		return nil
	}

	var sess model.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.logger.Warn("discarding malformed session record",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	sess = sess.Normalize()
	return &sess
}

// Write はSessionをシリアライズして保存する。既存のレコードは丸ごと置き換えられる。
func (s *Store) Write(ctx context.Context, browserID string, sess model.Session) error {
	data, err := json.Marshal(sess.Normalize())
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := s.storage.SetItem(ctx, browserID, repository.KeyAuthUser, string(data)); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// Clear は保存されているSessionを削除する。
func (s *Store) Clear(ctx context.Context, browserID string) error {
	if err := s.storage.RemoveItem(ctx, browserID, repository.KeyAuthUser); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// PendingEmail はサインイン完了待ちのメールアドレスを返す。未設定の場合は空文字列。
func (s *Store) PendingEmail(ctx context.Context, browserID string) string {
	email, ok, err := s.storage.GetItem(ctx, browserID, repository.KeyEmailForSignIn)
	if err != nil {
		s.logger.Warn("failed to read pending email",
			slog.String("browser_id", browserID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if !ok {
		return ""
	}
	return email
}

// SetPendingEmail はサインイン完了待ちのメールアドレスを保存する。
func (s *Store) SetPendingEmail(ctx context.Context, browserID, email string) error {
	if err := s.storage.SetItem(ctx, browserID, repository.KeyEmailForSignIn, email); err != nil {
		return fmt.Errorf("failed to write pending email: %w", err)
	}
	return nil
}

// ClearPendingEmail はサインイン完了待ちのメールアドレスを削除する。
func (s *Store) ClearPendingEmail(ctx context.Context, browserID string) error {
	if err := s.storage.RemoveItem(ctx, browserID, repository.KeyEmailForSignIn); err != nil {
		return fmt.Errorf("failed to clear pending email: %w", err)
	}
	return nil
}
