// Package cleanup はブラウザストレージの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超えて更新されていないbrowser_storageの行を
// cronスケジュールで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionDays はブラウザストレージの既定の保持日数。
const DefaultRetentionDays = 30

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DeletedRowsRecorder は削除件数を記録するメトリクスのインターフェース。
type DeletedRowsRecorder interface {
	RecordStorageRowsDeleted(count int64)
}

// CleanupJob は保持期間を超過したブラウザストレージの自動削除ジョブ。
// 削除は冪等で、対象がなくてもエラーにならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	recorder      DeletedRowsRecorder
	RetentionDays int
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使う。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, retentionDays int, recorder DeletedRowsRecorder) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:            db,
		logger:        logger,
		recorder:      recorder,
		RetentionDays: retentionDays,
	}
}

// Run はupdated_atがRetentionDays日前より古い行を削除する。
// 同じブラウザのauthuserとemailForSignInは個別に判定される。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM browser_storage WHERE updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("ブラウザストレージのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ブラウザストレージのクリーンアップに失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordStorageRowsDeleted(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("ブラウザストレージのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Schedule はcronスケジュール（"@daily"や"0 3 * * *"など）でRunを登録する。
// 各実行はctxを引き継ぎ、エラーはログに出すだけで次回の実行は継続する。
func (j *CleanupJob) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return 0, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		// 失敗はRun内でログ出力済み
		_ = j.Run(ctx)
	})
}
