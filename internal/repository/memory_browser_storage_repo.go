package repository

import (
	"context"
	"sync"
)

// MemoryBrowserStorageRepo はプロセス内メモリを使用したブラウザストレージ。
// 開発環境とテストで使用する。プロセス再起動で内容は失われる。
type MemoryBrowserStorageRepo struct {
	mu    sync.RWMutex
	items map[string]map[string]string
}

// NewMemoryBrowserStorageRepo はMemoryBrowserStorageRepoを生成する。
func NewMemoryBrowserStorageRepo() *MemoryBrowserStorageRepo {
	return &MemoryBrowserStorageRepo{
		items: make(map[string]map[string]string),
	}
}

// GetItem は指定キーの値を取得する。
func (r *MemoryBrowserStorageRepo) GetItem(ctx context.Context, browserID, key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.items[browserID][key]
	return value, ok, nil
}

// SetItem は指定キーに値を保存する。
func (r *MemoryBrowserStorageRepo) SetItem(ctx context.Context, browserID, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.items[browserID]
	if !ok {
		bucket = make(map[string]string)
		r.items[browserID] = bucket
	}
	bucket[key] = value
	return nil
}

// RemoveItem は指定キーを削除する。ブラウザの全キーが消えた場合はバケットごと削除する。
func (r *MemoryBrowserStorageRepo) RemoveItem(ctx context.Context, browserID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.items[browserID]
	if !ok {
		return nil
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(r.items, browserID)
	}
	return nil
}

// Len は保存されているブラウザ数を返す。テスト用。
func (r *MemoryBrowserStorageRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// compile-time interface check
var _ BrowserStorage = (*MemoryBrowserStorageRepo)(nil)
