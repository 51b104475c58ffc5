// Package identity はサインイン中のユーザーのローカルキャッシュと、
// 認証状態の変化に応じたリモート文書（User / Settings）の同期を提供する。
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/dashboard/internal/kvstore"
	"github.com/hitoshi/dashboard/internal/model"
)

// KV はキャッシュの永続化先となるキー・バリューストア。
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Cache はサインイン中のユーザーをローカルに永続化するキャッシュ。
// 書き込みは認証状態の変化を処理する側からのみ行われ、他は読み取りのみ行う。
type Cache struct {
	kv KV

	mu   sync.RWMutex
	user *model.AuthUser

	restored    chan struct{}
	restoreOnce sync.Once
}

// NewCache は新しいCacheを生成する。Restoreが呼ばれるまでユーザーは未設定となる。
func NewCache(kv KV) *Cache {
	return &Cache{
		kv:       kv,
		restored: make(chan struct{}),
	}
}

// Restore は永続化されたユーザーを読み込む。
// 読み込みに失敗した場合もキャッシュは復元済み（未サインイン）として扱い、エラーを返す。
func (c *Cache) Restore(ctx context.Context) error {
	defer c.markRestored()

	var u model.AuthUser
	found, err := c.kv.Get(ctx, kvstore.KeyIdentity, &u)
	if err != nil {
		slog.Warn("Failed to restore identity cache", slog.String("error", err.Error()))
		return fmt.Errorf("failed to restore identity cache: %w", err)
	}
	if !found {
		return nil
	}

	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
	slog.Debug("identity cache restored", slog.String("user_id", u.ID))
	return nil
}

func (c *Cache) markRestored() {
	c.restoreOnce.Do(func() { close(c.restored) })
}

// Restored は復元完了時にcloseされるチャネルを返す。
func (c *Cache) Restored() <-chan struct{} {
	return c.restored
}

// IsRestored は復元が完了しているかを返す。
func (c *Cache) IsRestored() bool {
	select {
	case <-c.restored:
		return true
	default:
		return false
	}
}

// User は現在のユーザーのコピーを返す。未サインインの場合はnil。
func (c *Cache) User() *model.AuthUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// Set はユーザーを置き換えて永続化する。nilの場合はClearと同じ。
func (c *Cache) Set(ctx context.Context, u *model.AuthUser) error {
	if u == nil {
		return c.Clear(ctx)
	}
	copied := *u
	c.mu.Lock()
	c.user = &copied
	c.mu.Unlock()

	if err := c.kv.Put(ctx, kvstore.KeyIdentity, copied); err != nil {
		return fmt.Errorf("failed to persist identity cache: %w", err)
	}
	return nil
}

// Update は現在のユーザーに部分更新を適用する。未サインインの場合は何もしない。
func (c *Cache) Update(ctx context.Context, upd model.AuthUserUpdate) error {
	c.mu.Lock()
	if c.user == nil {
		c.mu.Unlock()
		return nil
	}
	if upd.Email != nil {
		c.user.Email = *upd.Email
	}
	if upd.DisplayName != nil {
		c.user.DisplayName = *upd.DisplayName
	}
	if upd.PhotoURL != nil {
		c.user.PhotoURL = *upd.PhotoURL
	}
	snapshot := *c.user
	c.mu.Unlock()

	if err := c.kv.Put(ctx, kvstore.KeyIdentity, snapshot); err != nil {
		return fmt.Errorf("failed to persist identity cache: %w", err)
	}
	return nil
}

// Clear はユーザーを削除する。
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()

	if err := c.kv.Delete(ctx, kvstore.KeyIdentity); err != nil {
		return fmt.Errorf("failed to clear identity cache: %w", err)
	}
	return nil
}

// IsLoggedIn はユーザーがサインインしているかを返す。
func (c *Cache) IsLoggedIn() bool {
	return c.User() != nil
}

// Email はサインイン中のユーザーのメールアドレスを返す。
func (c *Cache) Email() string {
	if u := c.User(); u != nil {
		return u.Email
	}
	return ""
}

// UserID はサインイン中のユーザーのIDを返す。
func (c *Cache) UserID() string {
	if u := c.User(); u != nil {
		return u.ID
	}
	return ""
}
