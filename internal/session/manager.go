// Package session はこのクライアントのログインセッションのライフサイクルを管理する。
//
// サインイン時にセッションを開始し、認証が必要なコマンドのたびに最終アクティブ時刻を更新し、
// サインアウト時に終了する。現在のセッションIDと端末IDはローカルのキー・バリューストアに保持する。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dashboard/internal/kvstore"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// KV はローカル状態の永続化インターフェース。
type KV interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Config はセッション管理の設定。
type Config struct {
	Platform model.Platform
	// DeviceID が空の場合は初回に生成した値をローカルに保存して使い続ける。
	DeviceID string
	// Lifetime が0の場合、セッションは期限切れにならない。
	Lifetime time.Duration
}

// current はローカルに保存する現在のセッションの参照。
type current struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

// Manager は現在のセッションを管理する。
type Manager struct {
	repo repository.SessionRepository
	kv   KV
	cfg  Config
	now  func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(repo repository.SessionRepository, kv KV, cfg Config) *Manager {
	if cfg.Platform == "" {
		cfg.Platform = model.PlatformWeb
	}
	return &Manager{repo: repo, kv: kv, cfg: cfg, now: time.Now}
}

// DeviceID はこの端末の識別子を返す。
func (m *Manager) DeviceID(ctx context.Context) (string, error) {
	if m.cfg.DeviceID != "" {
		return m.cfg.DeviceID, nil
	}

	var id string
	found, err := m.kv.Get(ctx, kvstore.KeyDeviceID, &id)
	if err != nil {
		return "", fmt.Errorf("failed to load device id: %w", err)
	}
	if found && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := m.kv.Put(ctx, kvstore.KeyDeviceID, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	slog.Info("Device id generated", slog.String("device_id", id))
	return id, nil
}

// Start は新しいセッションを開始し、現在のセッションとして記録する。
// 記録済みのセッションがあれば先に終了する。
func (m *Manager) Start(ctx context.Context, userID string) (*model.Session, error) {
	if err := m.End(ctx); err != nil {
		slog.Warn("Failed to end previous session",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	deviceID, err := m.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	in := model.NewSession{
		UserID:   userID,
		Platform: m.cfg.Platform,
		DeviceID: &deviceID,
	}
	if m.cfg.Lifetime > 0 {
		expiresAt := m.now().Add(m.cfg.Lifetime)
		in.ExpiresAt = &expiresAt
	}

	s, err := m.repo.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	if err := m.kv.Put(ctx, kvstore.KeySessionID, current{ID: s.ID, UserID: userID}); err != nil {
		return nil, fmt.Errorf("failed to record current session: %w", err)
	}
	return s, nil
}

// Current は現在のセッションを返す。記録がない、または文書が存在しない場合はnilを返す。
func (m *Manager) Current(ctx context.Context) (*model.Session, error) {
	var cur current
	found, err := m.kv.Get(ctx, kvstore.KeySessionID, &cur)
	if err != nil {
		return nil, fmt.Errorf("failed to load current session: %w", err)
	}
	if !found || cur.ID == "" {
		return nil, nil
	}
	s, err := m.repo.FindByID(ctx, cur.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get current session: %w", err)
	}
	return s, nil
}

// Touch は現在のセッションの最終アクティブ時刻を更新する。
// 現在のセッションが別ユーザーのもの、終了済み、期限切れ、または存在しない場合は新しいセッションを開始する。
func (m *Manager) Touch(ctx context.Context, userID string) (*model.Session, error) {
	s, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil || s.UserID != userID || !s.IsActive || s.Expired(m.now()) {
		return m.Start(ctx, userID)
	}

	if err := m.repo.Touch(ctx, s.ID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return s, nil
}

// End は現在のセッションを終了し、ローカルの記録を削除する。
// 現在のセッションが記録されていない場合は何もしない。
func (m *Manager) End(ctx context.Context) error {
	var cur current
	found, err := m.kv.Get(ctx, kvstore.KeySessionID, &cur)
	if err != nil {
		return fmt.Errorf("failed to load current session: %w", err)
	}
	if !found {
		return nil
	}

	if cur.ID != "" {
		if err := m.repo.End(ctx, cur.ID); err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
	}
	if err := m.kv.Delete(ctx, kvstore.KeySessionID); err != nil {
		return fmt.Errorf("failed to forget current session: %w", err)
	}
	return nil
}

// EndAll は指定ユーザーのアクティブなセッションをすべて終了し、終了した件数を返す。
func (m *Manager) EndAll(ctx context.Context, userID string) (int, error) {
	n, err := m.repo.EndAllByUserID(ctx, userID)
	if err != nil {
		return n, fmt.Errorf("failed to end all sessions: %w", err)
	}
	if err := m.kv.Delete(ctx, kvstore.KeySessionID); err != nil {
		return n, fmt.Errorf("failed to forget current session: %w", err)
	}
	return n, nil
}

// List は指定ユーザーのアクティブなセッションを最終アクティブ時刻の降順で返す。
func (m *Manager) List(ctx context.Context, userID string, max int) ([]*model.Session, error) {
	sessions, err := m.repo.ListActiveByUserID(ctx, userID, max)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}
