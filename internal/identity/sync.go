package identity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/dashboard/internal/model"
)

// State は認証状態。
type State string

const (
	StateSignedOut State = "SIGNED_OUT"
	StateSignedIn  State = "SIGNED_IN"
)

// Listener は認証状態の変化を受け取る。principalがnilの場合はサインアウトを表す。
type Listener func(ctx context.Context, principal *model.Principal)

// StateSource は認証状態の変化を通知する外部IDサービス。
// Subscribe は購読直後に現在の状態を1回通知し、以降は変化のたびに通知する。
type StateSource interface {
	Subscribe(fn Listener) (unsubscribe func())
}

// UserEnsurer はユーザー文書の取得または作成を行う。
type UserEnsurer interface {
	Ensure(ctx context.Context, id string, defaults model.NewUser) (*model.User, error)
}

// SettingsEnsurer は設定文書の取得または作成を行う。
type SettingsEnsurer interface {
	Ensure(ctx context.Context, userID string) (*model.Settings, error)
}

// AnalyticsIdentity は分析イベントのユーザー関連付けを行う。
type AnalyticsIdentity interface {
	Identify(userID string)
	ClearIdentity()
}

// Sync は認証状態の変化に応じてローカルキャッシュとリモート文書を同期する。
// リモート文書の同期は失敗してもサインインを妨げない。
type Sync struct {
	cache     *Cache
	users     UserEnsurer
	settings  SettingsEnsurer
	analytics AnalyticsIdentity

	// mu は状態遷移の処理を直列化する
	mu    sync.Mutex
	state State

	handled     chan struct{}
	handledOnce sync.Once

	unsubscribe func()
}

// NewSync は新しいSyncを生成する。
func NewSync(cache *Cache, users UserEnsurer, settings SettingsEnsurer, analytics AnalyticsIdentity) *Sync {
	return &Sync{
		cache:     cache,
		users:     users,
		settings:  settings,
		analytics: analytics,
		state:     StateSignedOut,
		handled:   make(chan struct{}),
	}
}

// Start はsrcの認証状態の購読を開始する。
func (s *Sync) Start(src StateSource) {
	s.unsubscribe = src.Subscribe(s.Handle)
}

// Stop は購読を解除する。
func (s *Sync) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// Handle は認証状態の変化を1件処理する。
func (s *Sync) Handle(ctx context.Context, principal *model.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.handledOnce.Do(func() { close(s.handled) })

	if principal == nil {
		s.signedOut(ctx)
		return
	}
	s.signedIn(ctx, *principal)
}

func (s *Sync) signedIn(ctx context.Context, p model.Principal) {
	authUser := model.AuthUserFromPrincipal(p)
	s.state = StateSignedIn

	if err := s.cache.Set(ctx, &authUser); err != nil {
		slog.Error("Failed to cache signed-in user",
			slog.String("user_id", p.UID),
			slog.String("error", err.Error()),
		)
	}

	if _, err := s.users.Ensure(ctx, p.UID, model.NewUserFromPrincipal(p)); err != nil {
		slog.Error("Failed to ensure user",
			slog.String("user_id", p.UID),
			slog.String("error", err.Error()),
		)
	}

	if _, err := s.settings.Ensure(ctx, p.UID); err != nil {
		slog.Error("Failed to ensure settings",
			slog.String("user_id", p.UID),
			slog.String("error", err.Error()),
		)
	}

	s.analytics.Identify(p.UID)
	slog.Info("User signed in", slog.String("user_id", p.UID))
}

func (s *Sync) signedOut(ctx context.Context) {
	s.state = StateSignedOut

	if err := s.cache.Clear(ctx); err != nil {
		slog.Error("Failed to clear identity cache", slog.String("error", err.Error()))
	}
	s.analytics.ClearIdentity()
	slog.Info("User signed out")
}

// State は最後に処理した認証状態を返す。
func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Loading は最初の認証状態の処理とキャッシュの復元のいずれかが未完了の間trueを返す。
func (s *Sync) Loading() bool {
	select {
	case <-s.handled:
	default:
		return true
	}
	return !s.cache.IsRestored()
}

// WaitReady はLoadingがfalseになるまで待機する。
func (s *Sync) WaitReady(ctx context.Context) error {
	select {
	case <-s.handled:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.cache.Restored():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
