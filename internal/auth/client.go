package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/dashboard/internal/analytics"
	"github.com/hitoshi/dashboard/internal/identity"
	"github.com/hitoshi/dashboard/internal/kvstore"
	"github.com/hitoshi/dashboard/internal/model"
)

// CredentialStore は認証情報の永続化先。
type CredentialStore interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// EventRecorder は認証に関する分析イベントを記録する。
type EventRecorder interface {
	SignIn(method analytics.Method)
	SignUp(method analytics.Method)
	SignOut()
}

// Client はサインイン状態を保持し、状態の変化を購読者に通知する。
type Client struct {
	provider Provider
	store    CredentialStore
	events   EventRecorder
	now      func() time.Time

	mu        sync.Mutex
	cred      *Credential
	listeners map[int]identity.Listener
	nextID    int
}

// NewClient は新しいClientを生成する。
func NewClient(provider Provider, store CredentialStore, events EventRecorder) *Client {
	return &Client{
		provider:  provider,
		store:     store,
		events:    events,
		now:       time.Now,
		listeners: make(map[int]identity.Listener),
	}
}

// Start は永続化された認証情報を復元する。
// IDトークンの有効期限が切れている場合は更新し、更新できなければサインアウト状態とする。
func (c *Client) Start(ctx context.Context) error {
	var cred Credential
	found, err := c.store.Get(ctx, kvstore.KeyCredential, &cred)
	if err != nil {
		return fmt.Errorf("failed to restore credential: %w", err)
	}
	if !found {
		return nil
	}

	if cred.Expired(c.now()) {
		refreshed, err := c.provider.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			slog.Warn("Failed to refresh credential",
				slog.String("user_id", cred.Principal.UID),
				slog.String("error", err.Error()),
			)
			if err := c.store.Delete(ctx, kvstore.KeyCredential); err != nil {
				return fmt.Errorf("failed to discard credential: %w", err)
			}
			return nil
		}
		if refreshed.Principal.Email == "" {
			refreshed.Principal.Email = cred.Principal.Email
		}
		if err := c.store.Put(ctx, kvstore.KeyCredential, refreshed); err != nil {
			return fmt.Errorf("failed to persist credential: %w", err)
		}
		cred = *refreshed
	}

	c.mu.Lock()
	c.cred = &cred
	c.mu.Unlock()
	return nil
}

// Subscribe は状態の変化を購読する。購読直後に現在の状態を1回通知する。
func (c *Client) Subscribe(fn identity.Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	current := c.principalLocked()
	c.mu.Unlock()

	fn(context.Background(), current)

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Current は現在のプリンシパルを返す。未サインインの場合はnil。
func (c *Client) Current() *model.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principalLocked()
}

func (c *Client) principalLocked() *model.Principal {
	if c.cred == nil {
		return nil
	}
	p := c.cred.Principal
	return &p
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Principal, error) {
	cred, err := c.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		slog.Error("Email sign in failed", slog.String("error", err.Error()))
		return nil, err
	}
	if err := c.setCredential(ctx, cred); err != nil {
		return nil, err
	}
	c.events.SignIn(analytics.MethodEmail)
	return &cred.Principal, nil
}

// SignUp はメールアドレスとパスワードでアカウントを作成し、サインインする。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Principal, error) {
	cred, err := c.provider.SignUp(ctx, email, password)
	if err != nil {
		slog.Error("Email sign up failed", slog.String("error", err.Error()))
		return nil, err
	}
	if err := c.setCredential(ctx, cred); err != nil {
		return nil, err
	}
	c.events.SignUp(analytics.MethodEmail)
	return &cred.Principal, nil
}

// SignInWithGoogle はGoogleのIDトークンでサインインする。初回の場合はサインアップとして記録する。
func (c *Client) SignInWithGoogle(ctx context.Context, googleIDToken string) (*model.Principal, error) {
	cred, err := c.provider.SignInWithIDP(ctx, GoogleProviderID, googleIDToken)
	if err != nil {
		slog.Error("Google sign in failed", slog.String("error", err.Error()))
		return nil, err
	}
	if err := c.setCredential(ctx, cred); err != nil {
		return nil, err
	}
	if cred.IsNewUser {
		c.events.SignUp(analytics.MethodGoogle)
	} else {
		c.events.SignIn(analytics.MethodGoogle)
	}
	return &cred.Principal, nil
}

// SignOut はサインアウトする。
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.store.Delete(ctx, kvstore.KeyCredential); err != nil {
		slog.Error("Sign out failed", slog.String("error", err.Error()))
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()

	c.events.SignOut()
	c.notify(ctx, nil)
	return nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	if err := c.provider.SendPasswordReset(ctx, email); err != nil {
		slog.Error("Password reset failed", slog.String("error", err.Error()))
		return err
	}
	slog.Info("Password reset email sent")
	return nil
}

func (c *Client) setCredential(ctx context.Context, cred *Credential) error {
	if err := c.store.Put(ctx, kvstore.KeyCredential, cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	p := cred.Principal
	c.notify(ctx, &p)
	return nil
}

// notify は購読者に状態の変化を通知する。ロックを保持せずに呼び出す。
func (c *Client) notify(ctx context.Context, p *model.Principal) {
	c.mu.Lock()
	listeners := make([]identity.Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ctx, p)
	}
}

// compile-time interface check
var _ identity.StateSource = (*Client)(nil)
