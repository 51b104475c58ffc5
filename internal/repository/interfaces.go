// Package repository はユーザー・設定・セッションの永続化操作を提供する。
//
// 実装は docstore.Store 上に構築され、読み取り時は mapper で検証し、
// 作成・更新後は文書を再読み取りして検証済みのエンティティを返す。
// トランスポート障害は操作名と識別子を付けてログ出力し、ラップせずにそのまま返す。
package repository

import (
	"context"

	"github.com/hitoshi/dashboard/internal/model"
)

// UserRepository はユーザーの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// Exists は指定IDのユーザー文書が存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)
	// Create はユーザーを作成し、再読み取りした結果を返す。
	Create(ctx context.Context, id string, u model.NewUser) (*model.User, error)
	// Update は指定されたフィールドのみを更新し、再読み取りした結果を返す。
	Update(ctx context.Context, id string, u model.UserUpdate) (*model.User, error)
	// DeleteByID は指定IDのユーザーを削除する。
	DeleteByID(ctx context.Context, id string) error
	// Ensure は既存のユーザーを返し、存在しない場合は defaults で作成する。
	Ensure(ctx context.Context, id string, defaults model.NewUser) (*model.User, error)
}

// SettingsRepository はユーザー設定の永続化インターフェース。
// 設定の文書IDはユーザーIDと等しい。
type SettingsRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.Settings, error)
	// Create は既定の設定を作成する。
	Create(ctx context.Context, userID string) (*model.Settings, error)
	// Update は指定された項目のみを更新する。グループ内の兄弟項目は保持される。
	Update(ctx context.Context, userID string, u model.SettingsUpdate) (*model.Settings, error)
	// Ensure は既存の設定を返し、存在しない場合は既定の設定を作成する。
	Ensure(ctx context.Context, userID string) (*model.Settings, error)
	UpdateTheme(ctx context.Context, userID string, theme model.Theme) (*model.Settings, error)
	UpdateNotifications(ctx context.Context, userID string, n model.NotificationsUpdate) (*model.Settings, error)
	UpdatePrivacy(ctx context.Context, userID string, p model.PrivacyUpdate) (*model.Settings, error)
	UpdatePreferences(ctx context.Context, userID string, p model.PreferencesUpdate) (*model.Settings, error)
	DeleteByUserID(ctx context.Context, userID string) error
}

// SessionRepository はセッションの永続化インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Create は新しいIDでセッションを作成する。
	Create(ctx context.Context, s model.NewSession) (*model.Session, error)
	// Touch は最終アクティブ時刻を更新する。
	Touch(ctx context.Context, id string) error
	// End はセッションを非アクティブにする。文書は削除しない。
	End(ctx context.Context, id string) error
	// DeleteByID はセッション文書を削除する。
	DeleteByID(ctx context.Context, id string) error
	// ListActiveByUserID はアクティブなセッションを最終アクティブ時刻の降順で最大max件返す。
	ListActiveByUserID(ctx context.Context, userID string, max int) ([]*model.Session, error)
	// EndAllByUserID はアクティブなセッションを順に終了し、終了した件数を返す。
	// 対象は最大100件で、途中で失敗した場合はそれまでに終了した件数とエラーを返す。
	EndAllByUserID(ctx context.Context, userID string) (int, error)
}
