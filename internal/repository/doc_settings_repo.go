package repository

import (
	"context"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/mapper"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/schema"
)

// DocSettingsRepo は文書ストアを使用した設定リポジトリ。
type DocSettingsRepo struct {
	store docstore.Store
}

// NewDocSettingsRepo はDocSettingsRepoを生成する。
func NewDocSettingsRepo(store docstore.Store) *DocSettingsRepo {
	return &DocSettingsRepo{store: store}
}

// FindByUserID は指定ユーザーの設定を取得する。見つからない場合はnilを返す。
func (r *DocSettingsRepo) FindByUserID(ctx context.Context, userID string) (*model.Settings, error) {
	snap, err := r.store.Get(ctx, mapper.SettingsCollection, userID)
	if err != nil {
		logFailure("Failed to get settings", err, slog.String("user_id", userID))
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	settings, err := mapper.ToSettings(userID, snap.Data)
	if err != nil {
		logFailure("Failed to get settings", err, slog.String("user_id", userID))
		return nil, err
	}
	return settings, nil
}

// Create は既定の設定を作成する。
func (r *DocSettingsRepo) Create(ctx context.Context, userID string) (*model.Settings, error) {
	if err := schema.ValidateSettingsUpdate(userID, model.SettingsUpdate{}); err != nil {
		logFailure("Failed to create settings", err, slog.String("user_id", userID))
		return nil, err
	}

	doc := mapper.NewSettingsDocument(model.DefaultSettings())
	if err := r.store.Set(ctx, mapper.SettingsCollection, userID, doc); err != nil {
		logFailure("Failed to create settings", err, slog.String("user_id", userID))
		return nil, err
	}
	slog.Info("Settings created", slog.String("user_id", userID))

	return r.reread(ctx, "created", userID)
}

// Update は指定された項目と updatedAt のみを更新する。
func (r *DocSettingsRepo) Update(ctx context.Context, userID string, u model.SettingsUpdate) (*model.Settings, error) {
	if err := schema.ValidateSettingsUpdate(userID, u); err != nil {
		logFailure("Failed to update settings", err, slog.String("user_id", userID))
		return nil, err
	}

	updates := mapper.SettingsUpdateFields(u)
	if err := r.store.Update(ctx, mapper.SettingsCollection, userID, updates); err != nil {
		logFailure("Failed to update settings", err, slog.String("user_id", userID))
		return nil, err
	}
	slog.Info("Settings updated", slog.String("user_id", userID), slog.Any("fields", updatePaths(updates)))

	return r.reread(ctx, "updated", userID)
}

// Ensure は既存の設定を返し、存在しない場合は既定の設定を作成する。
func (r *DocSettingsRepo) Ensure(ctx context.Context, userID string) (*model.Settings, error) {
	existing, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return r.Create(ctx, userID)
}

// UpdateTheme はテーマのみを更新する。
func (r *DocSettingsRepo) UpdateTheme(ctx context.Context, userID string, theme model.Theme) (*model.Settings, error) {
	return r.Update(ctx, userID, model.SettingsUpdate{Theme: &theme})
}

// UpdateNotifications は通知設定グループ内の指定項目のみを更新する。
func (r *DocSettingsRepo) UpdateNotifications(ctx context.Context, userID string, n model.NotificationsUpdate) (*model.Settings, error) {
	return r.Update(ctx, userID, model.SettingsUpdate{Notifications: &n})
}

// UpdatePrivacy はプライバシー設定グループ内の指定項目のみを更新する。
func (r *DocSettingsRepo) UpdatePrivacy(ctx context.Context, userID string, p model.PrivacyUpdate) (*model.Settings, error) {
	return r.Update(ctx, userID, model.SettingsUpdate{Privacy: &p})
}

// UpdatePreferences は言語・タイムゾーン設定グループ内の指定項目のみを更新する。
func (r *DocSettingsRepo) UpdatePreferences(ctx context.Context, userID string, p model.PreferencesUpdate) (*model.Settings, error) {
	return r.Update(ctx, userID, model.SettingsUpdate{Preferences: &p})
}

// DeleteByUserID は指定ユーザーの設定を削除する。
func (r *DocSettingsRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if err := r.store.Delete(ctx, mapper.SettingsCollection, userID); err != nil {
		logFailure("Failed to delete settings", err, slog.String("user_id", userID))
		return err
	}
	slog.Info("Settings deleted", slog.String("user_id", userID))
	return nil
}

func (r *DocSettingsRepo) reread(ctx context.Context, op, userID string) (*model.Settings, error) {
	settings, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		err := &model.ConsistencyError{Op: op, Entity: "settings", ID: userID}
		logFailure("Failed to retrieve settings after write", err, slog.String("user_id", userID))
		return nil, err
	}
	return settings, nil
}

// compile-time interface check
var _ SettingsRepository = (*DocSettingsRepo)(nil)
