// Package profile はプロフィールの参照と更新のドメインロジックを提供する。
package profile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/security"
)

// FormName はプロフィール更新フォームの分析イベント上の名前。
const FormName = "profile"

// UserStore はプロフィールの永続化インターフェース。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	Update(ctx context.Context, id string, u model.UserUpdate) (*model.User, error)
}

// IdentityCache はローカルに保持しているサインイン中ユーザーの部分更新インターフェース。
type IdentityCache interface {
	Update(ctx context.Context, upd model.AuthUserUpdate) error
}

// FormRecorder はフォーム送信の分析イベントを記録するインターフェース。
type FormRecorder interface {
	FormSubmitted(formName string, success bool)
}

// Input はプロフィール更新の入力を表す。nilのフィールドは変更しない。
// 空文字列を指定したフィールドはプロフィールから削除される。
type Input struct {
	DisplayName *string
	PhotoURL    *string
}

// Service はプロフィールのサービス層。
type Service struct {
	users     UserStore
	cache     IdentityCache
	events    FormRecorder
	sanitizer security.TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserStore, cache IdentityCache, events FormRecorder, sanitizer security.TextSanitizer) *Service {
	return &Service{
		users:     users,
		cache:     cache,
		events:    events,
		sanitizer: sanitizer,
	}
}

// Get は指定ユーザーのプロフィールを取得する。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// Update はプロフィールを更新し、更新後のユーザーを返す。
// 表示名はHTMLを除去したプレーンテキストとして保存する。
// 更新に成功するとローカルのサインイン中ユーザーも同じ値に揃える。
// 失敗時の原因はログにのみ出力し、利用者向けには更新失敗エラーを返す。
func (s *Service) Update(ctx context.Context, userID string, in Input) (*model.User, error) {
	upd, err := s.normalize(in)
	if err != nil {
		s.events.FormSubmitted(FormName, false)
		return nil, err
	}

	user, err := s.users.Update(ctx, userID, upd)
	if err != nil {
		slog.Error("Failed to update profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		s.events.FormSubmitted(FormName, false)
		return nil, model.NewUpdateFailedError(FormName, err)
	}

	if err := s.cache.Update(ctx, authUserUpdate(user)); err != nil {
		slog.Warn("Failed to sync local identity with profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.events.FormSubmitted(FormName, true)
	slog.Info("Profile updated", slog.String("user_id", userID))
	return user, nil
}

func (s *Service) normalize(in Input) (model.UserUpdate, error) {
	upd := model.UserUpdate{PhotoURL: in.PhotoURL}
	if in.DisplayName != nil {
		name := s.sanitizer.SanitizeText(*in.DisplayName)
		if name == "" && *in.DisplayName != "" {
			return upd, model.NewInvalidInputError("表示名に使用できる文字が含まれていません")
		}
		upd.DisplayName = &name
	}
	if upd.IsEmpty() {
		return upd, model.NewInvalidInputError("更新する項目を指定してください")
	}
	return upd, nil
}

// authUserUpdate は更新後のユーザーからローカルキャッシュの差分を作る。
// プロフィールから削除された項目は空文字列として反映する。
func authUserUpdate(u *model.User) model.AuthUserUpdate {
	email := u.Email
	name := ""
	if u.DisplayName != nil {
		name = *u.DisplayName
	}
	photo := ""
	if u.PhotoURL != nil {
		photo = *u.PhotoURL
	}
	return model.AuthUserUpdate{Email: &email, DisplayName: &name, PhotoURL: &photo}
}
