// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーのプロフィールを表す。
// users コレクションの文書と1対1で対応し、IDは認証プリンシパルのUIDと等しい。
type User struct {
	ID          string    `json:"id" yaml:"id"`
	Email       string    `json:"email" yaml:"email"`
	DisplayName *string   `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	PhotoURL    *string   `json:"photoURL,omitempty" yaml:"photoURL,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// NewUser はユーザー作成時の入力を表す。
// タイムスタンプはストア側で付与されるため含まない。
type NewUser struct {
	Email       string
	DisplayName *string
	PhotoURL    *string
}

// UserUpdate はユーザーの部分更新を表す。nilのフィールドは変更しない。
// 空文字列を指定したフィールドは文書から削除される。
type UserUpdate struct {
	DisplayName *string
	PhotoURL    *string
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (u UserUpdate) IsEmpty() bool {
	return u.DisplayName == nil && u.PhotoURL == nil
}

// Principal は外部IDサービスが返す認証済みのアイデンティティを表す。
type Principal struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
	ProviderID  string `json:"providerId,omitempty"`
}

// NewUserFromPrincipal はプリンシパルからユーザー作成時のデフォルト値を導出する。
// メールアドレスが無い場合は空文字列となり、後続の検証で拒否される。
func NewUserFromPrincipal(p Principal) NewUser {
	u := NewUser{Email: p.Email}
	if p.DisplayName != "" {
		name := p.DisplayName
		u.DisplayName = &name
	}
	if p.PhotoURL != "" {
		photo := p.PhotoURL
		u.PhotoURL = &photo
	}
	return u
}

// AuthUser はローカルに永続化されるサインイン中ユーザーのスナップショット。
type AuthUser struct {
	ID          string `json:"id" yaml:"id"`
	Email       string `json:"email" yaml:"email"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty" yaml:"photoURL,omitempty"`
}

// AuthUserFromPrincipal はプリンシパルからAuthUserを生成する。
func AuthUserFromPrincipal(p Principal) AuthUser {
	return AuthUser{
		ID:          p.UID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		PhotoURL:    p.PhotoURL,
	}
}

// AuthUserUpdate はAuthUserの部分更新を表す。nilのフィールドは変更しない。
type AuthUserUpdate struct {
	Email       *string
	DisplayName *string
	PhotoURL    *string
}
