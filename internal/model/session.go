package model

import "time"

// Platform はクライアントの実行プラットフォームを表す。
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid はプラットフォームが定義済みの値かどうかを返す。
func (p Platform) Valid() bool {
	switch p {
	case PlatformWeb, PlatformIOS, PlatformAndroid:
		return true
	}
	return false
}

// Session はクライアントのログインセッションを表す。
// 終了したセッションは削除されず IsActive=false として残る。
type Session struct {
	ID         string     `json:"id" yaml:"id"`
	UserID     string     `json:"userId" yaml:"userId"`
	DeviceID   *string    `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
	Platform   Platform   `json:"platform" yaml:"platform"`
	LastActive time.Time  `json:"lastActive" yaml:"lastActive"`
	CreatedAt  time.Time  `json:"createdAt" yaml:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	IsActive   bool       `json:"isActive" yaml:"isActive"`
}

// Expired はnow時点でセッションの有効期限が切れているかを返す。
// 有効期限が設定されていないセッションは期限切れにならない。
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// NewSession はセッション作成時の入力を表す。
type NewSession struct {
	UserID    string
	Platform  Platform
	DeviceID  *string
	ExpiresAt *time.Time
}
