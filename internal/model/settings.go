package model

import "time"

// Theme は表示テーマを表す。
type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

// Valid はテーマが定義済みの値かどうかを返す。
func (t Theme) Valid() bool {
	switch t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return true
	}
	return false
}

// NotificationSettings は通知設定を表す。
type NotificationSettings struct {
	Push      bool `json:"push" yaml:"push"`
	Email     bool `json:"email" yaml:"email"`
	Marketing bool `json:"marketing" yaml:"marketing"`
}

// PrivacySettings はプライバシー設定を表す。
type PrivacySettings struct {
	Analytics      bool `json:"analytics" yaml:"analytics"`
	CrashReporting bool `json:"crashReporting" yaml:"crashReporting"`
}

// Preferences は言語・タイムゾーンの設定を表す。
type Preferences struct {
	Language string  `json:"language" yaml:"language"`
	Timezone *string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Settings はユーザーごとのアプリケーション設定を表す。
// settings コレクションの文書IDはユーザーIDと等しい。
type Settings struct {
	UserID        string               `json:"userId" yaml:"userId"`
	Theme         Theme                `json:"theme" yaml:"theme"`
	Notifications NotificationSettings `json:"notifications" yaml:"notifications"`
	Privacy       PrivacySettings      `json:"privacy" yaml:"privacy"`
	Preferences   Preferences          `json:"preferences" yaml:"preferences"`
	UpdatedAt     time.Time            `json:"updatedAt" yaml:"updatedAt"`
}

// DefaultSettings は新規ユーザーに適用する既定の設定を返す。
// UserIDとUpdatedAtは設定されない。
func DefaultSettings() Settings {
	return Settings{
		Theme: ThemeSystem,
		Notifications: NotificationSettings{
			Push:      true,
			Email:     true,
			Marketing: false,
		},
		Privacy: PrivacySettings{
			Analytics:      true,
			CrashReporting: true,
		},
		Preferences: Preferences{
			Language: "en",
		},
	}
}

// NotificationsUpdate は通知設定の部分更新を表す。
type NotificationsUpdate struct {
	Push      *bool
	Email     *bool
	Marketing *bool
}

// PrivacyUpdate はプライバシー設定の部分更新を表す。
type PrivacyUpdate struct {
	Analytics      *bool
	CrashReporting *bool
}

// PreferencesUpdate は言語・タイムゾーン設定の部分更新を表す。
// Timezoneに空文字列を指定するとタイムゾーンを削除する。
type PreferencesUpdate struct {
	Language *string
	Timezone *string
}

// SettingsUpdate は設定の部分更新を表す。
// 指定されたグループ内の指定された項目のみが変更され、兄弟項目は保持される。
type SettingsUpdate struct {
	Theme         *Theme
	Notifications *NotificationsUpdate
	Privacy       *PrivacyUpdate
	Preferences   *PreferencesUpdate
}

// IsEmpty は更新対象の項目が1つもない場合にtrueを返す。
func (u SettingsUpdate) IsEmpty() bool {
	if u.Theme != nil {
		return false
	}
	if n := u.Notifications; n != nil && (n.Push != nil || n.Email != nil || n.Marketing != nil) {
		return false
	}
	if p := u.Privacy; p != nil && (p.Analytics != nil || p.CrashReporting != nil) {
		return false
	}
	if p := u.Preferences; p != nil && (p.Language != nil || p.Timezone != nil) {
		return false
	}
	return true
}
