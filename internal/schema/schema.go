// Package schema はエンティティの検証ルールを提供する。
//
// 検証は入出力を伴わない純粋関数で、文書から組み立てた候補値を検証し、
// 既定値を補完したドメインエンティティを返す。違反がある場合は
// すべての違反を列挙した *model.ValidationError を返す。
package schema

import (
	"time"

	"github.com/hitoshi/dashboard/internal/model"
)

// UserCandidate は検証前のユーザーを表す。nilのフィールドは文書に存在しなかったことを示す。
type UserCandidate struct {
	ID          string
	Email       *string
	DisplayName *string
	PhotoURL    *string
	CreatedAt   *time.Time
	UpdatedAt   *time.Time

	// Issues は候補値の組み立て時に検出された型の不一致。
	Issues []model.FieldError
}

// NotificationsCandidate は検証前の通知設定グループ。
type NotificationsCandidate struct {
	Push      *bool
	Email     *bool
	Marketing *bool
}

// PrivacyCandidate は検証前のプライバシー設定グループ。
type PrivacyCandidate struct {
	Analytics      *bool
	CrashReporting *bool
}

// PreferencesCandidate は検証前の言語・タイムゾーン設定グループ。
type PreferencesCandidate struct {
	Language *string
	Timezone *string
}

// SettingsCandidate は検証前の設定を表す。グループがnilの場合はグループ自体が欠落している。
type SettingsCandidate struct {
	UserID        string
	Theme         *string
	Notifications *NotificationsCandidate
	Privacy       *PrivacyCandidate
	Preferences   *PreferencesCandidate
	UpdatedAt     *time.Time

	Issues []model.FieldError
}

// SessionCandidate は検証前のセッションを表す。
type SessionCandidate struct {
	ID         string
	UserID     *string
	DeviceID   *string
	Platform   *string
	LastActive *time.Time
	CreatedAt  *time.Time
	ExpiresAt  *time.Time
	IsActive   *bool

	Issues []model.FieldError
}

// collector は検証エラーを収集する。
type collector struct {
	fields []model.FieldError
}

func (c *collector) add(field, message string) {
	c.fields = append(c.fields, model.FieldError{Field: field, Message: message})
}

func (c *collector) err(entity, id string) error {
	if len(c.fields) == 0 {
		return nil
	}
	return &model.ValidationError{Entity: entity, ID: id, Fields: c.fields}
}

func (c *collector) nonEmpty(field, v string) {
	if v == "" {
		c.add(field, msgMinLength)
	}
}

func (c *collector) requiredTime(field string, v *time.Time) time.Time {
	if v == nil {
		c.add(field, msgRequired)
		return time.Time{}
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// ValidateUser はユーザー候補を検証する。
func ValidateUser(c UserCandidate) (*model.User, error) {
	col := &collector{fields: append([]model.FieldError(nil), c.Issues...)}

	col.nonEmpty("id", c.ID)

	email := ""
	if c.Email == nil {
		col.add("email", msgRequired)
	} else {
		email = *c.Email
		if !isEmail(email) {
			col.add("email", msgEmail)
		}
	}

	if c.PhotoURL != nil && !isURL(*c.PhotoURL) {
		col.add("photoURL", msgURL)
	}

	created := col.requiredTime("createdAt", c.CreatedAt)
	updated := col.requiredTime("updatedAt", c.UpdatedAt)

	if err := col.err("user", c.ID); err != nil {
		return nil, err
	}

	return &model.User{
		ID:          c.ID,
		Email:       email,
		DisplayName: c.DisplayName,
		PhotoURL:    c.PhotoURL,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}

var themeValues = []string{string(model.ThemeLight), string(model.ThemeDark), string(model.ThemeSystem)}

// ValidateSettings は設定候補を検証し、欠落した項目に既定値を補完する。
// 各グループは必須で、グループ内の項目のみが既定値を持つ。
func ValidateSettings(c SettingsCandidate) (*model.Settings, error) {
	col := &collector{fields: append([]model.FieldError(nil), c.Issues...)}
	def := model.DefaultSettings()

	col.nonEmpty("userId", c.UserID)

	theme := def.Theme
	if c.Theme != nil {
		theme = model.Theme(*c.Theme)
		if !theme.Valid() {
			col.add("theme", enumMessage(themeValues, *c.Theme))
		}
	}

	s := &model.Settings{UserID: c.UserID, Theme: theme}

	if c.Notifications == nil {
		col.add("notifications", msgRequired)
	} else {
		s.Notifications = model.NotificationSettings{
			Push:      boolOr(c.Notifications.Push, def.Notifications.Push),
			Email:     boolOr(c.Notifications.Email, def.Notifications.Email),
			Marketing: boolOr(c.Notifications.Marketing, def.Notifications.Marketing),
		}
	}

	if c.Privacy == nil {
		col.add("privacy", msgRequired)
	} else {
		s.Privacy = model.PrivacySettings{
			Analytics:      boolOr(c.Privacy.Analytics, def.Privacy.Analytics),
			CrashReporting: boolOr(c.Privacy.CrashReporting, def.Privacy.CrashReporting),
		}
	}

	if c.Preferences == nil {
		col.add("preferences", msgRequired)
	} else {
		s.Preferences = model.Preferences{Language: def.Preferences.Language, Timezone: c.Preferences.Timezone}
		if c.Preferences.Language != nil {
			s.Preferences.Language = *c.Preferences.Language
		}
	}

	s.UpdatedAt = col.requiredTime("updatedAt", c.UpdatedAt)

	if err := col.err("settings", c.UserID); err != nil {
		return nil, err
	}
	return s, nil
}

var platformValues = []string{string(model.PlatformWeb), string(model.PlatformIOS), string(model.PlatformAndroid)}

// ValidateSession はセッション候補を検証する。
func ValidateSession(c SessionCandidate) (*model.Session, error) {
	col := &collector{fields: append([]model.FieldError(nil), c.Issues...)}

	col.nonEmpty("id", c.ID)

	userID := ""
	if c.UserID == nil {
		col.add("userId", msgRequired)
	} else {
		userID = *c.UserID
		col.nonEmpty("userId", userID)
	}

	var platform model.Platform
	if c.Platform == nil {
		col.add("platform", msgRequired)
	} else {
		platform = model.Platform(*c.Platform)
		if !platform.Valid() {
			col.add("platform", enumMessage(platformValues, *c.Platform))
		}
	}

	lastActive := col.requiredTime("lastActive", c.LastActive)
	created := col.requiredTime("createdAt", c.CreatedAt)

	active := false
	if c.IsActive == nil {
		col.add("isActive", msgRequired)
	} else {
		active = *c.IsActive
	}

	if err := col.err("session", c.ID); err != nil {
		return nil, err
	}

	return &model.Session{
		ID:         c.ID,
		UserID:     userID,
		DeviceID:   c.DeviceID,
		Platform:   platform,
		LastActive: lastActive,
		CreatedAt:  created,
		ExpiresAt:  c.ExpiresAt,
		IsActive:   active,
	}, nil
}

// ValidateNewUser は作成前のユーザー入力を検証する。
func ValidateNewUser(id string, u model.NewUser) error {
	col := &collector{}
	col.nonEmpty("id", id)
	if !isEmail(u.Email) {
		col.add("email", msgEmail)
	}
	if u.PhotoURL != nil && !isURL(*u.PhotoURL) {
		col.add("photoURL", msgURL)
	}
	return col.err("user", id)
}

// ValidateUserUpdate はユーザーの部分更新を書き込み前に検証する。
// 空文字列はフィールドの削除を表すため検証の対象外とする。
func ValidateUserUpdate(id string, u model.UserUpdate) error {
	col := &collector{}
	col.nonEmpty("id", id)
	if u.PhotoURL != nil && *u.PhotoURL != "" && !isURL(*u.PhotoURL) {
		col.add("photoURL", msgURL)
	}
	return col.err("user", id)
}

// ValidateSettingsUpdate は設定の部分更新を書き込み前に検証する。
func ValidateSettingsUpdate(userID string, u model.SettingsUpdate) error {
	col := &collector{}
	col.nonEmpty("userId", userID)
	if u.Theme != nil && !u.Theme.Valid() {
		col.add("theme", enumMessage(themeValues, string(*u.Theme)))
	}
	if u.Preferences != nil && u.Preferences.Language != nil && *u.Preferences.Language == "" {
		col.add("preferences.language", msgMinLength)
	}
	return col.err("settings", userID)
}

// ValidateNewSession は作成前のセッション入力を検証する。
func ValidateNewSession(s model.NewSession) error {
	col := &collector{}
	col.nonEmpty("userId", s.UserID)
	if !s.Platform.Valid() {
		col.add("platform", enumMessage(platformValues, string(s.Platform)))
	}
	return col.err("session", s.UserID)
}
