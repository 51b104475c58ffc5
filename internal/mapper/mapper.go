// Package mapper は文書ストアの文書とドメインエンティティを相互に変換する。
//
// 読み取り時はストア固有の時刻表現を time.Time に変換してから検証し、
// 書き込み時はストアが付与する時刻を docstore.ServerTimestamp で表す。
package mapper

import (
	"log/slog"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/schema"
)

// コレクション名
const (
	UsersCollection    = "users"
	SettingsCollection = "settings"
	SessionsCollection = "sessions"
)

// ToUser は users 文書をユーザーに変換する。検証に失敗した場合はエラーログを出力する。
func ToUser(id string, raw docstore.Data) (*model.User, error) {
	r := newReader(raw)
	c := schema.UserCandidate{
		ID:          id,
		Email:       r.str("email"),
		DisplayName: r.str("displayName"),
		PhotoURL:    r.str("photoURL"),
		CreatedAt:   r.time("createdAt"),
		UpdatedAt:   r.time("updatedAt"),
	}
	c.Issues = *r.issues

	u, err := schema.ValidateUser(c)
	if err != nil {
		logValidationFailure("User validation failed", "user_id", id, err)
		return nil, err
	}
	return u, nil
}

// ToSettings は settings 文書を設定に変換する。文書IDはユーザーIDと等しい。
func ToSettings(userID string, raw docstore.Data) (*model.Settings, error) {
	r := newReader(raw)
	c := schema.SettingsCandidate{
		UserID:    userID,
		Theme:     r.str("theme"),
		UpdatedAt: r.time("updatedAt"),
	}
	if g := r.group("notifications"); g != nil {
		c.Notifications = &schema.NotificationsCandidate{
			Push:      g.boolean("push"),
			Email:     g.boolean("email"),
			Marketing: g.boolean("marketing"),
		}
	}
	if g := r.group("privacy"); g != nil {
		c.Privacy = &schema.PrivacyCandidate{
			Analytics:      g.boolean("analytics"),
			CrashReporting: g.boolean("crashReporting"),
		}
	}
	if g := r.group("preferences"); g != nil {
		c.Preferences = &schema.PreferencesCandidate{
			Language: g.str("language"),
			Timezone: g.str("timezone"),
		}
	}
	c.Issues = *r.issues

	s, err := schema.ValidateSettings(c)
	if err != nil {
		logValidationFailure("Settings validation failed", "user_id", userID, err)
		return nil, err
	}
	return s, nil
}

// ToSession は sessions 文書をセッションに変換する。
func ToSession(id string, raw docstore.Data) (*model.Session, error) {
	r := newReader(raw)
	c := schema.SessionCandidate{
		ID:         id,
		UserID:     r.str("userId"),
		DeviceID:   r.str("deviceId"),
		Platform:   r.str("platform"),
		LastActive: r.time("lastActive"),
		CreatedAt:  r.time("createdAt"),
		ExpiresAt:  r.time("expiresAt"),
		IsActive:   r.boolean("isActive"),
	}
	c.Issues = *r.issues

	s, err := schema.ValidateSession(c)
	if err != nil {
		logValidationFailure("Session validation failed", "session_id", id, err)
		return nil, err
	}
	return s, nil
}

func logValidationFailure(msg, idKey, id string, err error) {
	attrs := []any{
		slog.String(idKey, id),
		slog.String("error_kind", "validation"),
	}
	if ve, ok := err.(*model.ValidationError); ok {
		messages := make([]string, len(ve.Fields))
		for i, f := range ve.Fields {
			messages[i] = f.Field + ": " + f.Message
		}
		attrs = append(attrs, slog.Any("errors", messages))
	}
	slog.Error(msg, attrs...)
}

// NewUserDocument はユーザー作成時の文書を組み立てる。
func NewUserDocument(u model.NewUser) docstore.Data {
	doc := docstore.Data{
		"email":     u.Email,
		"createdAt": docstore.ServerTimestamp,
		"updatedAt": docstore.ServerTimestamp,
	}
	if u.DisplayName != nil {
		doc["displayName"] = *u.DisplayName
	}
	if u.PhotoURL != nil {
		doc["photoURL"] = *u.PhotoURL
	}
	return doc
}

// NewSettingsDocument は設定作成時の文書を組み立てる。UserID と UpdatedAt は使用しない。
func NewSettingsDocument(s model.Settings) docstore.Data {
	prefs := map[string]any{"language": s.Preferences.Language}
	if s.Preferences.Timezone != nil {
		prefs["timezone"] = *s.Preferences.Timezone
	}
	return docstore.Data{
		"theme": string(s.Theme),
		"notifications": map[string]any{
			"push":      s.Notifications.Push,
			"email":     s.Notifications.Email,
			"marketing": s.Notifications.Marketing,
		},
		"privacy": map[string]any{
			"analytics":      s.Privacy.Analytics,
			"crashReporting": s.Privacy.CrashReporting,
		},
		"preferences": prefs,
		"updatedAt":   docstore.ServerTimestamp,
	}
}

// NewSessionDocument はセッション作成時の文書を組み立てる。
// createdAt と lastActive はストアの時刻、isActive は true で作成される。
func NewSessionDocument(s model.NewSession) docstore.Data {
	doc := docstore.Data{
		"userId":     s.UserID,
		"platform":   string(s.Platform),
		"lastActive": docstore.ServerTimestamp,
		"createdAt":  docstore.ServerTimestamp,
		"isActive":   true,
	}
	if s.DeviceID != nil {
		doc["deviceId"] = *s.DeviceID
	}
	if s.ExpiresAt != nil {
		doc["expiresAt"] = s.ExpiresAt.UTC()
	}
	return doc
}

func optionalString(path string, v *string) docstore.Update {
	if *v == "" {
		return docstore.Update{Path: path, Value: docstore.DeleteField}
	}
	return docstore.Update{Path: path, Value: *v}
}

// UserUpdateFields はユーザーの部分更新をフィールド単位の更新に展開する。
// 末尾に updatedAt のサーバー時刻を必ず含む。
func UserUpdateFields(u model.UserUpdate) []docstore.Update {
	var updates []docstore.Update
	if u.DisplayName != nil {
		updates = append(updates, optionalString("displayName", u.DisplayName))
	}
	if u.PhotoURL != nil {
		updates = append(updates, optionalString("photoURL", u.PhotoURL))
	}
	return append(updates, docstore.Update{Path: "updatedAt", Value: docstore.ServerTimestamp})
}

// SettingsUpdateFields は設定の部分更新を葉単位の更新に展開する。
// グループは丸ごと置き換えず、指定された項目のみを "notifications.push" のようなパスで更新する。
func SettingsUpdateFields(u model.SettingsUpdate) []docstore.Update {
	var updates []docstore.Update
	if u.Theme != nil {
		updates = append(updates, docstore.Update{Path: "theme", Value: string(*u.Theme)})
	}
	if n := u.Notifications; n != nil {
		updates = appendBool(updates, "notifications.push", n.Push)
		updates = appendBool(updates, "notifications.email", n.Email)
		updates = appendBool(updates, "notifications.marketing", n.Marketing)
	}
	if p := u.Privacy; p != nil {
		updates = appendBool(updates, "privacy.analytics", p.Analytics)
		updates = appendBool(updates, "privacy.crashReporting", p.CrashReporting)
	}
	if p := u.Preferences; p != nil {
		if p.Language != nil {
			updates = append(updates, docstore.Update{Path: "preferences.language", Value: *p.Language})
		}
		if p.Timezone != nil {
			updates = append(updates, optionalString("preferences.timezone", p.Timezone))
		}
	}
	return append(updates, docstore.Update{Path: "updatedAt", Value: docstore.ServerTimestamp})
}

func appendBool(updates []docstore.Update, path string, v *bool) []docstore.Update {
	if v == nil {
		return updates
	}
	return append(updates, docstore.Update{Path: path, Value: *v})
}

// SessionTouchFields は最終アクティブ時刻の更新を返す。
func SessionTouchFields() []docstore.Update {
	return []docstore.Update{{Path: "lastActive", Value: docstore.ServerTimestamp}}
}

// SessionEndFields はセッション終了の更新を返す。文書は削除しない。
func SessionEndFields() []docstore.Update {
	return []docstore.Update{
		{Path: "isActive", Value: false},
		{Path: "lastActive", Value: docstore.ServerTimestamp},
	}
}
