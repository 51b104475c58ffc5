package mapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/dashboard/internal/docstore"
	"github.com/hitoshi/dashboard/internal/model"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

// dateTime はドライバ固有の時刻型（Time() メソッドを持つ型）を模倣する。
type dateTime int64

func (d dateTime) Time() time.Time { return time.UnixMilli(int64(d)).UTC() }

// captureLogs はテスト中のデフォルトロガー出力を取得する。
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestToUser_ResolvesProviderTimestamps(t *testing.T) {
	u, err := ToUser("u1", docstore.Data{
		"email":       "a@b.com",
		"displayName": "Ann",
		"createdAt":   dateTime(now.UnixMilli()),
		"updatedAt":   docstore.NewTimestamp(now),
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "Ann", *u.DisplayName)
	assert.Nil(t, u.PhotoURL)
	assert.True(t, u.CreatedAt.Equal(now))
	assert.True(t, u.UpdatedAt.Equal(now))
}

// TestToUser_InvalidLogsAndFails は検証失敗時にエラーログが出力されることを検証する。
func TestToUser_InvalidLogsAndFails(t *testing.T) {
	buf := captureLogs(t)

	_, err := ToUser("u1", docstore.Data{
		"email":     "broken",
		"photoURL":  42,
		"createdAt": now,
		"updatedAt": now,
	})

	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Fields, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "User validation failed", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "validation", entry["error_kind"])
	assert.Len(t, entry["errors"], 2)
}

func TestToSettings_FullDocument(t *testing.T) {
	s, err := ToSettings("u1", docstore.Data{
		"theme":         "dark",
		"notifications": map[string]any{"push": false, "email": true, "marketing": true},
		"privacy":       map[string]any{"analytics": false, "crashReporting": true},
		"preferences":   map[string]any{"language": "ja", "timezone": "Asia/Tokyo"},
		"updatedAt":     now,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ThemeDark, s.Theme)
	assert.Equal(t, model.NotificationSettings{Push: false, Email: true, Marketing: true}, s.Notifications)
	assert.Equal(t, model.PrivacySettings{Analytics: false, CrashReporting: true}, s.Privacy)
	assert.Equal(t, "ja", s.Preferences.Language)
	assert.Equal(t, "Asia/Tokyo", *s.Preferences.Timezone)
}

// TestToSettings_NestedTypeMismatch は入れ子の型不一致がパス付きで報告されることを検証する。
func TestToSettings_NestedTypeMismatch(t *testing.T) {
	captureLogs(t)

	_, err := ToSettings("u1", docstore.Data{
		"notifications": map[string]any{"push": "yes"},
		"privacy":       map[string]any{},
		"preferences":   map[string]any{},
		"updatedAt":     now,
	})
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Fields, 1)
	assert.Equal(t, "notifications.push", ve.Fields[0].Field)
}

func TestToSession(t *testing.T) {
	expires := now.Add(time.Hour)
	s, err := ToSession("s1", docstore.Data{
		"userId":     "u1",
		"platform":   "web",
		"lastActive": now,
		"createdAt":  now,
		"expiresAt":  expires,
		"isActive":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.PlatformWeb, s.Platform)
	assert.True(t, s.ExpiresAt.Equal(expires))
	assert.Nil(t, s.DeviceID)
}

func TestNewUserDocument(t *testing.T) {
	name := "Ann"
	doc := NewUserDocument(model.NewUser{Email: "a@b.com", DisplayName: &name})

	assert.Equal(t, "a@b.com", doc["email"])
	assert.Equal(t, "Ann", doc["displayName"])
	assert.NotContains(t, doc, "photoURL")
	assert.True(t, docstore.IsServerTimestamp(doc["createdAt"]))
	assert.True(t, docstore.IsServerTimestamp(doc["updatedAt"]))
}

func TestNewSettingsDocument_Defaults(t *testing.T) {
	doc := NewSettingsDocument(model.DefaultSettings())

	assert.Equal(t, "system", doc["theme"])
	assert.Equal(t, map[string]any{"push": true, "email": true, "marketing": false}, doc["notifications"])
	assert.Equal(t, map[string]any{"analytics": true, "crashReporting": true}, doc["privacy"])
	assert.Equal(t, map[string]any{"language": "en"}, doc["preferences"])
	assert.True(t, docstore.IsServerTimestamp(doc["updatedAt"]))
}

func TestNewSessionDocument(t *testing.T) {
	device := "dev-1"
	doc := NewSessionDocument(model.NewSession{UserID: "u1", Platform: model.PlatformAndroid, DeviceID: &device})

	assert.Equal(t, "u1", doc["userId"])
	assert.Equal(t, "android", doc["platform"])
	assert.Equal(t, "dev-1", doc["deviceId"])
	assert.Equal(t, true, doc["isActive"])
	assert.NotContains(t, doc, "expiresAt")
	assert.True(t, docstore.IsServerTimestamp(doc["lastActive"]))
}

// TestSettingsUpdateFields_Flattened は部分更新が葉単位のパスに展開されることを検証する。
func TestSettingsUpdateFields_Flattened(t *testing.T) {
	push := false
	lang := "ja"
	tz := ""
	dark := model.ThemeDark

	updates := SettingsUpdateFields(model.SettingsUpdate{
		Theme:         &dark,
		Notifications: &model.NotificationsUpdate{Push: &push},
		Preferences:   &model.PreferencesUpdate{Language: &lang, Timezone: &tz},
	})

	require.Len(t, updates, 5)
	assert.Equal(t, docstore.Update{Path: "theme", Value: "dark"}, updates[0])
	assert.Equal(t, docstore.Update{Path: "notifications.push", Value: false}, updates[1])
	assert.Equal(t, docstore.Update{Path: "preferences.language", Value: "ja"}, updates[2])
	assert.Equal(t, "preferences.timezone", updates[3].Path)
	assert.True(t, docstore.IsDeleteField(updates[3].Value))
	assert.Equal(t, "updatedAt", updates[4].Path)
	assert.True(t, docstore.IsServerTimestamp(updates[4].Value))
}

func TestUserUpdateFields(t *testing.T) {
	name := "Bob"
	photo := ""
	updates := UserUpdateFields(model.UserUpdate{DisplayName: &name, PhotoURL: &photo})

	require.Len(t, updates, 3)
	assert.Equal(t, docstore.Update{Path: "displayName", Value: "Bob"}, updates[0])
	assert.True(t, docstore.IsDeleteField(updates[1].Value))
	assert.Equal(t, "updatedAt", updates[2].Path)

	only := UserUpdateFields(model.UserUpdate{})
	require.Len(t, only, 1)
	assert.Equal(t, "updatedAt", only[0].Path)
}

func TestSessionEndFields(t *testing.T) {
	updates := SessionEndFields()
	require.Len(t, updates, 2)
	assert.Equal(t, docstore.Update{Path: "isActive", Value: false}, updates[0])
	assert.True(t, docstore.IsServerTimestamp(updates[1].Value))
}
