package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/dashboard/internal/auth"
	"github.com/hitoshi/dashboard/internal/config"
	"github.com/hitoshi/dashboard/internal/model"
)

// --- 外部IDサービスのフェイク ---

type fakeAccount struct {
	uid      string
	password string
}

// fakeIdentity はIDサービスのエミュレータと同じパスで応答するテスト用サーバー。
type fakeIdentity struct {
	srv *httptest.Server

	mu       sync.Mutex
	accounts map[string]fakeAccount
	resets   []string
}

func newFakeIdentity(t *testing.T) *fakeIdentity {
	t.Helper()
	f := &fakeIdentity{accounts: map[string]fakeAccount{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdentity) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeIdentity) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	email, _ := body["email"].(string)
	password, _ := body["password"].(string)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.TrimPrefix(r.URL.Path, "/identitytoolkit.googleapis.com/v1/") {
	case "accounts:signUp":
		if _, ok := f.accounts[email]; ok {
			writeIdentityError(w, "EMAIL_EXISTS")
			return
		}
		acct := fakeAccount{uid: fmt.Sprintf("uid-%d", len(f.accounts)+1), password: password}
		f.accounts[email] = acct
		writeAccount(w, acct.uid, email)
	case "accounts:signInWithPassword":
		acct, ok := f.accounts[email]
		if !ok || acct.password != password {
			writeIdentityError(w, "INVALID_LOGIN_CREDENTIALS")
			return
		}
		writeAccount(w, acct.uid, email)
	case "accounts:sendOobCode":
		f.resets = append(f.resets, email)
		json.NewEncoder(w).Encode(map[string]any{"email": email})
	default:
		http.NotFound(w, r)
	}
}

func writeAccount(w http.ResponseWriter, uid, email string) {
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": uid,
		"email":   email,
		"exp":     time.Now().Add(time.Hour).Unix(),
		"firebase": map[string]any{
			"sign_in_provider": "password",
		},
	}).SignedString([]byte("fake"))
	json.NewEncoder(w).Encode(map[string]any{
		"localId":      uid,
		"email":        email,
		"idToken":      token,
		"refreshToken": "refresh-" + uid,
		"expiresIn":    "3600",
	})
}

func writeIdentityError(w http.ResponseWriter, message string) {
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": 400, "message": message},
	})
}

// --- テスト用App ---

func testConfig(t *testing.T, identityHost, statePath string) *config.Config {
	t.Helper()
	return &config.Config{
		DocstoreDriver:           config.DriverMemory,
		DocstoreDatabase:         "dashboard_test",
		IdentityAPIKey:           "test-key",
		IdentityEmulatorHost:     identityHost,
		RequestTimeout:           5 * time.Second,
		StatePath:                statePath,
		ClientPlatform:           "web",
		AnalyticsJob:             "dashboard",
		AnalyticsEventsPerSecond: 1000,
		LogLevel:                 "info",
	}
}

type testApp struct {
	*App
	out *bytes.Buffer
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *testApp {
	t.Helper()
	out := &bytes.Buffer{}
	a := New(cfg, out, io.Discard, opts...)
	t.Cleanup(func() { a.Close() })
	return &testApp{App: a, out: out}
}

// run はコマンドを実行し、標準出力の内容を返す。
func (ta *testApp) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ta.out.Reset()
	err := ta.Execute(context.Background(), args)
	return ta.out.String(), err
}

func (ta *testApp) mustRun(t *testing.T, args ...string) map[string]any {
	t.Helper()
	out, err := ta.run(t, args...)
	require.NoError(t, err, "dashboard %s", strings.Join(args, " "))
	var v map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &v), out)
	return v
}

func apiErrorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- テスト ---

// TestApp_SignUpCreatesUserAndSettings はサインアップでユーザー・設定・セッションが作成されることを検証する。
func TestApp_SignUpCreatesUserAndSettings(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))
	ctx := context.Background()

	view := ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")
	assert.Equal(t, true, view["signedIn"])
	user := view["user"].(map[string]any)
	assert.Equal(t, "uid-1", user["id"])
	assert.Equal(t, "a@b.com", user["email"])
	require.NotNil(t, view["session"])
	assert.Equal(t, "web", view["session"].(map[string]any)["platform"])

	stored, err := ta.users.FindByID(ctx, "uid-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "a@b.com", stored.Email)

	settings, err := ta.settings.FindByUserID(ctx, "uid-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, model.DefaultSettings().Theme, settings.Theme)
	assert.True(t, settings.Notifications.Push)
}

func TestApp_SignUp_EmailExists(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))

	ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")
	_, err := ta.run(t, "signup", "--email", "a@b.com", "--password", "secret123")

	var authErr *auth.AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, auth.CodeEmailExists, authErr.Code)
	assert.Equal(t, "このメールアドレスは既に登録されています。", FormatError(err))
}

func TestApp_SignIn_PasswordFromStdin(t *testing.T) {
	idp := newFakeIdentity(t)
	cfg := testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db"))
	ta := newTestApp(t, cfg)
	ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")
	ta.mustRun(t, "signout")

	ta.stdin = strings.NewReader("secret123\n")
	view := ta.mustRun(t, "signin", "--email", "a@b.com")
	assert.Equal(t, true, view["signedIn"])

	ta.mustRun(t, "signout")
	ta.stdin = strings.NewReader("wrong\n")
	_, err := ta.run(t, "signin", "--email", "a@b.com")
	assert.Equal(t, "メールアドレスまたはパスワードが正しくありません。", FormatError(err))
}

func TestApp_NotSignedIn(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))

	for _, args := range [][]string{
		{"profile", "show"},
		{"settings", "show"},
		{"sessions", "list"},
		{"signout"},
	} {
		_, err := ta.run(t, args...)
		assert.Equal(t, model.ErrCodeNotSignedIn, apiErrorCode(err), "dashboard %v", args)
	}

	view := ta.mustRun(t, "whoami")
	assert.Equal(t, false, view["signedIn"])
}

// TestApp_ProfileUpdate は表示名のサニタイズと写真URLの検証失敗を検証する。
func TestApp_ProfileUpdate(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))
	ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")

	out, err := ta.run(t, "profile", "update", "--display-name", "<b>Ada</b>", "-o", "json")
	require.NoError(t, err)
	var user model.User
	require.NoError(t, json.Unmarshal([]byte(out), &user))
	require.NotNil(t, user.DisplayName)
	assert.Equal(t, "Ada", *user.DisplayName)

	view := ta.mustRun(t, "whoami")
	assert.Equal(t, "Ada", view["user"].(map[string]any)["displayName"])

	_, err = ta.run(t, "profile", "update", "--photo-url", "not a url")
	assert.Equal(t, model.ErrCodeUpdateFailed, apiErrorCode(err))
	assert.Equal(t, 1.0, validationFailures(t, ta.App, "user"))

	_, err = ta.run(t, "profile", "update")
	assert.Equal(t, model.ErrCodeInvalidInput, apiErrorCode(err))
}

func validationFailures(t *testing.T, a *App, entity string) float64 {
	t.Helper()
	families, err := a.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "dashboard_validation_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "entity" && lp.GetValue() == entity {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func eventCount(t *testing.T, a *App, event string) float64 {
	t.Helper()
	families, err := a.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "dashboard_analytics_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "event" && lp.GetValue() == event {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// TestApp_SettingsUpdates は設定グループの部分更新で兄弟項目が保持されることを検証する。
func TestApp_SettingsUpdates(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))
	ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")

	settings := ta.mustRun(t, "settings", "theme", "dark")
	assert.Equal(t, "dark", settings["theme"])

	settings = ta.mustRun(t, "settings", "notifications", "--marketing=true")
	notifications := settings["notifications"].(map[string]any)
	assert.Equal(t, true, notifications["marketing"])
	assert.Equal(t, true, notifications["push"])
	assert.Equal(t, true, notifications["email"])

	settings = ta.mustRun(t, "settings", "privacy", "--analytics=false")
	privacy := settings["privacy"].(map[string]any)
	assert.Equal(t, false, privacy["analytics"])
	assert.Equal(t, true, privacy["crashReporting"])

	settings = ta.mustRun(t, "settings", "preferences", "--language", "ja", "--timezone", "Asia/Tokyo")
	preferences := settings["preferences"].(map[string]any)
	assert.Equal(t, "ja", preferences["language"])
	assert.Equal(t, "Asia/Tokyo", preferences["timezone"])
	assert.Equal(t, "ja", ta.tracker.UserProperties()["language"])
	assert.Equal(t, "dark", ta.tracker.UserProperties()["theme"])

	settings = ta.mustRun(t, "settings", "preferences", "--timezone", "")
	_, hasTimezone := settings["preferences"].(map[string]any)["timezone"]
	assert.False(t, hasTimezone)
	assert.Equal(t, "dark", settings["theme"])

	_, err := ta.run(t, "settings", "theme", "purple")
	assert.Equal(t, model.ErrCodeInvalidInput, apiErrorCode(err))

	_, err = ta.run(t, "settings", "notifications")
	assert.Equal(t, model.ErrCodeInvalidInput, apiErrorCode(err))
}

// TestApp_SettingsCreatedOnFirstAccess はサインイン時に設定が作成されていなくても
// 参照・更新時に既定の設定が作成されることを検証する。
func TestApp_SettingsCreatedOnFirstAccess(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))
	ctx := context.Background()
	ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")

	require.NoError(t, ta.settings.DeleteByUserID(ctx, "uid-1"))

	settings := ta.mustRun(t, "settings", "show")
	assert.Equal(t, "system", settings["theme"])
	assert.Equal(t, "uid-1", settings["userId"])

	require.NoError(t, ta.settings.DeleteByUserID(ctx, "uid-1"))

	settings = ta.mustRun(t, "settings", "theme", "dark")
	assert.Equal(t, "dark", settings["theme"])
	notifications := settings["notifications"].(map[string]any)
	assert.Equal(t, true, notifications["push"])
	assert.Equal(t, false, notifications["marketing"])

	stored, err := ta.settings.FindByUserID(ctx, "uid-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.Theme("dark"), stored.Theme)
}

// TestApp_Sessions はセッションの一覧・一括終了・サインアウトを検証する。
func TestApp_Sessions(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))
	ta.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")

	out, err := ta.run(t, "sessions", "list")
	require.NoError(t, err)
	var sessions []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, true, sessions[0]["isActive"])

	swept := ta.mustRun(t, "sessions", "sweep")
	assert.Equal(t, 0, swept["ended"])

	ended := ta.mustRun(t, "sessions", "end-all")
	assert.Equal(t, 1, ended["ended"])
	assert.Equal(t, 1.0, eventCount(t, ta.App, "feature_used"))
	assert.Equal(t, 1.0, eventCount(t, ta.App, "button_clicked"))
	assert.Equal(t, "web", ta.tracker.UserProperties()["platform"])
	assert.Equal(t, "sessions end-all", ta.tracker.CurrentScreen())

	// 次の認証済みコマンドで新しいセッションが開始される
	out, err = ta.run(t, "sessions", "list")
	require.NoError(t, err)
	sessions = nil
	require.NoError(t, yaml.Unmarshal([]byte(out), &sessions))
	assert.Len(t, sessions, 1)

	result := ta.mustRun(t, "signout", "--everywhere")
	assert.Equal(t, false, result["signedIn"])
	assert.Equal(t, 1, result["endedSessions"])

	view := ta.mustRun(t, "whoami")
	assert.Equal(t, false, view["signedIn"])
}

// TestApp_RestoresSignInAcrossRuns はローカル状態からサインイン状態が復元されることを検証する。
func TestApp_RestoresSignInAcrossRuns(t *testing.T) {
	idp := newFakeIdentity(t)
	cfg := testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db"))

	first := newTestApp(t, cfg)
	first.mustRun(t, "signup", "--email", "a@b.com", "--password", "secret123")
	require.NoError(t, first.Close())

	second := newTestApp(t, cfg)
	view := second.mustRun(t, "whoami")
	assert.Equal(t, true, view["signedIn"])
	assert.Equal(t, "a@b.com", view["user"].(map[string]any)["email"])

	// メモリ上の文書ストアは再起動で消えるため、同期によって再作成される
	user, err := second.users.FindByID(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.NotNil(t, user)
}

func TestApp_ResetPassword(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))

	out, err := ta.run(t, "reset-password", "--email", "a@b.com")
	require.NoError(t, err)
	assert.Contains(t, out, "a@b.com")
	assert.Equal(t, []string{"a@b.com"}, idp.resets)
}

func TestApp_SignInWithGoogle_NotConfigured(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))

	_, err := ta.run(t, "signin", "--google")
	assert.Equal(t, model.ErrCodeInvalidInput, apiErrorCode(err))
}

// TestApp_Migrate_NonPostgres はpostgres以外のドライバではローカル状態を開かずに終了することを検証する。
func TestApp_Migrate_NonPostgres(t *testing.T) {
	ta := newTestApp(t, testConfig(t, "localhost:1", filepath.Join(t.TempDir(), "state.db")))

	_, err := ta.run(t, "migrate")
	require.NoError(t, err)
	assert.False(t, ta.opened)
}

// TestApp_EmailFlagRequired はメールアドレスが必須のコマンドで未指定がエラーになることを検証する。
func TestApp_EmailFlagRequired(t *testing.T) {
	idp := newFakeIdentity(t)
	ta := newTestApp(t, testConfig(t, idp.host(), filepath.Join(t.TempDir(), "state.db")))

	for _, args := range [][]string{
		{"signup", "--password", "secret123"},
		{"reset-password"},
	} {
		_, err := ta.run(t, args...)
		require.Error(t, err, "dashboard %v", args)
		assert.Contains(t, err.Error(), `required flag(s) "email" not set`)
	}
	assert.Empty(t, idp.resets)
}

func TestApp_InvalidOutputFormat(t *testing.T) {
	ta := newTestApp(t, testConfig(t, "localhost:1", filepath.Join(t.TempDir(), "state.db")))

	_, err := ta.run(t, "whoami", "-o", "xml")
	assert.Equal(t, model.ErrCodeInvalidInput, apiErrorCode(err))
	assert.False(t, ta.opened)
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "認証エラー",
			err:  auth.NewAuthError(auth.CodeInvalidLoginCredentials, errors.New("400")),
			want: "メールアドレスまたはパスワードが正しくありません。",
		},
		{
			name: "更新失敗",
			err:  model.NewUpdateFailedError("settings", errors.New("timeout")),
			want: "更新に失敗しました。 しばらく待ってから再度お試しください。",
		},
		{
			name: "その他",
			err:  errors.New("boom"),
			want: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatError(tt.err))
		})
	}
}

func TestRun_MissingConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DOCSTORE_DRIVER", "")
	t.Setenv("DOCSTORE_URI", "")
	t.Setenv("IDENTITY_API_KEY", "")

	err := Run(io.Discard, io.Discard, []string{"whoami"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialization failed")
}
