// Package analytics は利用状況イベントの記録を提供する。
// 記録は失敗しても呼び出し元に影響しない（エラーを返さず、panicも外に伝播しない）。
package analytics

import (
	"context"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hitoshi/dashboard/internal/metrics"
)

// 定義済みイベント名
const (
	EventScreenView    = "screen_view"
	EventError         = "error"
	EventSignIn        = "sign_in"
	EventSignUp        = "sign_up"
	EventSignOut       = "sign_out"
	EventFeatureUsed   = "feature_used"
	EventButtonClicked = "button_clicked"
	EventFormSubmitted = "form_submitted"
)

// maxErrorMessageLen はエラーイベントに含めるメッセージの最大文字数。
const maxErrorMessageLen = 100

// Method はサインイン・サインアップの方法。
type Method string

const (
	MethodEmail  Method = "email"
	MethodGoogle Method = "google"
	MethodApple  Method = "apple"
)

// Params はイベントに付与するパラメータ。値は string / 数値 / bool のいずれか。
type Params map[string]any

// Config はTrackerの設定を保持する。
type Config struct {
	EventsPerSecond rate.Limit // イベント送信のレート（events/sec）
	Burst           int        // バーストサイズ
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		EventsPerSecond: rate.Limit(20),
		Burst:           20,
	}
}

// Tracker は分析イベントを記録する。
type Tracker struct {
	collector metrics.MetricsCollector
	pusher    *metrics.Pusher
	limiter   *rate.Limiter

	mu         sync.Mutex
	userID     string
	properties map[string]string
	screen     string
}

// NewTracker は新しいTrackerを生成する。collectorとpusherはnilでもよい。
func NewTracker(cfg Config, collector metrics.MetricsCollector, pusher *metrics.Pusher) *Tracker {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Tracker{
		collector:  collector,
		pusher:     pusher,
		limiter:    rate.NewLimiter(cfg.EventsPerSecond, burst),
		properties: make(map[string]string),
	}
}

// guard はpanicを記録して握りつぶす。deferで呼び出す。
func guard(msg string, attrs ...any) {
	if rec := recover(); rec != nil {
		slog.Error(msg, append(attrs,
			slog.Any("panic", rec),
			slog.String("stack", string(debug.Stack())),
		)...)
	}
}

// TrackEvent はイベントを記録する。レート制限を超えたイベントは破棄される。
func (t *Tracker) TrackEvent(name string, params Params) {
	defer guard("Failed to track event", slog.String("event", name))

	if !t.limiter.Allow() {
		slog.Warn("analytics event dropped", slog.String("event", name))
		if t.collector != nil {
			t.collector.RecordEventDropped(name)
		}
		return
	}

	if t.collector != nil {
		t.collector.RecordEvent(name)
	}
	t.mu.Lock()
	userID, screen := t.userID, t.screen
	props := maps.Clone(t.properties)
	t.mu.Unlock()

	slog.Debug("Event tracked",
		slog.String("event", name),
		slog.String("user_id", userID),
		slog.String("screen", screen),
		slog.Any("params", params),
		slog.Any("user_properties", props),
	)
}

// TrackScreenView は画面表示を記録する。screenClassが空の場合は画面名を使う。
func (t *Tracker) TrackScreenView(screenName, screenClass string) {
	if screenClass == "" {
		screenClass = screenName
	}
	t.mu.Lock()
	t.screen = screenName
	t.mu.Unlock()

	t.TrackEvent(EventScreenView, Params{
		"screen_name":  screenName,
		"screen_class": screenClass,
	})
}

// TrackError はエラーを記録する。メッセージは先頭100文字に切り詰める。
func (t *Tracker) TrackError(message string, context Params) {
	params := Params{"error_message": truncate(message, maxErrorMessageLen)}
	maps.Copy(params, context)

	slog.Error("Error tracked", slog.Any("params", params))
	t.TrackEvent(EventError, params)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Identify は以降のイベントをユーザーに関連付ける。
func (t *Tracker) Identify(userID string) {
	defer guard("Failed to identify user", slog.String("user_id", userID))

	t.mu.Lock()
	t.userID = userID
	t.mu.Unlock()
	slog.Info("User identified", slog.String("user_id", userID))
}

// ClearIdentity はユーザーの関連付けとユーザープロパティを解除する。
func (t *Tracker) ClearIdentity() {
	defer guard("Failed to clear user identity")

	t.mu.Lock()
	t.userID = ""
	t.properties = make(map[string]string)
	t.mu.Unlock()
	slog.Info("User identity cleared")
}

// UserID は現在関連付けられているユーザーIDを返す。未設定の場合は空文字列。
func (t *Tracker) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// SetUserProperties はユーザープロパティを追加・上書きする。
func (t *Tracker) SetUserProperties(props map[string]string) {
	defer guard("Failed to set user properties")

	t.mu.Lock()
	maps.Copy(t.properties, props)
	t.mu.Unlock()
	slog.Debug("User properties set", slog.Any("properties", props))
}

// UserProperties は現在のユーザープロパティのコピーを返す。
func (t *Tracker) UserProperties() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.properties)
}

// CurrentScreen は最後に記録された画面名を返す。
func (t *Tracker) CurrentScreen() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.screen
}

// Flush は記録済みのメトリクスをPushgatewayに送信する。
// 送信に失敗した場合はログを出力して終了する。
func (t *Tracker) Flush(ctx context.Context) {
	defer guard("Failed to flush analytics")

	if err := t.pusher.Push(ctx); err != nil {
		slog.Warn("Failed to flush analytics", slog.String("error", err.Error()))
	}
}

// SignIn はサインインを記録する。
func (t *Tracker) SignIn(method Method) {
	t.TrackEvent(EventSignIn, Params{"method": string(method)})
}

// SignUp はサインアップを記録する。
func (t *Tracker) SignUp(method Method) {
	t.TrackEvent(EventSignUp, Params{"method": string(method)})
}

// SignOut はサインアウトを記録する。
func (t *Tracker) SignOut() {
	t.TrackEvent(EventSignOut, nil)
}

// FeatureUsed は機能の利用を記録する。
func (t *Tracker) FeatureUsed(featureName string) {
	t.TrackEvent(EventFeatureUsed, Params{"feature_name": featureName})
}

// ButtonClicked はボタン操作を記録する。
func (t *Tracker) ButtonClicked(buttonName, screen string) {
	t.TrackEvent(EventButtonClicked, Params{"button_name": buttonName, "screen": screen})
}

// FormSubmitted はフォーム送信の結果を記録する。
func (t *Tracker) FormSubmitted(formName string, success bool) {
	t.TrackEvent(EventFormSubmitted, Params{"form_name": formName, "success": success})
}
