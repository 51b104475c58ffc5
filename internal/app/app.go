// Package app はCLIアプリケーションの初期化とワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/dashboard/internal/analytics"
	"github.com/hitoshi/dashboard/internal/auth"
	"github.com/hitoshi/dashboard/internal/config"
	"github.com/hitoshi/dashboard/internal/docstore"
	_ "github.com/hitoshi/dashboard/internal/docstore/memstore"
	_ "github.com/hitoshi/dashboard/internal/docstore/mongostore"
	_ "github.com/hitoshi/dashboard/internal/docstore/pgstore"
	"github.com/hitoshi/dashboard/internal/identity"
	"github.com/hitoshi/dashboard/internal/kvstore"
	"github.com/hitoshi/dashboard/internal/logger"
	"github.com/hitoshi/dashboard/internal/metrics"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/profile"
	"github.com/hitoshi/dashboard/internal/repository"
	"github.com/hitoshi/dashboard/internal/security"
	"github.com/hitoshi/dashboard/internal/session"
)

// closeTimeout は終了処理（分析イベントの送信、接続のクローズ）に使う時間の上限。
const closeTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。コマンドの結果はstdoutに、ログはstderrに出力する。
// SIGINTまたはSIGTERMを受信すると実行中のコマンドをキャンセルする。
func Run(stdout, stderr io.Writer, args []string) error {
	cfg, err := Init(stderr)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := New(cfg, stdout, stderr, WithStdin(os.Stdin))
	defer a.Close()

	return a.Execute(ctx, args)
}

// Option はAppの生成オプション。
type Option func(*App)

// WithProvider は外部IDサービスの実装を差し替える。
func WithProvider(p auth.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithStdin はパスワードなどの入力元を指定する。
func WithStdin(r io.Reader) Option {
	return func(a *App) { a.stdin = r }
}

// App はコマンド間で共有する依存関係を保持する。
// 依存関係は最初に必要になったコマンドの実行前に Open で構築される。
type App struct {
	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	format string

	provider auth.Provider
	opened   bool

	kv        *kvstore.Store
	registry  *prometheus.Registry
	collector *metrics.Collector
	tracker   *analytics.Tracker
	store     docstore.Store

	users    *repository.DocUserRepo
	settings *repository.DocSettingsRepo
	sessRepo *repository.DocSessionRepo

	cache    *identity.Cache
	auth     *auth.Client
	sync     *identity.Sync
	sessions *session.Manager
	sweeper  *session.SweepJob
	profile  *profile.Service
	google   *auth.GoogleOAuthProvider
}

// New はAppを生成する。
func New(cfg *config.Config, stdout, stderr io.Writer, opts ...Option) *App {
	a := &App{cfg: cfg, stdin: strings.NewReader(""), stdout: stdout, stderr: stderr}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open は全依存関係をワイヤリングし、認証状態の復元と同期が完了するまで待つ。
// 2回目以降の呼び出しは何もしない。
func (a *App) Open(ctx context.Context) error {
	if a.opened {
		return nil
	}
	cfg := a.cfg

	// 1. ローカル状態
	kv, err := kvstore.Open(ctx, cfg.StatePath)
	if err != nil {
		return err
	}
	a.kv = kv
	a.opened = true

	// 2. メトリクスと分析
	a.registry = prometheus.NewRegistry()
	a.collector = metrics.NewCollector(a.registry)
	pusher := metrics.NewPusher(cfg.AnalyticsPushgatewayURL, cfg.AnalyticsJob, a.registry)
	a.tracker = analytics.NewTracker(analytics.Config{
		EventsPerSecond: rate.Limit(cfg.AnalyticsEventsPerSecond),
		Burst:           max(1, int(cfg.AnalyticsEventsPerSecond)),
	}, a.collector, pusher)

	// 3. 文書ストアとリポジトリ
	store, err := docstore.Open(ctx, docstore.Config{
		Driver:   cfg.DocstoreDriver,
		URI:      cfg.DocstoreURI,
		Database: cfg.DocstoreDatabase,
	})
	if err != nil {
		return err
	}
	a.store = metrics.InstrumentStore(store, a.collector)
	a.users = repository.NewDocUserRepo(a.store)
	a.settings = repository.NewDocSettingsRepo(a.store)
	a.sessRepo = repository.NewDocSessionRepo(a.store)

	// 4. ローカルのサインイン中ユーザー（失敗しても未サインインとして続行する）
	a.cache = identity.NewCache(kv)
	_ = a.cache.Restore(ctx) // 失敗はキャッシュ側で記録済み

	// 5. 外部IDサービス
	if a.provider == nil {
		a.provider = auth.NewIdentityToolkit(auth.IdentityToolkitConfig{
			APIKey:       cfg.IdentityAPIKey,
			EmulatorHost: cfg.IdentityEmulatorHost,
			Timeout:      cfg.RequestTimeout,
		})
	}
	a.auth = auth.NewClient(a.provider, kv, a.tracker)
	if err := a.auth.Start(ctx); err != nil {
		return err
	}
	if cfg.GoogleSignInEnabled() {
		a.google = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		})
	}

	// 6. 認証状態とリモート文書の同期
	a.sync = identity.NewSync(a.cache, a.users, a.settings, a.tracker)
	a.sync.Start(a.auth)
	if err := a.sync.WaitReady(ctx); err != nil {
		return fmt.Errorf("failed to wait for identity sync: %w", err)
	}

	// 7. アプリケーションサービス
	a.sessions = session.NewManager(a.sessRepo, kv, session.Config{
		Platform: model.Platform(cfg.ClientPlatform),
		DeviceID: cfg.DeviceID,
		Lifetime: cfg.SessionLifetime(),
	})
	a.sweeper = session.NewSweepJob(a.sessRepo, slog.Default())
	a.profile = profile.NewService(a.users, a.cache, a.tracker, security.NewTextSanitizer())

	slog.Debug("application ready",
		slog.String("driver", cfg.DocstoreDriver),
		slog.String("state", string(a.sync.State())),
	)
	return nil
}

// Close は分析イベントを送信し、接続を閉じる。
func (a *App) Close() error {
	if !a.opened {
		return nil
	}
	a.opened = false

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if a.sync != nil {
		a.sync.Stop()
	}
	if a.tracker != nil {
		a.tracker.Flush(ctx)
	}

	var errs []error
	if a.store != nil {
		if err := docstore.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close document store: %w", err))
		}
	}
	if err := a.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close state store: %w", err))
	}
	return errors.Join(errs...)
}
