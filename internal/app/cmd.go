package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitoshi/dashboard/internal/analytics"
	"github.com/hitoshi/dashboard/internal/auth"
	"github.com/hitoshi/dashboard/internal/config"
	"github.com/hitoshi/dashboard/internal/docstore/pgstore"
	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/profile"
)

// annotationStateless はローカル状態や外部サービスを必要としないコマンドに付ける。
const annotationStateless = "dashboard/stateless"

// settingsForm は設定更新フォームの分析イベント上の名前。
const settingsForm = "settings"

// Execute はargsのサブコマンドを実行する。
// 失敗時はエラーを分析イベントとメトリクスに記録してから返す。
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		a.recordFailure(cmd, err)
	}
	return err
}

func (a *App) recordFailure(cmd *cobra.Command, err error) {
	if !a.opened {
		return
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		a.collector.RecordValidationFailure(ve.Entity)
	}
	name := ""
	if cmd != nil {
		name = cmd.CommandPath()
	}
	a.tracker.TrackError(err.Error(), analytics.Params{"command": name})
}

func (a *App) newRootCommand() *cobra.Command {
	var format string

	root := &cobra.Command{
		Use:           "dashboard",
		Short:         "Account, profile and settings client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setFormat(format); err != nil {
				return err
			}
			if cmd.Annotations[annotationStateless] != "" {
				return nil
			}
			return a.Open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&format, "output", "o", formatYAML, "output format (yaml|json)")

	root.AddCommand(
		a.newSignUpCommand(),
		a.newSignInCommand(),
		a.newSignOutCommand(),
		a.newResetPasswordCommand(),
		a.newWhoAmICommand(),
		a.newProfileCommand(),
		a.newSettingsCommand(),
		a.newSessionsCommand(),
		a.newMigrateCommand(),
	)
	return root
}

// requireUser はサインイン中のユーザーを返し、現在のセッションの最終アクティブ時刻を更新する。
func (a *App) requireUser(cmd *cobra.Command) (*model.AuthUser, error) {
	u := a.cache.User()
	if u == nil {
		return nil, model.NewNotSignedInError()
	}
	if _, err := a.sessions.Touch(cmd.Context(), u.ID); err != nil {
		slog.Warn("Failed to touch session",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}
	a.tracker.SetUserProperties(map[string]string{"platform": a.cfg.ClientPlatform})
	a.tracker.TrackScreenView(strings.TrimPrefix(cmd.CommandPath(), "dashboard "), "")
	return u, nil
}

// whoAmI はサインイン状態の表示内容。
type whoAmI struct {
	SignedIn bool            `json:"signedIn" yaml:"signedIn"`
	User     *model.AuthUser `json:"user,omitempty" yaml:"user,omitempty"`
	Session  *model.Session  `json:"session,omitempty" yaml:"session,omitempty"`
}

func (a *App) printWhoAmI(ctx context.Context) error {
	view := whoAmI{User: a.cache.User()}
	view.SignedIn = view.User != nil
	if view.SignedIn {
		s, err := a.sessions.Current(ctx)
		if err != nil {
			slog.Warn("Failed to load current session", slog.String("error", err.Error()))
		}
		view.Session = s
	}
	return a.print(view)
}

// afterSignIn はサインイン直後に新しいセッションを開始し、サインイン状態を表示する。
// セッションの開始に失敗してもサインインは成功として扱う。
func (a *App) afterSignIn(ctx context.Context, p *model.Principal) error {
	if _, err := a.sessions.Start(ctx, p.UID); err != nil {
		slog.Warn("Failed to start session",
			slog.String("user_id", p.UID),
			slog.String("error", err.Error()),
		)
	}
	return a.printWhoAmI(ctx)
}

// readPassword はフラグで指定されていない場合にstdinの1行目をパスワードとして読む。
func readPassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return "", model.NewInvalidInputError("パスワードを入力してください")
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}

func (a *App) newSignUpCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account with e-mail and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			p, err := a.auth.SignUp(cmd.Context(), email, pw)
			if err != nil {
				return err
			}
			return a.afterSignIn(cmd.Context(), p)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "e-mail address")
	cmd.Flags().StringVar(&password, "password", "", "password (read from stdin when omitted)")
	_ = cmd.MarkFlagRequired("email") // 定義済みのフラグなので失敗しない
	return cmd
}

func (a *App) newSignInCommand() *cobra.Command {
	var email, password string
	var google bool
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with e-mail and password, or with Google",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if google {
				return a.signInWithGoogle(cmd)
			}
			if email == "" {
				return model.NewInvalidInputError("--email を指定してください")
			}
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			p, err := a.auth.SignInWithPassword(ctx, email, pw)
			if err != nil {
				return err
			}
			return a.afterSignIn(ctx, p)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "e-mail address")
	cmd.Flags().StringVar(&password, "password", "", "password (read from stdin when omitted)")
	cmd.Flags().BoolVar(&google, "google", false, "sign in with a Google account in the browser")
	cmd.MarkFlagsMutuallyExclusive("google", "email")
	return cmd
}

func (a *App) signInWithGoogle(cmd *cobra.Command) error {
	if a.google == nil {
		return model.NewInvalidInputError("Googleサインインが設定されていません（GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET）")
	}
	ctx := cmd.Context()
	idToken, err := auth.AuthorizeGoogle(ctx, a.google, a.cfg.OAuthCallbackPort, func(loginURL string) {
		fmt.Fprintf(cmd.ErrOrStderr(), "ブラウザで次のURLを開いてサインインしてください:\n%s\n", loginURL)
	})
	if err != nil {
		return err
	}
	p, err := a.auth.SignInWithGoogle(ctx, idToken)
	if err != nil {
		return err
	}
	return a.afterSignIn(ctx, p)
}

func (a *App) newSignOutCommand() *cobra.Command {
	var everywhere bool
	cmd := &cobra.Command{
		Use:   "signout",
		Short: "Sign out and end the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			u := a.cache.User()
			if u == nil {
				return model.NewNotSignedInError()
			}

			ended := 0
			if everywhere {
				n, err := a.sessions.EndAll(ctx, u.ID)
				ended = n
				if err != nil {
					slog.Warn("Failed to end all sessions",
						slog.String("user_id", u.ID),
						slog.Int("ended", n),
						slog.String("error", err.Error()),
					)
				}
			} else if err := a.sessions.End(ctx); err != nil {
				slog.Warn("Failed to end session",
					slog.String("user_id", u.ID),
					slog.String("error", err.Error()),
				)
			} else {
				ended = 1
			}

			if err := a.auth.SignOut(ctx); err != nil {
				return err
			}
			return a.print(struct {
				SignedIn      bool `json:"signedIn" yaml:"signedIn"`
				EndedSessions int  `json:"endedSessions" yaml:"endedSessions"`
			}{false, ended})
		},
	}
	cmd.Flags().BoolVar(&everywhere, "everywhere", false, "end every active session of the account")
	return cmd
}

func (a *App) newResetPasswordCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password reset e-mail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.tracker.FeatureUsed("password_reset")
			if err := a.auth.SendPasswordReset(cmd.Context(), email); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "パスワード再設定メールを送信しました: %s\n", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "e-mail address")
	_ = cmd.MarkFlagRequired("email") // 定義済みのフラグなので失敗しない
	return cmd
}

func (a *App) newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.printWhoAmI(cmd.Context())
		},
	}
}

func (a *App) newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update the profile",
	}

	show := &cobra.Command{
		Use:  "show",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd)
			if err != nil {
				return err
			}
			user, err := a.profile.Get(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			return a.print(user)
		},
	}

	var displayName, photoURL string
	update := &cobra.Command{
		Use:   "update",
		Short: "Update the profile (an empty value removes the field)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd)
			if err != nil {
				return err
			}
			var in profile.Input
			if cmd.Flags().Changed("display-name") {
				in.DisplayName = &displayName
			}
			if cmd.Flags().Changed("photo-url") {
				in.PhotoURL = &photoURL
			}
			user, err := a.profile.Update(cmd.Context(), u.ID, in)
			if err != nil {
				return err
			}
			return a.print(user)
		},
	}
	update.Flags().StringVar(&displayName, "display-name", "", "display name")
	update.Flags().StringVar(&photoURL, "photo-url", "", "absolute URL of the profile photo")

	cmd.AddCommand(show, update)
	return cmd
}

func (a *App) newSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or update the settings",
	}

	show := &cobra.Command{
		Use:  "show",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd)
			if err != nil {
				return err
			}
			// サインイン時の作成に失敗していた場合はここで既定の設定を作成する
			settings, err := a.settings.Ensure(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			return a.print(settings)
		},
	}

	theme := &cobra.Command{
		Use:       "theme light|dark|system",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(model.ThemeLight), string(model.ThemeDark), string(model.ThemeSystem)},
		RunE: func(cmd *cobra.Command, args []string) error {
			t := model.Theme(args[0])
			if !t.Valid() {
				return model.NewInvalidInputError(fmt.Sprintf("テーマは light, dark, system のいずれかです: %s", args[0]))
			}
			return a.updateSettings(cmd, model.SettingsUpdate{Theme: &t})
		},
	}

	var push, email, marketing bool
	notifications := &cobra.Command{
		Use:  "notifications",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n := model.NotificationsUpdate{
				Push:      changedBool(cmd, "push", push),
				Email:     changedBool(cmd, "email", email),
				Marketing: changedBool(cmd, "marketing", marketing),
			}
			return a.updateSettings(cmd, model.SettingsUpdate{Notifications: &n})
		},
	}
	notifications.Flags().BoolVar(&push, "push", false, "push notifications")
	notifications.Flags().BoolVar(&email, "email", false, "e-mail notifications")
	notifications.Flags().BoolVar(&marketing, "marketing", false, "marketing notifications")

	var analyticsOn, crashReporting bool
	privacy := &cobra.Command{
		Use:  "privacy",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := model.PrivacyUpdate{
				Analytics:      changedBool(cmd, "analytics", analyticsOn),
				CrashReporting: changedBool(cmd, "crash-reporting", crashReporting),
			}
			return a.updateSettings(cmd, model.SettingsUpdate{Privacy: &p})
		},
	}
	privacy.Flags().BoolVar(&analyticsOn, "analytics", false, "usage analytics")
	privacy.Flags().BoolVar(&crashReporting, "crash-reporting", false, "crash reporting")

	var language, timezone string
	preferences := &cobra.Command{
		Use:  "preferences",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p model.PreferencesUpdate
			if cmd.Flags().Changed("language") {
				p.Language = &language
			}
			if cmd.Flags().Changed("timezone") {
				p.Timezone = &timezone
			}
			return a.updateSettings(cmd, model.SettingsUpdate{Preferences: &p})
		},
	}
	preferences.Flags().StringVar(&language, "language", "", "language code")
	preferences.Flags().StringVar(&timezone, "timezone", "", "IANA time zone (an empty value removes it)")

	cmd.AddCommand(show, theme, notifications, privacy, preferences)
	return cmd
}

func changedBool(cmd *cobra.Command, name string, v bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &v
}

// updateSettings は設定を更新して表示する。
// 失敗時の原因はログにのみ出力し、利用者向けには更新失敗エラーを返す。
func (a *App) updateSettings(cmd *cobra.Command, upd model.SettingsUpdate) error {
	u, err := a.requireUser(cmd)
	if err != nil {
		return err
	}
	if upd.IsEmpty() {
		return model.NewInvalidInputError("更新する項目を指定してください")
	}

	settings, err := a.ensureAndUpdateSettings(cmd.Context(), u.ID, upd)
	if err != nil {
		slog.Error("Failed to update settings",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
		a.tracker.FormSubmitted(settingsForm, false)
		return model.NewUpdateFailedError(settingsForm, err)
	}
	a.tracker.FormSubmitted(settingsForm, true)
	a.tracker.SetUserProperties(map[string]string{
		"theme":    string(settings.Theme),
		"language": settings.Preferences.Language,
	})
	return a.print(settings)
}

func (a *App) ensureAndUpdateSettings(ctx context.Context, userID string, upd model.SettingsUpdate) (*model.Settings, error) {
	if _, err := a.settings.Ensure(ctx, userID); err != nil {
		return nil, err
	}
	return a.settings.Update(ctx, userID, upd)
}

func (a *App) newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or end sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:  "list",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd)
			if err != nil {
				return err
			}
			sessions, err := a.sessions.List(cmd.Context(), u.ID, limit)
			if err != nil {
				return err
			}
			return a.print(sessions)
		},
	}
	list.Flags().IntVar(&limit, "max", 0, "maximum number of sessions (default 10)")

	endAll := &cobra.Command{
		Use:   "end-all",
		Short: "End every active session of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd)
			if err != nil {
				return err
			}
			a.tracker.ButtonClicked("end_all", "sessions")
			n, err := a.sessions.EndAll(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			return a.print(endedCount{Ended: n})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "End active sessions whose expiry has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.requireUser(cmd)
			if err != nil {
				return err
			}
			a.tracker.FeatureUsed("session_sweep")
			n, err := a.sweeper.Run(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			return a.print(endedCount{Ended: n})
		},
	}

	cmd.AddCommand(list, endAll, sweep)
	return cmd
}

type endedCount struct {
	Ended int `json:"ended" yaml:"ended"`
}

func (a *App) newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Apply document store schema migrations (postgres driver)",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationStateless: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DocstoreDriver != config.DriverPostgres {
				slog.Info("no migrations for document store driver",
					slog.String("driver", a.cfg.DocstoreDriver),
				)
				return nil
			}

			slog.Info("running document store migrations",
				slog.String("database_url", maskDatabaseURL(a.cfg.DocstoreURI)),
			)
			version, err := pgstore.RunMigrations(a.cfg.DocstoreURI)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			slog.Info("document store migrations completed successfully",
				slog.Uint64("schema_version", uint64(version)),
			)
			return a.print(struct {
				SchemaVersion uint `json:"schemaVersion" yaml:"schemaVersion"`
			}{version})
		},
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
