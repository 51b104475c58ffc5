// Package auth は外部IDサービスによる認証とサインイン状態の管理を提供する。
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/dashboard/internal/model"
)

const (
	defaultIdentityBaseURL = "https://identitytoolkit.googleapis.com/v1"
	defaultSecureTokenURL  = "https://securetoken.googleapis.com/v1/token"
)

// Credential はサインインで得られた認証情報。
type Credential struct {
	IDToken      string          `json:"idToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Principal    model.Principal `json:"principal"`
	IsNewUser    bool            `json:"-"`
}

// Expired はnowの時点でIDトークンの有効期限が切れているかを返す。
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Provider は外部IDサービスのインターフェース。
type Provider interface {
	// SignInWithPassword はメールアドレスとパスワードでサインインする。
	SignInWithPassword(ctx context.Context, email, password string) (*Credential, error)
	// SignUp はメールアドレスとパスワードでアカウントを作成する。
	SignUp(ctx context.Context, email, password string) (*Credential, error)
	// SignInWithIDP は外部IdPのIDトークンでサインインする。
	SignInWithIDP(ctx context.Context, providerID, idToken string) (*Credential, error)
	// SendPasswordReset はパスワード再設定メールを送信する。
	SendPasswordReset(ctx context.Context, email string) error
	// Refresh はリフレッシュトークンでIDトークンを更新する。
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}

// IdentityToolkitConfig はIdentityToolkitの設定。
type IdentityToolkitConfig struct {
	APIKey       string
	EmulatorHost string // "localhost:9099" の形式。設定時はエミュレータに接続する
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	BaseURL  string
	TokenURL string
}

// IdentityToolkit はIdentity Toolkit REST APIによるProviderの実装。
type IdentityToolkit struct {
	config IdentityToolkitConfig
	client *http.Client
}

// NewIdentityToolkit はIdentityToolkitを生成する。
func NewIdentityToolkit(config IdentityToolkitConfig) *IdentityToolkit {
	if config.EmulatorHost != "" {
		emulator := "http://" + strings.TrimSuffix(config.EmulatorHost, "/")
		if config.BaseURL == "" {
			config.BaseURL = emulator + "/identitytoolkit.googleapis.com/v1"
		}
		if config.TokenURL == "" {
			config.TokenURL = emulator + "/securetoken.googleapis.com/v1/token"
		}
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultIdentityBaseURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultSecureTokenURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &IdentityToolkit{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// accountResponse はaccounts:*エンドポイントのレスポンス。
type accountResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	ProviderID   string `json:"providerId"`
	IsNewUser    bool   `json:"isNewUser"`
}

// tokenResponse はsecuretokenエンドポイントのレスポンス。
type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// errorResponse はIDサービスのエラーレスポンス。
type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (p *IdentityToolkit) SignInWithPassword(ctx context.Context, email, password string) (*Credential, error) {
	var resp accountResponse
	err := p.postJSON(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return credentialFromAccount(resp, "password")
}

// SignUp はメールアドレスとパスワードでアカウントを作成する。
func (p *IdentityToolkit) SignUp(ctx context.Context, email, password string) (*Credential, error) {
	var resp accountResponse
	err := p.postJSON(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	cred, err := credentialFromAccount(resp, "password")
	if err != nil {
		return nil, err
	}
	cred.IsNewUser = true
	return cred, nil
}

// SignInWithIDP は外部IdPのIDトークンでサインインする。
func (p *IdentityToolkit) SignInWithIDP(ctx context.Context, providerID, idToken string) (*Credential, error) {
	postBody := url.Values{
		"id_token":   {idToken},
		"providerId": {providerID},
	}
	var resp accountResponse
	err := p.postJSON(ctx, "accounts:signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          "http://localhost",
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	cred, err := credentialFromAccount(resp, providerID)
	if err != nil {
		return nil, err
	}
	cred.IsNewUser = resp.IsNewUser
	return cred, nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (p *IdentityToolkit) SendPasswordReset(ctx context.Context, email string) error {
	return p.postJSON(ctx, "accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// Refresh はリフレッシュトークンでIDトークンを更新する。
// プリンシパルは新しいIDトークンのクレームから復元する。
func (p *IdentityToolkit) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.TokenURL+"?key="+url.QueryEscape(p.config.APIKey),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp tokenResponse
	if err := p.do(req, "token", &resp); err != nil {
		return nil, err
	}

	claims, err := parseIDToken(resp.IDToken)
	if err != nil {
		return nil, err
	}
	principal := claims.principal()
	if principal.UID == "" {
		principal.UID = resp.UserID
	}
	return &Credential{
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    claims.expiresAt(resp.ExpiresIn),
		Principal:    principal,
	}, nil
}

// postJSON はaccounts:*エンドポイントにJSONをPOSTする。outがnilの場合はレスポンスを読み捨てる。
func (p *IdentityToolkit) postJSON(ctx context.Context, method string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	endpoint := p.config.BaseURL + "/" + method + "?key=" + url.QueryEscape(p.config.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, method, out)
}

// do はリクエストを送信し、エラーレスポンスをAuthErrorに変換する。
func (p *IdentityToolkit) do(req *http.Request, method string, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Warn("identity service request failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return NewAuthError(CodeNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewAuthError(CodeNetwork, fmt.Errorf("failed to read %s response: %w", method, err))
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		code := CodeUnknown
		if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
			code = parseErrorCode(er.Error.Message)
		}
		slog.Warn("identity service returned error",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.String("code", code),
		)
		return NewAuthError(code, fmt.Errorf("%s failed with status %d", method, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	return nil
}

func credentialFromAccount(resp accountResponse, providerID string) (*Credential, error) {
	if resp.IDToken == "" || resp.LocalID == "" {
		return nil, errors.New("identity service returned no token")
	}
	claims, err := parseIDToken(resp.IDToken)
	if err != nil {
		return nil, err
	}
	if resp.ProviderID != "" {
		providerID = resp.ProviderID
	}
	return &Credential{
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    claims.expiresAt(resp.ExpiresIn),
		Principal: model.Principal{
			UID:         resp.LocalID,
			Email:       firstNonEmpty(resp.Email, claims.Email),
			DisplayName: firstNonEmpty(resp.DisplayName, claims.Name),
			PhotoURL:    firstNonEmpty(resp.PhotoURL, claims.Picture),
			ProviderID:  providerID,
		},
	}, nil
}

// idTokenClaims はIDトークンのうち利用するクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	Firebase struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
}

// parseIDToken は署名を検証せずにIDトークンのクレームを読み取る。
// トークンはIDサービスから直接受け取ったものに限って使う。
func parseIDToken(token string) (*idTokenClaims, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}
	return claims, nil
}

// expiresAt はexpクレームを優先し、無い場合はexpiresIn（秒）から有効期限を求める。
func (c *idTokenClaims) expiresAt(expiresIn string) time.Time {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	return time.Now()
}

func (c *idTokenClaims) principal() model.Principal {
	return model.Principal{
		UID:         firstNonEmpty(c.UserID, c.Subject),
		Email:       c.Email,
		DisplayName: c.Name,
		PhotoURL:    c.Picture,
		ProviderID:  c.Firebase.SignInProvider,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// compile-time interface check
var _ Provider = (*IdentityToolkit)(nil)
