package auth

import (
	"errors"
	"fmt"
	"strings"
)

// IDサービスが返すエラーコード
const (
	CodeEmailNotFound           = "EMAIL_NOT_FOUND"
	CodeInvalidPassword         = "INVALID_PASSWORD"
	CodeInvalidLoginCredentials = "INVALID_LOGIN_CREDENTIALS"
	CodeUserDisabled            = "USER_DISABLED"
	CodeEmailExists             = "EMAIL_EXISTS"
	CodeWeakPassword            = "WEAK_PASSWORD"
	CodeInvalidEmail            = "INVALID_EMAIL"
	CodeMissingPassword         = "MISSING_PASSWORD"
	CodeTooManyAttempts         = "TOO_MANY_ATTEMPTS_TRY_LATER"
	CodeOperationNotAllowed     = "OPERATION_NOT_ALLOWED"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeInvalidRefreshToken     = "INVALID_REFRESH_TOKEN"
	CodeInvalidIDPResponse      = "INVALID_IDP_RESPONSE"
	CodeOAuthStateMismatch      = "OAUTH_STATE_MISMATCH"
	CodeOAuthCancelled          = "OAUTH_CANCELLED"
	CodeNetwork                 = "NETWORK_ERROR"
	CodeUnknown                 = "UNKNOWN"
)

var messages = map[string]string{
	CodeEmailNotFound:           "メールアドレスまたはパスワードが正しくありません。",
	CodeInvalidPassword:         "メールアドレスまたはパスワードが正しくありません。",
	CodeInvalidLoginCredentials: "メールアドレスまたはパスワードが正しくありません。",
	CodeUserDisabled:            "このアカウントは無効化されています。",
	CodeEmailExists:             "このメールアドレスは既に登録されています。",
	CodeWeakPassword:            "パスワードは6文字以上で入力してください。",
	CodeInvalidEmail:            "メールアドレスの形式が正しくありません。",
	CodeMissingPassword:         "パスワードを入力してください。",
	CodeTooManyAttempts:         "試行回数が多すぎます。しばらくしてから再度お試しください。",
	CodeOperationNotAllowed:     "このサインイン方法は許可されていません。",
	CodeTokenExpired:            "セッションの有効期限が切れました。再度サインインしてください。",
	CodeInvalidRefreshToken:     "セッションの有効期限が切れました。再度サインインしてください。",
	CodeInvalidIDPResponse:      "Googleでのサインインに失敗しました。",
	CodeOAuthStateMismatch:      "Googleでのサインインに失敗しました。",
	CodeOAuthCancelled:          "Googleでのサインインがキャンセルされました。",
	CodeNetwork:                 "ネットワークエラーが発生しました。接続を確認してください。",
}

const defaultMessage = "認証に失敗しました。もう一度お試しください。"

// AuthError はIDサービスの失敗を表す。Messageは利用者向けの文言。
type AuthError struct {
	Code    string
	Message string
	Err     error
}

// NewAuthError はコードに対応する利用者向けメッセージを持つAuthErrorを生成する。
func NewAuthError(code string, err error) *AuthError {
	msg, ok := messages[code]
	if !ok {
		msg = defaultMessage
	}
	return &AuthError{Code: code, Message: msg, Err: err}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Code, e.Err)
	}
	return "auth " + e.Code
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// UserMessage はerrに含まれるAuthErrorの利用者向けメッセージを返す。
// AuthErrorでない場合は汎用のメッセージを返す。
func UserMessage(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return defaultMessage
}

// parseErrorCode はIDサービスのエラーメッセージからコードを取り出す。
// "WEAK_PASSWORD : Password should be at least 6 characters" のように詳細が続く場合がある。
func parseErrorCode(message string) string {
	code, _, _ := strings.Cut(message, " ")
	code = strings.TrimSpace(code)
	if code == "" {
		return CodeUnknown
	}
	return code
}
